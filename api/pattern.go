package api

import (
	"path"
	"strings"
)

// MatchPath reports whether a slash-separated relative path matches a claim
// pattern. Patterns use path.Match syntax per segment, plus "**" as a full
// segment matching any number of directories (including none).
func MatchPath(pattern, rel string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(path.Clean(rel), "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			if matchSegments(pat[1:], segs) {
				return true
			}
			if len(segs) == 0 {
				return false
			}
			segs = segs[1:]
			continue
		}
		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pat = pat[1:]
		segs = segs[1:]
	}
	return len(segs) == 0
}
