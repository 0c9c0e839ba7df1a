package ingest

import (
	"fmt"
	"path"
	"strings"

	"github.com/agentic-research/gridtrace/api"
	"github.com/agentic-research/gridtrace/internal/hierarchy"
)

// Resolve derives the stable identifier and parent identifier for a raw
// record. It is a pure function of the record's content and source path, so
// re-ingesting the same file always yields the same identity.
//
// Readers that extract identity from file content set ID themselves; path
// conventions are the fallback. Returns ErrUnresolvableIdentity (wrapped,
// with the offending path) when neither suffices.
func Resolve(rec *api.RawRecord) (id, parentID string, err error) {
	if rec.ID != "" {
		return rec.ID, rec.ParentID, nil
	}

	rel := path.Clean(rec.Source)
	stem := strings.TrimSuffix(path.Base(rel), path.Ext(rel))

	switch rec.Level {
	case api.LevelAtlas:
		if id = atlasID(rel, stem); id == "" {
			return "", "", unresolvable("no Atlas_ name in %s", rel)
		}
		return id, "", nil

	case api.LevelGrid:
		id = ancestorDir(rel, "Grid_")
		if id == "" {
			// A bare session directory: fall back to the session name the
			// reader pulled out of EpuSession.dm.
			if name, ok := rec.Metadata["session_name"].(string); ok && name != "" {
				id = name
			}
		}
		if id == "" {
			return "", "", unresolvable("no Grid_ directory or session name for %s", rel)
		}
		return id, ancestorDir(rel, "Atlas_"), nil

	case api.LevelGridSquare:
		if id = ancestorDir(rel, "GridSquare_"); id == "" {
			return "", "", unresolvable("no GridSquare_ directory in %s", rel)
		}
		return id, ancestorDir(rel, "Grid_"), nil

	case api.LevelFoilHole:
		if id = foilHoleID(stem); id == "" {
			return "", "", unresolvable("cannot derive foil hole from %s", stem)
		}
		return id, ancestorDir(rel, "GridSquare_"), nil

	case api.LevelExposure:
		if !strings.HasPrefix(stem, "FoilHole_") || !strings.Contains(stem, "_Data_") {
			return "", "", unresolvable("cannot derive exposure from %s", stem)
		}
		return stem, foilHoleID(stem), nil
	}
	return "", "", unresolvable("unknown level %d", rec.Level)
}

func unresolvable(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{hierarchy.ErrUnresolvableIdentity}, args...)...)
}

// ancestorDir returns the deepest path segment with the given prefix.
func ancestorDir(rel, prefix string) string {
	segs := strings.Split(rel, "/")
	for i := len(segs) - 2; i >= 0; i-- {
		if strings.HasPrefix(segs[i], prefix) {
			return segs[i]
		}
	}
	return ""
}

// foilHoleID extracts "FoilHole_<n>" from an EPU file stem such as
// "FoilHole_5_Data_9_20240501_101500" or "FoilHole_5_20240501_100000".
func foilHoleID(stem string) string {
	if !strings.HasPrefix(stem, "FoilHole_") {
		return ""
	}
	fields := strings.SplitN(stem, "_", 3)
	if len(fields) < 2 || fields[1] == "" {
		return ""
	}
	return fields[0] + "_" + fields[1]
}

// atlasID prefers the enclosing Atlas_ directory, so the atlas record and
// the parent references derived by grid resolution key on the same name
// even when the file stem differs (Atlas_1/Atlas_20240501.xml). The stem is
// the fallback for an atlas image sitting outside any Atlas_ directory.
func atlasID(rel, stem string) string {
	if dir := ancestorDir(rel, "Atlas_"); dir != "" {
		return dir
	}
	if strings.HasPrefix(stem, "Atlas_") {
		return stem
	}
	return ""
}
