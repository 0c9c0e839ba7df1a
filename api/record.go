package api

import (
	"time"

	billy "github.com/go-git/go-billy/v5"
)

// Level identifies one tier of the EPU magnification hierarchy.
// Levels are strictly ordered: children of a node always sit exactly one
// level below it.
type Level int

const (
	LevelAtlas Level = iota
	LevelGrid
	LevelGridSquare
	LevelFoilHole
	LevelExposure
)

// Child returns the level one step down, or -1 for the leaf level.
func (l Level) Child() Level {
	if l >= LevelExposure {
		return -1
	}
	return l + 1
}

// IsLeaf reports whether the level has no child level.
func (l Level) IsLeaf() bool { return l == LevelExposure }

func (l Level) String() string {
	switch l {
	case LevelAtlas:
		return "atlas"
	case LevelGrid:
		return "grid"
	case LevelGridSquare:
		return "gridsquare"
	case LevelFoilHole:
		return "foilhole"
	case LevelExposure:
		return "exposure"
	default:
		return "unknown"
	}
}

// ParseLevel maps a level name back to its Level. Returns false for
// unrecognized names.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "atlas":
		return LevelAtlas, true
	case "grid":
		return LevelGrid, true
	case "gridsquare":
		return LevelGridSquare, true
	case "foilhole":
		return LevelFoilHole, true
	case "exposure":
		return LevelExposure, true
	}
	return -1, false
}

// RawRecord is the typed extraction a FormatReader produces for one
// acquisition node sighting. ID and ParentID may be empty when the reader
// cannot derive them from file content alone; the identity resolver then
// falls back to path conventions.
type RawRecord struct {
	Level    Level
	ID       string
	ParentID string
	// Metadata holds level-specific attributes (stage position, pixel size,
	// timestamps). Values are primitive scalars only.
	Metadata map[string]any
	Source   string
	ModTime  time.Time
}

// ResultRecord is the typed extraction for one downstream processing output
// attached to a single exposure.
type ResultRecord struct {
	// ExposureID is the cross-reference key into the acquisition hierarchy.
	ExposureID string
	Kind       string
	Payload    map[string]any
	ProducedAt time.Time
	Source     string
}

// FormatReader extracts acquisition or processing records from one file.
//
// Readers are pure functions of file content: they never touch shared state,
// so the ingest loop may invoke them from parallel workers. A reader claims
// files by glob pattern; dispatch is first-match in registration order.
type FormatReader interface {
	// Claims returns the path glob patterns this reader handles, matched
	// against the path relative to the acquisition root.
	Claims() []string
	// Read parses the file at path and returns every record it contains.
	// A parse failure fails only this file, never the batch.
	Read(fs billy.Filesystem, path string) ([]RawRecord, []ResultRecord, error)
}
