package hierarchy

import (
	"errors"
	"fmt"

	"github.com/agentic-research/gridtrace/api"
)

var (
	// ErrNotFound is returned for lookups of unknown node IDs.
	ErrNotFound = errors.New("node not found")
	// ErrUnresolvableIdentity is returned when a record carries too little
	// information to derive a stable identifier. Per-file soft failure.
	ErrUnresolvableIdentity = errors.New("unresolvable identity")
)

// ParentConflictError reports an upsert that tried to re-parent a node.
// A node's parent, once set, never changes; the conflicting update is
// rejected and the original parent retained.
type ParentConflictError struct {
	ID   string
	Have string
	Got  string
}

func (e *ParentConflictError) Error() string {
	return fmt.Sprintf("parent conflict on %s: have %s, got %s", e.ID, e.Have, e.Got)
}

// LevelViolationError reports a child/parent pair that skips a level, or an
// ID re-used at a different level than it was first seen at.
type LevelViolationError struct {
	ID   string
	Have api.Level
	Got  api.Level
}

func (e *LevelViolationError) Error() string {
	return fmt.Sprintf("level violation on %s: have %s, got %s", e.ID, e.Have, e.Got)
}
