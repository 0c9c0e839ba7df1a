// Package repo persists the hierarchy so a session survives restarts.
// The engine is the only component that touches a Repository, and it does
// so only through the Store's accepted mutations.
package repo

import "github.com/agentic-research/gridtrace/internal/hierarchy"

// Repository is the persistence collaborator. Implementations must make
// each Save atomic: a reader of the backing store never sees a node with a
// level set but no other fields.
type Repository interface {
	SaveNode(n *hierarchy.Node) error
	SaveResult(r *hierarchy.ProcessingResult) error
	// LoadInto hydrates a store from the backing file, nodes in discovery
	// order so parents restore before their children.
	LoadInto(s *hierarchy.Store) error
	// Reset drops all persisted state. Used by re-initialize only.
	Reset() error
	Close() error
}

// Null is a Repository that persists nothing. Used when a session runs
// purely in memory and by tests.
type Null struct{}

func (Null) SaveNode(*hierarchy.Node) error               { return nil }
func (Null) SaveResult(*hierarchy.ProcessingResult) error { return nil }
func (Null) LoadInto(*hierarchy.Store) error              { return nil }
func (Null) Reset() error                                 { return nil }
func (Null) Close() error                                 { return nil }
