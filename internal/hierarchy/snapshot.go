package hierarchy

import (
	"sort"
	"time"

	"github.com/agentic-research/gridtrace/api"
)

// Snapshot is a read-only deep copy of a subtree plus the results joined to
// its exposures. It is consistent with respect to a single ingest batch:
// the copy happens under the read lock, so no torn state is visible, and
// later mutations never leak into it.
type Snapshot struct {
	Scope   string // root node ID, empty for the whole forest
	Nodes   map[string]*Node
	Results map[string]map[string]*ProcessingResult
	TakenAt time.Time
}

// Subtree snapshots the node with the given ID and all its descendants.
func (s *Store) Subtree(id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	snap := s.newSnapshot(id)
	s.copyInto(snap, root)
	return snap, nil
}

// Forest snapshots every tree in the store.
func (s *Store) Forest() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.newSnapshot("")
	for _, id := range s.byLevel[api.LevelAtlas] {
		s.copyInto(snap, s.nodes[id])
	}
	// Subtrees whose root is a placeholder below atlas level (parent chain
	// not yet observed) still belong to the forest.
	for _, n := range s.nodes {
		if n.ParentID == "" && n.Level != api.LevelAtlas {
			s.copyInto(snap, n)
		}
	}
	return snap
}

func (s *Store) newSnapshot(scope string) *Snapshot {
	return &Snapshot{
		Scope:   scope,
		Nodes:   make(map[string]*Node),
		Results: make(map[string]map[string]*ProcessingResult),
		TakenAt: s.now(),
	}
}

// copyInto walks one subtree, deep-copying nodes and their results.
// Caller holds at least the read lock.
func (s *Store) copyInto(snap *Snapshot, root *Node) {
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := snap.Nodes[n.ID]; seen {
			continue
		}
		snap.Nodes[n.ID] = n.clone()
		if byKind, ok := s.results[n.ID]; ok {
			copied := make(map[string]*ProcessingResult, len(byKind))
			for k, r := range byKind {
				copied[k] = r.clone()
			}
			snap.Results[n.ID] = copied
		}
		for _, childID := range n.Children {
			if child, ok := s.nodes[childID]; ok {
				stack = append(stack, child)
			}
		}
	}
}

// Roots returns the snapshot's root node IDs in discovery order.
func (snap *Snapshot) Roots() []*Node {
	var roots []*Node
	if snap.Scope != "" {
		if n, ok := snap.Nodes[snap.Scope]; ok {
			roots = append(roots, n)
		}
		return roots
	}
	for _, n := range snap.Nodes {
		if n.ParentID == "" {
			roots = append(roots, n)
		}
	}
	sortByDiscovery(roots)
	return roots
}

// Children returns copies of a node's children in discovery order.
func (snap *Snapshot) Children(id string) []*Node {
	n, ok := snap.Nodes[id]
	if !ok {
		return nil
	}
	out := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		if child, ok := snap.Nodes[c]; ok {
			out = append(out, child)
		}
	}
	sortByDiscovery(out)
	return out
}

// AtLevel returns every snapshot node at one level in discovery order.
func (snap *Snapshot) AtLevel(level api.Level) []*Node {
	var out []*Node
	for _, n := range snap.Nodes {
		if n.Level == level {
			out = append(out, n)
		}
	}
	sortByDiscovery(out)
	return out
}

// Ancestors returns the parent chain of a node, nearest first. The chain
// stops at whatever the snapshot knows about; a missing grandparent simply
// shortens it.
func (snap *Snapshot) Ancestors(id string) []*Node {
	var out []*Node
	n, ok := snap.Nodes[id]
	for ok && n.ParentID != "" {
		n, ok = snap.Nodes[n.ParentID]
		if ok {
			out = append(out, n)
		}
	}
	return out
}

func sortByDiscovery(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].DiscoveredAt.Equal(nodes[j].DiscoveredAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].DiscoveredAt.Before(nodes[j].DiscoveredAt)
	})
}
