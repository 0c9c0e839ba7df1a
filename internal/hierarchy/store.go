package hierarchy

import (
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/gridtrace/api"
)

// Store is the in-memory hierarchy: a forest of atlas-rooted trees plus an
// index from every exposure to its processing results.
//
// Concurrency model: one logical writer (the ingest loop) applies upserts
// one at a time; any number of readers take snapshots or paged listings.
// The RWMutex means a reader never observes a half-merged node.
//
// Nodes are append/update-only for the lifetime of a session. Normal
// ingestion never deletes; only Reset clears the forest.
type Store struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	byLevel [5][]string // IDs per level in discovery order
	results map[string]map[string]*ProcessingResult
	orphans map[string]struct{} // exposure IDs with results but no node

	// Roaring bitmap index: source file path → set of node internal IDs.
	// Lets a changed file mark its nodes Stale in O(k) instead of a full
	// scan over tens of thousands of exposures.
	fileToNodes map[string]*roaring.Bitmap
	nodeIntID   map[string]uint32
	intToNodeID []string
	nextIntID   uint32

	now func() time.Time
}

func NewStore() *Store {
	s := &Store{now: time.Now}
	s.reset()
	return s
}

// SetClock overrides the discovery-timestamp source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) reset() {
	s.nodes = make(map[string]*Node)
	s.byLevel = [5][]string{}
	s.results = make(map[string]map[string]*ProcessingResult)
	s.orphans = make(map[string]struct{})
	s.fileToNodes = make(map[string]*roaring.Bitmap)
	s.nodeIntID = make(map[string]uint32)
	s.intToNodeID = nil
	s.nextIntID = 0
}

// Reset drops every node and result. Only an explicit re-initialize calls
// this; the ingest loop never does.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Upsert merges a node sighting into the store.
//
// Unknown IDs are created with a fresh discovery timestamp. Known IDs are
// merged field-wise: metadata keys are last-write-wins per key, keys absent
// from the update survive. ParentID is immutable once set: a disagreeing
// update is rejected with ParentConflictError and the node keeps its
// original parent. A parent that has not been seen yet is created as a
// Pending placeholder so the child is never dropped.
func (s *Store) Upsert(in *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[in.ID]
	if ok && existing.Level != in.Level {
		return &LevelViolationError{ID: in.ID, Have: existing.Level, Got: in.Level}
	}
	// Validate the parent edge before anything is registered, so a rejected
	// upsert leaves no trace: neither a parentless child nor a placeholder.
	if in.ParentID != "" {
		if err := s.checkLink(existing, in); err != nil {
			return err
		}
	}
	if !ok {
		existing = s.create(in.ID, in.Level)
	}
	if in.ParentID != "" && existing.ParentID == "" {
		s.link(in.ParentID, existing)
	}

	if len(in.Metadata) > 0 {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]any, len(in.Metadata))
		}
		for k, v := range in.Metadata {
			existing.Metadata[k] = v
		}
		s.refreshState(existing)
	}
	if in.Source != "" {
		existing.Source = in.Source
		s.indexSource(existing)
	}

	// An exposure arriving late adopts any results that were waiting on it.
	if existing.Level == api.LevelExposure {
		if _, orphaned := s.orphans[existing.ID]; orphaned {
			delete(s.orphans, existing.ID)
			existing.State = StateProcessed
		}
	}
	return nil
}

// UpsertResult stores one pipeline output, overwriting any previous result
// with the same (exposure, kind). The returned flag reports whether the
// result is orphaned: stored, but with no matching exposure node yet.
func (s *Store) UpsertResult(r *ProcessingResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind, ok := s.results[r.ExposureID]
	if !ok {
		byKind = make(map[string]*ProcessingResult)
		s.results[r.ExposureID] = byKind
	}
	byKind[r.Kind] = r.clone()

	node, known := s.nodes[r.ExposureID]
	if !known || node.Level != api.LevelExposure {
		s.orphans[r.ExposureID] = struct{}{}
		return true
	}
	if node.State != StateStale {
		node.State = StateProcessed
	}
	return false
}

// Restore inserts a previously persisted node verbatim, keeping its
// original discovery timestamp and state. Callers feed nodes in discovery
// order so parents generally precede children; a child that slips through
// first still gets a placeholder parent, later overwritten by the parent's
// own row.
func (s *Store) Restore(in *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[in.ID]
	if ok && existing.Level != in.Level {
		return &LevelViolationError{ID: in.ID, Have: existing.Level, Got: in.Level}
	}
	if in.ParentID != "" {
		if err := s.checkLink(existing, in); err != nil {
			return err
		}
	}
	if !ok {
		existing = s.create(in.ID, in.Level)
	}
	existing.DiscoveredAt = in.DiscoveredAt
	existing.State = in.State
	if len(in.Metadata) > 0 {
		existing.Metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			existing.Metadata[k] = v
		}
	}
	if in.ParentID != "" && existing.ParentID == "" {
		s.link(in.ParentID, existing)
	}
	if in.Source != "" {
		existing.Source = in.Source
		s.indexSource(existing)
	}
	return nil
}

// create registers a bare node. Caller holds the write lock.
func (s *Store) create(id string, level api.Level) *Node {
	n := &Node{
		ID:           id,
		Level:        level,
		DiscoveredAt: s.now(),
		State:        StatePending,
	}
	s.nodes[id] = n
	s.byLevel[level] = append(s.byLevel[level], id)
	return n
}

// checkLink validates a proposed parent edge without mutating anything.
// existing is nil for a node not yet in the store. Caller holds the write
// lock.
func (s *Store) checkLink(existing, in *Node) error {
	if in.Level == api.LevelAtlas {
		return &LevelViolationError{ID: in.ID, Have: api.LevelAtlas, Got: api.LevelAtlas}
	}
	if existing != nil && existing.ParentID != "" && existing.ParentID != in.ParentID {
		return &ParentConflictError{ID: in.ID, Have: existing.ParentID, Got: in.ParentID}
	}
	if parent, ok := s.nodes[in.ParentID]; ok && parent.Level != in.Level-1 {
		return &LevelViolationError{ID: in.ID, Have: parent.Level.Child(), Got: in.Level}
	}
	return nil
}

// link attaches child to parentID, creating a Pending placeholder parent
// when the parent record has not arrived yet. The edge must already have
// passed checkLink. Caller holds the write lock.
func (s *Store) link(parentID string, child *Node) {
	parent, ok := s.nodes[parentID]
	if !ok {
		parent = s.create(parentID, child.Level-1)
	}
	child.ParentID = parentID
	for _, c := range parent.Children {
		if c == child.ID {
			return
		}
	}
	parent.Children = append(parent.Children, child.ID)
	if parent.State == StatePending || parent.State == StateMetadataComplete {
		parent.State = StateHasChildren
	}
}

// refreshState recomputes a node's state after a metadata merge. It never
// demotes HasChildren or Processed.
func (s *Store) refreshState(n *Node) {
	switch {
	case len(n.Children) > 0:
		n.State = StateHasChildren
	case n.Level == api.LevelExposure && len(s.results[n.ID]) > 0:
		n.State = StateProcessed
	default:
		n.State = StateMetadataComplete
	}
}

// indexSource records n in the source-file bitmap index. Caller holds the
// write lock.
func (s *Store) indexSource(n *Node) {
	intID, ok := s.nodeIntID[n.ID]
	if !ok {
		intID = s.nextIntID
		s.nextIntID++
		s.nodeIntID[n.ID] = intID
		for uint32(len(s.intToNodeID)) <= intID {
			s.intToNodeID = append(s.intToNodeID, "")
		}
		s.intToNodeID[intID] = n.ID
	}
	bm, ok := s.fileToNodes[n.Source]
	if !ok {
		bm = roaring.New()
		s.fileToNodes[n.Source] = bm
	}
	bm.Add(intID)
}

// MarkSourceStale flags every node that originated from path as Stale,
// returning how many were flagged. Called when a watched file changes on
// disk, before its fresh contents are re-merged.
func (s *Store) MarkSourceStale(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	bm, ok := s.fileToNodes[path]
	if !ok {
		return 0
	}
	count := 0
	it := bm.Iterator()
	for it.HasNext() {
		intID := it.Next()
		if int(intID) >= len(s.intToNodeID) {
			continue
		}
		if n, ok := s.nodes[s.intToNodeID[intID]]; ok && n.State != StatePending {
			n.State = StateStale
			count++
		}
	}
	return count
}

// Get returns a copy of one node.
func (s *Store) Get(id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.clone(), nil
}

// ResultsFor returns copies of every stored result for one exposure, keyed
// by kind. The map is nil when nothing has arrived.
func (s *Store) ResultsFor(exposureID string) map[string]*ProcessingResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKind, ok := s.results[exposureID]
	if !ok {
		return nil
	}
	out := make(map[string]*ProcessingResult, len(byKind))
	for k, r := range byKind {
		out[k] = r.clone()
	}
	return out
}

// NodesAtLevel pages through every node at one level in discovery order.
// limit <= 0 means no limit.
func (s *Store) NodesAtLevel(level api.Level, offset, limit int) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byLevel[level]
	if offset >= len(ids) {
		return nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.nodes[id].clone())
	}
	return out
}

// CountAtLevel reports how many nodes exist at one level.
func (s *Store) CountAtLevel(level api.Level) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byLevel[level])
}

// OrphanCount reports how many exposures have results but no node.
func (s *Store) OrphanCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orphans)
}

// Orphans lists processing results whose exposure is unknown, sorted by
// exposure ID. These signal an identity mismatch between the acquisition
// and processing pipelines rather than "not yet processed".
func (s *Store) Orphans() []OrphanResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OrphanResult, 0, len(s.orphans))
	for id := range s.orphans {
		o := OrphanResult{ExposureID: id}
		for kind := range s.results[id] {
			o.Kinds = append(o.Kinds, kind)
		}
		sort.Strings(o.Kinds)
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExposureID < out[j].ExposureID })
	return out
}
