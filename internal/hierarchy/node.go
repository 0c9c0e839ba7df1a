package hierarchy

import (
	"time"

	"github.com/agentic-research/gridtrace/api"
)

// State tracks how far a node has progressed from first sighting to
// fully processed.
type State int

const (
	// StatePending marks a placeholder created for a child that arrived
	// before its parent record. No metadata has been seen yet.
	StatePending State = iota
	// StateMetadataComplete means at least one metadata record has been
	// merged into the node.
	StateMetadataComplete
	// StateHasChildren means at least one child node links here.
	StateHasChildren
	// StateProcessed means the node is an exposure with at least one
	// processing result attached.
	StateProcessed
	// StateStale marks nodes whose source file changed on disk and has not
	// been re-parsed yet.
	StateStale
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateMetadataComplete:
		return "metadata-complete"
	case StateHasChildren:
		return "has-children"
	case StateProcessed:
		return "processed"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Node is one entity at one level of the acquisition hierarchy.
type Node struct {
	ID       string
	Level    api.Level
	ParentID string
	// Metadata is an open key/value set of level-specific attributes.
	// Upserts merge field-wise: a later partial record never erases keys
	// it does not mention.
	Metadata     map[string]any
	DiscoveredAt time.Time
	State        State
	Children     []string
	// Source is the file the most recent metadata for this node came from.
	// Empty for placeholder nodes.
	Source string
}

// clone returns a deep copy safe to hand to readers.
func (n *Node) clone() *Node {
	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Children = append([]string(nil), n.Children...)
	return &c
}

// Well-known processing result kinds. The set is open: readers may emit
// kinds not listed here and the store treats them uniformly.
const (
	KindMotionCorrection = "motioncorrection"
	KindCTF              = "ctf"
	KindParticlePick     = "particlepick"
	KindClassification   = "classification"
)

// ProcessingResult is one downstream pipeline output for one exposure.
// At most one result is stored per (exposure, kind); re-ingestion of the
// same key overwrites.
type ProcessingResult struct {
	ExposureID string
	Kind       string
	Payload    map[string]any
	ProducedAt time.Time
	Source     string
}

func (r *ProcessingResult) clone() *ProcessingResult {
	c := *r
	if r.Payload != nil {
		c.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// OrphanResult describes processing output whose exposure is unknown to the
// hierarchy, usually a naming mismatch between acquisition and pipeline.
type OrphanResult struct {
	ExposureID string
	Kinds      []string
}
