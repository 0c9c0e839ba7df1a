// Package report answers "what is missing" questions about a live session:
// nodes that should have grown children by now, exposures still waiting on
// processing results, and results that never found their exposure.
//
// Reports are advisory. Acquisition and processing run concurrently with the
// checks, so every finding carries the grace-period caveat: a gap younger
// than the grace is not reported at all.
package report

import (
	"time"

	"github.com/agentic-research/gridtrace/api"
	"github.com/agentic-research/gridtrace/internal/config"
	"github.com/agentic-research/gridtrace/internal/hierarchy"
)

// MissingChildren flags a non-leaf node that has outlived the child grace
// period without growing any children.
type MissingChildren struct {
	NodeID       string
	Level        api.Level
	ExpectLevel  api.Level
	DiscoveredAt time.Time
	Age          time.Duration
}

// MissingResults flags an exposure whose required result kinds have not all
// arrived within the result grace period.
type MissingResults struct {
	ExposureID   string
	Missing      []string
	DiscoveredAt time.Time
	Age          time.Duration
}

// SquareSummary aggregates completeness per grid square.
type SquareSummary struct {
	SquareID  string
	FoilHoles int
	Exposures int
	// Processed counts exposures holding every required result kind.
	Processed int
	// Completion is Processed over Exposures, in [0, 1]. Zero exposures
	// reads as fully complete.
	Completion float64
}

type Checker struct {
	store *hierarchy.Store
	cfg   config.ReportSettings
	now   func() time.Time
}

func NewChecker(store *hierarchy.Store, cfg config.ReportSettings) *Checker {
	return &Checker{store: store, cfg: cfg, now: time.Now}
}

// SetClock fixes the checker's notion of now. Tests only.
func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// snapshot scopes the check: empty means the whole forest.
func (c *Checker) snapshot(scope string) (*hierarchy.Snapshot, error) {
	if scope == "" {
		return c.store.Forest(), nil
	}
	return c.store.Subtree(scope)
}

// MissingChildren reports every non-leaf node in scope that is older than
// the child grace period and still childless. Findings come back in
// discovery order, oldest first.
func (c *Checker) MissingChildren(scope string) ([]MissingChildren, error) {
	snap, err := c.snapshot(scope)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var out []MissingChildren
	for level := api.LevelAtlas; level < api.LevelExposure; level++ {
		for _, n := range snap.AtLevel(level) {
			if len(n.Children) > 0 {
				continue
			}
			age := now.Sub(n.DiscoveredAt)
			if age <= c.cfg.ChildGrace {
				continue
			}
			out = append(out, MissingChildren{
				NodeID:       n.ID,
				Level:        n.Level,
				ExpectLevel:  n.Level.Child(),
				DiscoveredAt: n.DiscoveredAt,
				Age:          age,
			})
		}
	}
	return out, nil
}

// MissingResults reports every exposure in scope older than the result grace
// period that is still missing one or more required result kinds.
func (c *Checker) MissingResults(scope string) ([]MissingResults, error) {
	snap, err := c.snapshot(scope)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var out []MissingResults
	for _, n := range snap.AtLevel(api.LevelExposure) {
		missing := c.missingKinds(snap, n.ID)
		if len(missing) == 0 {
			continue
		}
		age := now.Sub(n.DiscoveredAt)
		if age <= c.cfg.ResultGrace {
			continue
		}
		out = append(out, MissingResults{
			ExposureID:   n.ID,
			Missing:      missing,
			DiscoveredAt: n.DiscoveredAt,
			Age:          age,
		})
	}
	return out, nil
}

func (c *Checker) missingKinds(snap *hierarchy.Snapshot, exposureID string) []string {
	have := snap.Results[exposureID]
	var missing []string
	for _, kind := range c.cfg.RequiredKinds {
		if _, ok := have[kind]; !ok {
			missing = append(missing, kind)
		}
	}
	return missing
}

// Orphans lists processing results still waiting for their exposure node.
func (c *Checker) Orphans() []hierarchy.OrphanResult {
	return c.store.Orphans()
}

// Summaries aggregates completeness per grid square in scope.
func (c *Checker) Summaries(scope string) ([]SquareSummary, error) {
	snap, err := c.snapshot(scope)
	if err != nil {
		return nil, err
	}
	var out []SquareSummary
	for _, square := range snap.AtLevel(api.LevelGridSquare) {
		s := SquareSummary{SquareID: square.ID}
		for _, hole := range snap.Children(square.ID) {
			s.FoilHoles++
			for _, exp := range snap.Children(hole.ID) {
				s.Exposures++
				if len(c.missingKinds(snap, exp.ID)) == 0 {
					s.Processed++
				}
			}
		}
		s.Completion = 1
		if s.Exposures > 0 {
			s.Completion = float64(s.Processed) / float64(s.Exposures)
		}
		out = append(out, s)
	}
	return out, nil
}
