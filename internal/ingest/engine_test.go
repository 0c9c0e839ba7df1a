package ingest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/gridtrace/internal/epu"
	"github.com/agentic-research/gridtrace/internal/hierarchy"
	"github.com/agentic-research/gridtrace/internal/relion"
)

const exposureXML = `<?xml version="1.0" encoding="utf-8"?>
<MicroscopeImage xmlns="http://schemas.datacontract.org/2004/07/Applications.Epu.Persistence">
  <microscopeData>
    <acquisition>
      <acquisitionDateTime>2024-05-01T10:15:00</acquisitionDateTime>
    </acquisition>
    <stage>
      <Position>
        <X>-3.25e-05</X>
        <Y>1.1e-05</Y>
      </Position>
    </stage>
  </microscopeData>
</MicroscopeImage>`

const sessionDM = `<?xml version="1.0" encoding="utf-8"?>
<EpuSessionXml>
  <Name>bi23047-62</Name>
  <StartDateTime>2024-05-01T09:00:00</StartDateTime>
</EpuSessionXml>`

const ctfStar = `
data_micrographs

loop_
_rlnMicrographName #1
_rlnCtfMaxResolution #2
MotionCorr/job002/FoilHole_5_Data_9_20240501_101500_fractions.mrc 3.90
MotionCorr/job002/FoilHole_5_Data_10_20240501_102000_fractions.mrc 4.75
`

const particlesStar = `
data_particles

loop_
_rlnMicrographName #1
_rlnCoordinateX #2
Movies/FoilHole_5_Data_9_20240501_101500_fractions.mrc 100.0
Movies/FoilHole_5_Data_9_20240501_101500_fractions.mrc 300.0
`

var acquisitionFiles = []string{
	"Atlas_1/Atlas_1.xml",
	"Atlas_1/Grid_2/EpuSession.dm",
	"Atlas_1/Grid_2/Images-Disc1/GridSquare_101/GridSquare_20240501_094500.xml",
	"Atlas_1/Grid_2/Images-Disc1/GridSquare_101/FoilHoles/FoilHole_5_20240501_100000.xml",
	"Atlas_1/Grid_2/Images-Disc1/GridSquare_101/Data/FoilHole_5_Data_9_20240501_101500.xml",
	"Atlas_1/Grid_2/Images-Disc1/GridSquare_101/Data/FoilHole_5_Data_10_20240501_102000.xml",
}

var processingFiles = []string{
	"Processing/CtfFind/job003/micrographs_ctf.star",
	"Processing/AutoPick/job004/particles.star",
}

// fixtureBody picks the right canned content for a fixture path.
func fixtureBody(path string) string {
	switch {
	case strings.HasSuffix(path, ".dm"):
		return sessionDM
	case strings.HasSuffix(path, "micrographs_ctf.star"):
		return ctfStar
	case strings.HasSuffix(path, "particles.star"):
		return particlesStar
	default:
		return exposureXML
	}
}

func sessionFS(t *testing.T, trees ...[]string) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for _, tree := range trees {
		for _, path := range tree {
			require.NoError(t, util.WriteFile(fs, path, []byte(fixtureBody(path)), 0o644))
		}
	}
	return fs
}

func newTestEngine(store *hierarchy.Store) *Engine {
	e := NewEngine(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.Workers = 2
	e.Register(epu.NewReader())
	e.Register(relion.NewReader())
	return e
}

func TestEngine_FullScan(t *testing.T) {
	store := hierarchy.NewStore()
	e := newTestEngine(store)
	fs := sessionFS(t, acquisitionFiles, processingFiles)

	stats, err := e.Scan(context.Background(), fs)
	require.NoError(t, err)

	assert.Equal(t, 8, stats.FilesSeen)
	assert.Equal(t, 8, stats.FilesParsed)
	assert.Equal(t, 6, stats.NodesUpserted)
	assert.Equal(t, 3, stats.ResultsUpserted)
	assert.Zero(t, stats.ParseFailures)
	assert.Zero(t, stats.Conflicts)

	// The whole session roots a single tree at the atlas.
	snap := store.Forest()
	roots := snap.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, "Atlas_1", roots[0].ID)

	exp, err := store.Get("FoilHole_5_Data_9_20240501_101500")
	require.NoError(t, err)
	assert.Equal(t, "FoilHole_5", exp.ParentID)
	assert.Equal(t, hierarchy.StateProcessed, exp.State)
	assert.InDelta(t, -32500.0, exp.Metadata["stage_position_x"], 1e-6)

	results := store.ResultsFor(exp.ID)
	require.Len(t, results, 2)
	kinds := map[string]bool{}
	for _, r := range results {
		kinds[r.Kind] = true
	}
	assert.True(t, kinds[hierarchy.KindCTF])
	assert.True(t, kinds[hierarchy.KindParticlePick])

	assert.Zero(t, store.OrphanCount())
}

func TestEngine_RescanIsIdempotent(t *testing.T) {
	store := hierarchy.NewStore()
	e := newTestEngine(store)
	fs := sessionFS(t, acquisitionFiles, processingFiles)

	_, err := e.Scan(context.Background(), fs)
	require.NoError(t, err)
	before := store.Forest()

	stats, err := e.Scan(context.Background(), fs)
	require.NoError(t, err)
	assert.Equal(t, 8, stats.FilesSeen)
	assert.Zero(t, stats.ParseFailures)
	assert.Zero(t, stats.Conflicts)

	after := store.Forest()
	require.Len(t, after.Roots(), 1)
	assert.Equal(t, len(before.Nodes), len(after.Nodes))
	for id, n := range before.Nodes {
		got, ok := after.Nodes[id]
		require.True(t, ok, id)
		assert.Equal(t, n.State, got.State, id)
		assert.Equal(t, n.ParentID, got.ParentID, id)
		assert.Equal(t, n.Metadata, got.Metadata, id)
	}
}

func TestEngine_ResultsBeforeExposures(t *testing.T) {
	store := hierarchy.NewStore()
	e := newTestEngine(store)
	fs := sessionFS(t, acquisitionFiles, processingFiles)

	// Processing output lands first: results are held as orphans.
	stats := e.Process(context.Background(), fs, []string{
		"Processing/CtfFind/job003/micrographs_ctf.star",
	})
	assert.Equal(t, 2, stats.ResultsUpserted)
	assert.Equal(t, 2, store.OrphanCount())

	// Exposures arrive later and adopt their results.
	_, err := e.Scan(context.Background(), fs)
	require.NoError(t, err)
	assert.Zero(t, store.OrphanCount())

	exp, err := store.Get("FoilHole_5_Data_10_20240501_102000")
	require.NoError(t, err)
	assert.Equal(t, hierarchy.StateProcessed, exp.State)
}

func TestEngine_ParseFailureSkipsFileOnly(t *testing.T) {
	store := hierarchy.NewStore()
	e := newTestEngine(store)
	fs := sessionFS(t, acquisitionFiles)
	require.NoError(t, util.WriteFile(fs, "Atlas_1/Grid_2/Images-Disc1/GridSquare_102/GridSquare_20240501_095000.xml", []byte("<broken"), 0o644))

	stats, err := e.Scan(context.Background(), fs)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ParseFailures)
	assert.Equal(t, 6, stats.NodesUpserted)

	_, err = store.Get("GridSquare_102")
	assert.ErrorIs(t, err, hierarchy.ErrNotFound)
	_, err = store.Get("GridSquare_101")
	assert.NoError(t, err)
}

func TestEngine_UnclaimedFilesIgnored(t *testing.T) {
	store := hierarchy.NewStore()
	e := newTestEngine(store)
	fs := memfs.New()
	for _, path := range []string{"README.txt", "GridSquare_101/thumbs.jpg", "Processing/job/run.out"} {
		require.NoError(t, util.WriteFile(fs, path, []byte("x"), 0o644))
	}

	stats, err := e.Scan(context.Background(), fs)
	require.NoError(t, err)
	assert.Zero(t, stats.FilesSeen)
	assert.Zero(t, stats.FilesParsed)
}

func TestEngine_CancelStopsBetweenFiles(t *testing.T) {
	store := hierarchy.NewStore()
	e := newTestEngine(store)
	fs := sessionFS(t, acquisitionFiles)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Scan(ctx, fs)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_QueueOverflowDropsOldest(t *testing.T) {
	e := newTestEngine(hierarchy.NewStore())

	pending := make(chan batch, 2)
	var c counters
	e.enqueue(pending, batch{path: "old1"}, &c)
	e.enqueue(pending, batch{path: "old2"}, &c)
	assert.Equal(t, 0, c.snapshot().Dropped)

	// Queue is full: the third enqueue evicts the oldest pending batch
	// instead of blocking the worker.
	e.enqueue(pending, batch{path: "new"}, &c)
	assert.Equal(t, 1, c.snapshot().Dropped)

	close(pending)
	var left []string
	for b := range pending {
		left = append(left, b.path)
	}
	assert.Equal(t, []string{"old2", "new"}, left)
}

func TestEngine_DispatchFirstMatch(t *testing.T) {
	e := newTestEngine(hierarchy.NewStore())
	r := e.dispatch("Atlas_1/Grid_2/Images-Disc1/GridSquare_101/Data/FoilHole_5_Data_9_20240501_101500.xml")
	require.NotNil(t, r)
	_, ok := r.(*epu.Reader)
	assert.True(t, ok)

	r = e.dispatch("Processing/CtfFind/job003/micrographs_ctf.star")
	require.NotNil(t, r)
	_, ok = r.(*relion.Reader)
	assert.True(t, ok)

	assert.Nil(t, e.dispatch("notes.txt"))
}
