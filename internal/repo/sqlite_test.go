package repo

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/gridtrace/api"
	"github.com/agentic-research/gridtrace/internal/hierarchy"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	r, err := OpenSQLite(filepath.Join(t.TempDir(), "gridtrace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSQLite_RoundTrip(t *testing.T) {
	r := openTemp(t)
	discovered := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, r.SaveNode(&hierarchy.Node{
		ID:           "GridSquare_101",
		Level:        api.LevelGridSquare,
		ParentID:     "Grid_2",
		State:        hierarchy.StateMetadataComplete,
		DiscoveredAt: discovered,
		Source:       "GridSquare_101/GridSquare_1.xml",
		Metadata:     map[string]any{"pixel_size": 0.81},
	}))
	require.NoError(t, r.SaveNode(&hierarchy.Node{
		ID:           "Grid_2",
		Level:        api.LevelGrid,
		State:        hierarchy.StateHasChildren,
		DiscoveredAt: discovered.Add(-time.Minute),
	}))
	require.NoError(t, r.SaveResult(&hierarchy.ProcessingResult{
		ExposureID: "FoilHole_5_Data_9",
		Kind:       hierarchy.KindCTF,
		ProducedAt: discovered.Add(time.Hour),
		Payload:    map[string]any{"ctfmaxresolution": 3.9},
	}))

	store := hierarchy.NewStore()
	require.NoError(t, r.LoadInto(store))

	n, err := store.Get("GridSquare_101")
	require.NoError(t, err)
	assert.Equal(t, "Grid_2", n.ParentID)
	assert.True(t, n.DiscoveredAt.Equal(discovered))
	assert.Equal(t, hierarchy.StateMetadataComplete, n.State)
	assert.Equal(t, 0.81, n.Metadata["pixel_size"])

	parent, err := store.Get("Grid_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"GridSquare_101"}, parent.Children)

	// The result has no exposure node yet, so it restores as an orphan.
	orphans := store.Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, "FoilHole_5_Data_9", orphans[0].ExposureID)
	res := store.ResultsFor("FoilHole_5_Data_9")[hierarchy.KindCTF]
	require.NotNil(t, res)
	assert.True(t, res.ProducedAt.Equal(discovered.Add(time.Hour)))
}

func TestSQLite_SaveNodeOverwrites(t *testing.T) {
	r := openTemp(t)
	n := &hierarchy.Node{ID: "E1", Level: api.LevelExposure, DiscoveredAt: time.Now()}
	require.NoError(t, r.SaveNode(n))
	n.Metadata = map[string]any{"pixel_size": 1.0}
	require.NoError(t, r.SaveNode(n))

	store := hierarchy.NewStore()
	require.NoError(t, r.LoadInto(store))
	got, err := store.Get("E1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Metadata["pixel_size"])
}

func TestSQLite_Reset(t *testing.T) {
	r := openTemp(t)
	require.NoError(t, r.SaveNode(&hierarchy.Node{ID: "E1", Level: api.LevelExposure, DiscoveredAt: time.Now()}))
	require.NoError(t, r.Reset())

	store := hierarchy.NewStore()
	require.NoError(t, r.LoadInto(store))
	_, err := store.Get("E1")
	assert.ErrorIs(t, err, hierarchy.ErrNotFound)
}
