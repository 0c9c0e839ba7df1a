package control

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridtrace.ctl")

	s, err := Create(path, "/data/session01")
	require.NoError(t, err)
	assert.Len(t, s.ID(), 36)
	assert.Equal(t, "/data/session01", s.Root())
	assert.False(t, s.StopRequested())
	require.NoError(t, s.Close())

	o, err := Open(path)
	require.NoError(t, err)
	defer o.Close()
	assert.Equal(t, "/data/session01", o.Root())
}

func TestStopSignalCrossesMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridtrace.ctl")

	watcher, err := Create(path, "/data/session01")
	require.NoError(t, err)
	defer watcher.Close()

	stopper, err := Open(path)
	require.NoError(t, err)
	defer stopper.Close()

	assert.False(t, watcher.StopRequested())
	stopper.RequestStop()
	assert.True(t, watcher.StopRequested())
}

func TestHeartbeat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridtrace.ctl")
	s, err := Create(path, "/data")
	require.NoError(t, err)
	defer s.Close()

	assert.Zero(t, s.Generation())
	assert.Equal(t, uint64(1), s.Heartbeat())
	assert.Equal(t, uint64(2), s.Heartbeat())

	observer, err := Open(path)
	require.NoError(t, err)
	defer observer.Close()
	assert.Equal(t, uint64(2), observer.Generation())
}

func TestCreateReinitializesStaleBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridtrace.ctl")

	old, err := Create(path, "/data/old")
	require.NoError(t, err)
	old.RequestStop()
	oldID := old.ID()
	require.NoError(t, old.Close())

	fresh, err := Create(path, "/data/new")
	require.NoError(t, err)
	defer fresh.Close()
	assert.False(t, fresh.StopRequested())
	assert.Equal(t, "/data/new", fresh.Root())
	assert.NotEqual(t, oldID, fresh.ID())
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridtrace.ctl")
	_, err := Open(path)
	assert.Error(t, err, "missing file")

	s, err := Create(path, "/data")
	require.NoError(t, err)
	s.ptr.Magic = 0xdeadbeef
	require.NoError(t, s.Close())

	_, err = Open(path)
	assert.Error(t, err, "bad magic")
}
