package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_EmitsDebouncedBatch(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, 50*time.Millisecond, nil, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "GridSquare_1.xml"), []byte("<x/>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "GridSquare_1.jpg"), []byte{0xff}, 0o644))

	select {
	case batch := <-w.Events():
		paths := map[string]bool{}
		for _, ev := range batch {
			paths[ev.Path] = true
		}
		require.True(t, paths["GridSquare_1.xml"], "batch = %v", batch)
	case <-time.After(5 * time.Second):
		t.Fatal("no batch received")
	}
}

func TestWatcher_IgnoresPatternsAndDotfiles(t *testing.T) {
	w := &Watcher{ignore: []string{"*.tmp"}}
	require.True(t, w.ignored("a/b/scratch.tmp"))
	require.True(t, w.ignored("a/.DS_Store"))
	require.False(t, w.ignored("a/GridSquare_1.xml"))
}
