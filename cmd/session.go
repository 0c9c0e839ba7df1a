package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/agentic-research/gridtrace/internal/config"
	"github.com/agentic-research/gridtrace/internal/epu"
	"github.com/agentic-research/gridtrace/internal/hierarchy"
	"github.com/agentic-research/gridtrace/internal/ingest"
	"github.com/agentic-research/gridtrace/internal/relion"
	"github.com/agentic-research/gridtrace/internal/repo"
)

// scanUnit pairs one watched directory with its own engine. Each root gets a
// separate engine so change detection never confuses equal relative paths
// from different trees; they all feed the same store and database.
type scanUnit struct {
	root string
	fs   billy.Filesystem
	eng  *ingest.Engine
}

// session is the loaded runtime state every verb operates on.
type session struct {
	cfg   *config.Config
	store *hierarchy.Store
	db    *repo.SQLite
	units []scanUnit
	log   *slog.Logger
}

// openSession loads config, opens the database and builds one engine per
// scan root. With hydrate set, the persisted hierarchy is replayed into the
// store first.
func openSession(hydrate bool) (*session, error) {
	cfg, err := config.Load(sessionDir)
	if err != nil {
		return nil, err
	}
	log := logger()

	db, err := repo.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	store := hierarchy.NewStore()
	if hydrate {
		if err := db.LoadInto(store); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &session{cfg: cfg, store: store, db: db, log: log}
	for _, root := range scanRoots(cfg) {
		eng := ingest.NewEngine(store, db, log)
		eng.Workers = cfg.Workers
		eng.QueueBound = cfg.QueueBound
		eng.Register(epu.NewReader())
		eng.Register(relion.NewReader())
		s.units = append(s.units, scanUnit{root: root, fs: osfs.New(root), eng: eng})
	}
	return s, nil
}

func (s *session) Close() error { return s.db.Close() }

// scanAll runs a full scan over every root.
func (s *session) scanAll(ctx context.Context) (ingest.Stats, error) {
	var total ingest.Stats
	for _, u := range s.units {
		stats, err := u.eng.Scan(ctx, u.fs)
		total = total.Add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// scanRoots returns the acquisition root plus every processing directory
// that does not already live beneath it.
func scanRoots(cfg *config.Config) []string {
	roots := []string{cfg.AcquisitionRoot}
	prefix := cfg.AcquisitionRoot + string(filepath.Separator)
	for _, d := range cfg.ProcessingDirs {
		if d == cfg.AcquisitionRoot || strings.HasPrefix(d, prefix) {
			continue
		}
		roots = append(roots, d)
	}
	return roots
}
