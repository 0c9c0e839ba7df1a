// Package ingest drives the incremental scan-and-merge cycle: filesystem
// events in, hierarchy store mutations out.
package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/agentic-research/gridtrace/api"
	"github.com/agentic-research/gridtrace/internal/hierarchy"
	"github.com/agentic-research/gridtrace/internal/metrics"
	"github.com/agentic-research/gridtrace/internal/repo"
)

// Stats summarizes one scan or event batch.
type Stats struct {
	FilesSeen       int
	FilesSkipped    int
	FilesParsed     int
	ParseFailures   int
	NodesUpserted   int
	ResultsUpserted int
	Conflicts       int
	Dropped         int
}

// Add merges two stat sets, for callers that scan several roots.
func (s Stats) Add(o Stats) Stats {
	s.FilesSeen += o.FilesSeen
	s.FilesSkipped += o.FilesSkipped
	s.FilesParsed += o.FilesParsed
	s.ParseFailures += o.ParseFailures
	s.NodesUpserted += o.NodesUpserted
	s.ResultsUpserted += o.ResultsUpserted
	s.Conflicts += o.Conflicts
	s.Dropped += o.Dropped
	return s
}

type counters struct {
	seen, skipped, parsed, failures  atomic.Int64
	nodes, results, conflicts, drops atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		FilesSeen:       int(c.seen.Load()),
		FilesSkipped:    int(c.skipped.Load()),
		FilesParsed:     int(c.parsed.Load()),
		ParseFailures:   int(c.failures.Load()),
		NodesUpserted:   int(c.nodes.Load()),
		ResultsUpserted: int(c.results.Load()),
		Conflicts:       int(c.conflicts.Load()),
		Dropped:         int(c.drops.Load()),
	}
}

// fileSig is the cheap change detector: same size and mtime means the file
// is assumed unchanged and re-processing is a no-op.
type fileSig struct {
	size    int64
	modTime time.Time
}

// batch is one file's fully parsed output, queued for serialized apply.
// A file either parses completely or contributes nothing; a parse failure
// never partially upserts.
type batch struct {
	path    string
	sig     fileSig
	nodes   []*hierarchy.Node
	results []*hierarchy.ProcessingResult
	stale   bool // source changed since an earlier ingest
}

// Engine turns files into hierarchy mutations.
//
// Format readers run in parallel workers (they are pure functions of file
// content); store mutation is serialized through a single applier goroutine,
// so readers of the store always observe fully-applied upserts. The queue
// between the two is bounded: on overflow the oldest pending batch is
// dropped with a warning rather than growing without bound.
type Engine struct {
	Store *hierarchy.Store
	Repo  repo.Repository

	Workers    int
	QueueBound int

	readers []api.FormatReader
	log     *slog.Logger

	mu   sync.Mutex
	seen map[string]fileSig
}

func NewEngine(store *hierarchy.Store, repository repo.Repository, log *slog.Logger) *Engine {
	if repository == nil {
		repository = repo.Null{}
	}
	return &Engine{
		Store:      store,
		Repo:       repository,
		Workers:    4,
		QueueBound: 4096,
		log:        log,
		seen:       make(map[string]fileSig),
	}
}

// Register appends a format reader. Dispatch is first-match in registration
// order, so register the most specific readers first.
func (e *Engine) Register(r api.FormatReader) {
	e.readers = append(e.readers, r)
}

func (e *Engine) dispatch(path string) api.FormatReader {
	for _, r := range e.readers {
		for _, pattern := range r.Claims() {
			if api.MatchPath(pattern, path) {
				return r
			}
		}
	}
	return nil
}

// Scan walks the filesystem once and ingests everything new or changed.
// Repeating a scan over an unchanged tree is a no-op.
func (e *Engine) Scan(ctx context.Context, fsys billy.Filesystem) (Stats, error) {
	var paths []string
	err := util.Walk(fsys, "/", func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			// Directories disappearing mid-scan mean "nothing new here".
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		paths = append(paths, normalize(path))
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return Stats{}, err
	}
	return e.Process(ctx, fsys, paths), ctx.Err()
}

// Process ingests an explicit set of candidate paths (from a scan or a
// watcher batch). Unclaimed and unchanged files are skipped; the rest flow
// through parse → resolve → upsert. Cancellation is honored between files,
// never mid-parse.
func (e *Engine) Process(ctx context.Context, fsys billy.Filesystem, paths []string) Stats {
	var c counters

	jobs := make(chan batch)
	pending := make(chan batch, e.QueueBound)

	var applied sync.WaitGroup
	applied.Add(1)
	go func() {
		defer applied.Done()
		for b := range pending {
			e.apply(b, &c)
		}
	}()

	var workers sync.WaitGroup
	for i := 0; i < e.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for b := range jobs {
				if ctx.Err() != nil {
					continue
				}
				if e.parse(fsys, &b, &c) {
					e.enqueue(pending, b, &c)
				}
			}
		}()
	}

	for _, path := range paths {
		reader := e.dispatch(path)
		if reader == nil {
			continue
		}
		c.seen.Add(1)

		info, err := fsys.Stat(path)
		if err != nil {
			// Gone between listing and stat. Not an error while live.
			c.skipped.Add(1)
			continue
		}
		sig := fileSig{size: info.Size(), modTime: info.ModTime()}
		prev, known := e.lookupSeen(path)
		if known && prev.size == sig.size && prev.modTime.Equal(sig.modTime) {
			c.skipped.Add(1)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		jobs <- batch{path: path, sig: sig, stale: known}
	}
	close(jobs)
	workers.Wait()
	close(pending)
	applied.Wait()

	metrics.OrphanResults.Set(float64(e.Store.OrphanCount()))
	return c.snapshot()
}

// parse runs the claimed reader and resolves identities. Any failure logs,
// counts, and skips the whole file so no partial state reaches the store.
func (e *Engine) parse(fsys billy.Filesystem, b *batch, c *counters) bool {
	reader := e.dispatch(b.path)
	recs, results, err := reader.Read(fsys, b.path)
	if err != nil {
		c.failures.Add(1)
		metrics.ParseFailures.Inc()
		e.log.Warn("parse failed, skipping file", "path", b.path, "error", err)
		return false
	}
	for i := range recs {
		id, parentID, err := Resolve(&recs[i])
		if err != nil {
			c.failures.Add(1)
			metrics.ParseFailures.Inc()
			e.log.Warn("identity unresolvable, skipping file", "path", b.path, "error", err)
			return false
		}
		b.nodes = append(b.nodes, &hierarchy.Node{
			ID:       id,
			Level:    recs[i].Level,
			ParentID: parentID,
			Metadata: recs[i].Metadata,
			Source:   b.path,
		})
	}
	for i := range results {
		r := results[i]
		b.results = append(b.results, &hierarchy.ProcessingResult{
			ExposureID: r.ExposureID,
			Kind:       r.Kind,
			Payload:    r.Payload,
			ProducedAt: r.ProducedAt,
			Source:     b.path,
		})
	}
	c.parsed.Add(1)
	metrics.FilesParsed.Inc()
	return true
}

// enqueue adds a parsed batch to the apply queue, evicting the oldest
// pending batch when the bound is hit.
func (e *Engine) enqueue(pending chan batch, b batch, c *counters) {
	for {
		select {
		case pending <- b:
			return
		default:
		}
		select {
		case dropped := <-pending:
			c.drops.Add(1)
			metrics.QueueDrops.Inc()
			e.log.Warn("apply queue overflow, dropping oldest pending file", "dropped", dropped.path)
		default:
		}
	}
}

// apply is the single-writer path: mutations land in the store one at a
// time, then mirror to the repository.
func (e *Engine) apply(b batch, c *counters) {
	if b.stale {
		e.Store.MarkSourceStale(b.path)
	}
	for _, n := range b.nodes {
		if err := e.Store.Upsert(n); err != nil {
			c.conflicts.Add(1)
			metrics.Conflicts.Inc()
			e.log.Error("upsert rejected", "node", n.ID, "error", err)
			continue
		}
		c.nodes.Add(1)
		metrics.NodesUpserted.Inc()
		if merged, err := e.Store.Get(n.ID); err == nil {
			if err := e.Repo.SaveNode(merged); err != nil {
				e.log.Error("persist node", "node", n.ID, "error", err)
			}
		}
	}
	for _, r := range b.results {
		e.Store.UpsertResult(r)
		c.results.Add(1)
		metrics.ResultsUpserted.Inc()
		if err := e.Repo.SaveResult(r); err != nil {
			e.log.Error("persist result", "exposure", r.ExposureID, "kind", r.Kind, "error", err)
		}
	}
	e.markSeen(b.path, b.sig)
}

func (e *Engine) lookupSeen(path string) (fileSig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sig, ok := e.seen[path]
	return sig, ok
}

func (e *Engine) markSeen(path string, sig fileSig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen[path] = sig
}

func normalize(path string) string {
	return strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "/")
}
