// Package metrics exposes ingest loop counters for live monitoring of a
// watch session.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FilesParsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridtrace_files_parsed_total",
		Help: "Metadata and pipeline files successfully parsed.",
	})
	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridtrace_parse_failures_total",
		Help: "Files skipped because parsing or identity resolution failed.",
	})
	NodesUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridtrace_nodes_upserted_total",
		Help: "Hierarchy node upserts applied.",
	})
	ResultsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridtrace_results_upserted_total",
		Help: "Processing results applied.",
	})
	Conflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridtrace_conflicts_total",
		Help: "Upserts rejected for parent or level conflicts.",
	})
	QueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridtrace_queue_drops_total",
		Help: "Parsed batches dropped because the apply queue overflowed.",
	})
	OrphanResults = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridtrace_orphan_results",
		Help: "Processing results currently lacking a matching exposure.",
	})
)

// Serve exposes /metrics on addr. It runs until the process exits; errors
// are reported through the returned channel so the caller can log them
// without tearing down the watch session.
func Serve(addr string) <-chan error {
	errc := make(chan error, 1)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		errc <- srv.ListenAndServe()
	}()
	return errc
}
