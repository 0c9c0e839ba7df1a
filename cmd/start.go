package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentic-research/gridtrace/internal/control"
	"github.com/agentic-research/gridtrace/internal/ingest"
	"github.com/agentic-research/gridtrace/internal/metrics"
	"github.com/agentic-research/gridtrace/internal/watch"
)

// stopPoll is how often the watch loop checks the control block for a stop
// request from another process.
const stopPoll = time.Second

func init() {
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Scan the session, then watch it live until stopped",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		ctl, err := control.Create(s.cfg.ControlPath, s.cfg.AcquisitionRoot)
		if err != nil {
			return err
		}
		defer ctl.Close()
		s.log.Info("session started", "id", ctl.ID(), "root", s.cfg.AcquisitionRoot)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if s.cfg.MetricsAddr != "" {
			go func() {
				if err := <-metrics.Serve(s.cfg.MetricsAddr); err != nil {
					s.log.Error("metrics listener", "error", err)
				}
			}()
		}

		stats, err := s.scanAll(ctx)
		if err != nil {
			return err
		}
		logStats(s, "initial scan complete", stats)
		ctl.Heartbeat()

		var wg sync.WaitGroup
		for _, u := range s.units {
			w, err := watch.New(u.root, s.cfg.Watch.Debounce, s.cfg.Watch.Ignore, s.log)
			if err != nil {
				return err
			}
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = w.Run(ctx)
			}()
			go func(u scanUnit, events <-chan []watch.Event) {
				defer wg.Done()
				for batch := range events {
					paths := make([]string, len(batch))
					for i, ev := range batch {
						paths[i] = ev.Path
					}
					logStats(s, "ingested change batch", u.eng.Process(ctx, u.fs, paths))
					ctl.Heartbeat()
				}
			}(u, w.Events())
		}

		rescan := time.NewTicker(s.cfg.Watch.RescanInterval)
		defer rescan.Stop()
		poll := time.NewTicker(stopPoll)
		defer poll.Stop()

		for {
			select {
			case <-ctx.Done():
				wg.Wait()
				s.log.Info("session stopped", "id", ctl.ID())
				return nil

			case <-poll.C:
				if ctl.StopRequested() {
					s.log.Info("stop requested")
					cancel()
				}

			case <-rescan.C:
				// Editors and copy tools do not always produce fsnotify
				// events (NFS mounts in particular), so a periodic sweep
				// backstops the watcher.
				stats, err := s.scanAll(ctx)
				if err != nil && ctx.Err() == nil {
					s.log.Error("periodic rescan", "error", err)
					continue
				}
				if stats.FilesParsed > 0 {
					logStats(s, "rescan picked up changes", stats)
				}
				ctl.Heartbeat()
			}
		}
	},
}

func logStats(s *session, msg string, st ingest.Stats) {
	s.log.Info(msg,
		"seen", st.FilesSeen,
		"parsed", st.FilesParsed,
		"failed", st.ParseFailures,
		"nodes", st.NodesUpserted,
		"results", st.ResultsUpserted,
		"conflicts", st.Conflicts,
		"dropped", st.Dropped,
	)
}
