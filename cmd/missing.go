package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentic-research/gridtrace/internal/report"
)

var missingScope string

func init() {
	missingCmd.Flags().StringVar(&missingScope, "scope", "", "Restrict the report to one node's subtree")
	rootCmd.AddCommand(missingCmd)
}

var missingCmd = &cobra.Command{
	Use:   "missing",
	Short: "Report expected-but-absent children, results and orphans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		checker := report.NewChecker(s.store, s.cfg.Report)

		children, err := checker.MissingChildren(missingScope)
		if err != nil {
			return err
		}
		results, err := checker.MissingResults(missingScope)
		if err != nil {
			return err
		}
		orphans := checker.Orphans()

		if len(children)+len(results)+len(orphans) == 0 {
			fmt.Println("Nothing missing.")
			return nil
		}

		for _, m := range children {
			fmt.Printf("missing children  %-12s %s  expected %s, none after %s\n",
				m.Level, m.NodeID, m.ExpectLevel, m.Age.Round(time.Second))
		}
		for _, m := range results {
			fmt.Printf("missing results   exposure     %s  waiting on %s after %s\n",
				m.ExposureID, strings.Join(m.Missing, ", "), m.Age.Round(time.Second))
		}
		for _, o := range orphans {
			fmt.Printf("orphan results    exposure     %s  kinds %s, no such exposure\n",
				o.ExposureID, strings.Join(o.Kinds, ", "))
		}

		summaries, err := checker.Summaries(missingScope)
		if err != nil {
			return err
		}
		for _, sq := range summaries {
			fmt.Printf("summary           %s  holes=%d exposures=%d processed=%d (%.0f%%)\n",
				sq.SquareID, sq.FoilHoles, sq.Exposures, sq.Processed, sq.Completion*100)
		}
		return nil
	},
}
