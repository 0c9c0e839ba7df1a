package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentic-research/gridtrace/internal/config"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [acquisition-root]",
	Short: "Create a session config and database, then run a first full scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		path, err := config.WriteDefault(sessionDir, root)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)

		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()
		stats, err := s.scanAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Scanned %d files, %d parsed, %d nodes, %d results.\n",
			stats.FilesSeen, stats.FilesParsed, stats.NodesUpserted, stats.ResultsUpserted)
		fmt.Println("Run: gridtrace start")
		return nil
	},
}
