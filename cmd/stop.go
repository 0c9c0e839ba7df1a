package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentic-research/gridtrace/internal/config"
	"github.com/agentic-research/gridtrace/internal/control"
)

func init() {
	rootCmd.AddCommand(stopCmd)
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal the running watch loop in this session to shut down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(sessionDir)
		if err != nil {
			return err
		}
		ctl, err := control.Open(cfg.ControlPath)
		if err != nil {
			return fmt.Errorf("no running session found: %w", err)
		}
		defer ctl.Close()
		ctl.RequestStop()
		fmt.Printf("Stop requested for session %s\n", ctl.ID())
		return nil
	},
}
