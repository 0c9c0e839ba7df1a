// Package cmd wires the gridtrace CLI: one session directory, a handful of
// verbs operating on it.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	sessionDir string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&sessionDir, "session", "C", ".", "Session directory holding gridtrace.hcl")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

var rootCmd = &cobra.Command{
	Use:          "gridtrace",
	Short:        "Gridtrace: live hierarchy correlation for cryo-EM acquisition sessions",
	SilenceUsage: true,
}

func logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
