package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentic-research/gridtrace/internal/export"
)

var (
	exportScope  string
	exportFormat string
	exportOut    string
)

func init() {
	exportCmd.Flags().StringVar(&exportScope, "scope", "", "Restrict the export to one node's subtree")
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "Output format: csv or json (default from config)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "-", "Output file, - for stdout")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Flatten the hierarchy to one row per exposure",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		table, err := export.NewExporter(s.store, s.cfg.Export).Table(exportScope)
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}

		format := exportFormat
		if format == "" {
			format = s.cfg.Export.Format
		}
		switch format {
		case "csv":
			return table.WriteCSV(w)
		case "json":
			return table.WriteJSON(w)
		default:
			return fmt.Errorf("unknown export format %q", format)
		}
	},
}
