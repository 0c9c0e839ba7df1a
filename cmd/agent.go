package cmd

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/agentic-research/gridtrace/api"
	"github.com/agentic-research/gridtrace/internal/export"
	"github.com/agentic-research/gridtrace/internal/report"
)

func init() {
	rootCmd.AddCommand(agentCmd)
}

// agentCmd exposes the session read-only over MCP stdio, so an LLM agent
// steering the microscope or the pipeline can query completeness without
// parsing CLI output.
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve session state to MCP clients on stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		checker := report.NewChecker(s.store, s.cfg.Report)
		exporter := export.NewExporter(s.store, s.cfg.Export)

		srv := server.NewMCPServer("gridtrace", "1.0.0")

		srv.AddTool(mcp.NewTool("session_summary",
			mcp.WithDescription("Node counts per hierarchy level and per-grid-square completeness"),
			mcp.WithString("scope", mcp.Description("Node ID limiting the summary, empty for the whole session")),
		), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			scope := req.GetString("scope", "")
			summaries, err := checker.Summaries(scope)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			counts := map[string]int{}
			for level := api.LevelAtlas; level <= api.LevelExposure; level++ {
				counts[level.String()] = s.store.CountAtLevel(level)
			}
			return jsonResult(map[string]any{"counts": counts, "grid_squares": summaries})
		})

		srv.AddTool(mcp.NewTool("missing_report",
			mcp.WithDescription("Nodes past their grace period without children, and exposures without required results"),
			mcp.WithString("scope", mcp.Description("Node ID limiting the report, empty for the whole session")),
		), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			scope := req.GetString("scope", "")
			children, err := checker.MissingChildren(scope)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			results, err := checker.MissingResults(scope)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return jsonResult(map[string]any{"missing_children": children, "missing_results": results})
		})

		srv.AddTool(mcp.NewTool("orphan_results",
			mcp.WithDescription("Processing results whose exposure has not been seen in the acquisition hierarchy"),
		), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return jsonResult(map[string]any{"orphans": checker.Orphans()})
		})

		srv.AddTool(mcp.NewTool("export_rows",
			mcp.WithDescription("Flattened exposure rows with denormalized ancestors and joined result metrics"),
			mcp.WithString("scope", mcp.Description("Node ID limiting the export, empty for the whole session")),
		), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			table, err := exporter.Table(req.GetString("scope", ""))
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return jsonResult(map[string]any{"columns": table.Columns, "rows": table.Rows})
		})

		return server.ServeStdio(srv)
	},
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(oj.JSON(v, &oj.Options{Sort: true})), nil
}
