package main

import (
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/codegraph/internal/mcptools"
	"github.com/dusk-indust/codegraph/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		addr string
		dir  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the graph tools over MCP (streamable HTTP)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, flush, err := loadConfig(ctx, dir)
			if err != nil {
				return err
			}
			defer flush()

			mcptools.Version = version
			defaults := configOptions(cfg)
			// Each build_graph call replaces the last graph, so MCP graphs
			// stay in memory rather than claiming the configured db path.
			defaults.DBPath = ""
			svc := mcptools.NewCodeGraphService(defaults)
			defer svc.Close()

			mux := http.NewServeMux()
			mux.Handle("/mcp", mcptools.Handler(svc))
			if h := telemetry.MetricsHandler(); h != nil {
				mux.Handle("/metrics", h)
			}
			slog.Info("serve.start", slog.String("addr", addr), slog.String("version", mcptools.Version))
			return mcptools.ListenAndServe(ctx, addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	cmd.Flags().StringVar(&dir, "config-dir", ".", "directory holding codegraph.yml")
	return cmd
}
