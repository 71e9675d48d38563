package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/codegraph/internal/export"
	"github.com/dusk-indust/codegraph/internal/orchestrator"
)

func newBuildCmd() *cobra.Command {
	var (
		f      buildFlags
		out    string
		format string
	)
	cmd := &cobra.Command{
		Use:   "build <root>",
		Short: "Build the graph of a repository and export it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "mermaid" {
				return fmt.Errorf("unknown format %q: want json or mermaid", format)
			}
			res, err := runBuild(cmd, &f, args[0])
			if err != nil {
				return err
			}
			defer res.Store.Close()

			w := cmd.OutOrStdout()
			if out != "" {
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			if err := writeGraph(cmd, w, res, format); err != nil {
				return err
			}
			if out != "" {
				slog.Info("build.written", slog.String("path", out), slog.String("format", format))
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the export to a file instead of stdout")
	cmd.Flags().StringVar(&format, "format", "json", "export format: json or mermaid")
	return cmd
}

// runBuild loads the project config under root and runs one build.
func runBuild(cmd *cobra.Command, f *buildFlags, root string) (*orchestrator.Result, error) {
	ctx := cmd.Context()
	cfg, flush, err := loadConfig(ctx, root)
	if err != nil {
		return nil, err
	}
	defer flush()

	opts, done := f.options(cmd, root, cfg)
	res, err := orchestrator.Build(ctx, opts)
	done()
	if err != nil {
		return nil, err
	}
	for _, s := range res.Report.Skipped {
		slog.Warn("build.skipped", slog.String("path", s.Path), slog.Any("error", s.Err))
	}
	return res, nil
}

func writeGraph(cmd *cobra.Command, w io.Writer, res *orchestrator.Result, format string) error {
	ctx := cmd.Context()
	if format == "mermaid" {
		doc, err := export.GenerateMermaid(ctx, res.Store)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, doc)
		return err
	}
	return export.WriteJSON(ctx, w, res.Store)
}
