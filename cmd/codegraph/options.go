package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/codegraph/internal/config"
	"github.com/dusk-indust/codegraph/internal/orchestrator"
	"github.com/dusk-indust/codegraph/internal/telemetry"
)

// buildFlags are the flags shared by build and query.
type buildFlags struct {
	Language string
	LSP      bool
	Include  []string
	Exclude  []string
	Backend  string
	Workers  int
	DBPath   string
	Progress bool
}

func (f *buildFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.Language, "lang", "", "language id or alias (react, typescript, go, kotlin, swift, python, rust)")
	fl.BoolVar(&f.LSP, "lsp", false, "resolve leftover calls with a language server")
	fl.StringSliceVar(&f.Include, "include", nil, "glob patterns of files to include")
	fl.StringSliceVar(&f.Exclude, "exclude", nil, "glob patterns of files to exclude")
	fl.StringVar(&f.Backend, "backend", "", "graph store backend: array, btree or kuzu")
	fl.IntVar(&f.Workers, "workers", 0, "parallel parse workers (0 = GOMAXPROCS)")
	fl.StringVar(&f.DBPath, "db-path", "", "persist the graph to a new kuzu database at this path (needs --backend kuzu)")
	fl.BoolVar(&f.Progress, "progress", false, "print build progress to stderr")
}

// options merges the project config found in root with the command line.
// Flags that were set explicitly win over file values. The returned func
// must be called once the build has returned.
func (f *buildFlags) options(cmd *cobra.Command, root string, cfg *config.ProjectConfig) (orchestrator.Options, func()) {
	opts := configOptions(cfg)
	opts.Root = root
	changed := cmd.Flags().Changed
	if changed("lang") {
		opts.Language = f.Language
	}
	if changed("lsp") {
		opts.UseLSP = f.LSP
	}
	if changed("include") {
		opts.Include = f.Include
	}
	if changed("exclude") {
		opts.Exclude = f.Exclude
	}
	if changed("backend") {
		opts.Backend = f.Backend
	}
	if changed("workers") {
		opts.Workers = f.Workers
	}
	if changed("db-path") {
		opts.DBPath = f.DBPath
	}
	if !f.Progress {
		return opts, func() {}
	}
	reporter := orchestrator.NewProgressReporter()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printProgress(cmd, reporter.Subscribe())
	}()
	opts.Progress = reporter.Emit
	return opts, func() {
		reporter.Close()
		<-printed
	}
}

// configOptions converts file settings into build options.
func configOptions(cfg *config.ProjectConfig) orchestrator.Options {
	return orchestrator.Options{
		Language:         cfg.Language,
		UseLSP:           cfg.LSP.Enabled,
		LSPCommand:       cfg.LSP.CommandLine(),
		LSPTimeout:       cfg.LSP.Timeout,
		LSPMaxInFlight:   cfg.LSP.MaxInFlight,
		LSPCacheSize:     cfg.LSP.CacheSize,
		LSPRatePerSecond: cfg.LSP.RatePerSecond,
		Include:          cfg.Include,
		Exclude:          cfg.Exclude,
		Backend:          cfg.Backend,
		Workers:          cfg.Workers,
		DBPath:           cfg.DBPath,
	}
}

// printProgress prints phase lines and failed files until events closes.
func printProgress(cmd *cobra.Command, events <-chan orchestrator.ProgressEvent) {
	w := cmd.ErrOrStderr()
	var tally orchestrator.BuildTally
	for ev := range events {
		if line, ok := tally.Observe(ev); ok {
			fmt.Fprintln(w, line)
		}
	}
}

// loadConfig reads codegraph.yml from dir and installs the telemetry it
// asks for. The returned func flushes telemetry and must be called.
func loadConfig(ctx context.Context, dir string) (*config.ProjectConfig, func(), error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, nil, err
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Traces:         cfg.Telemetry.Traces,
		Metrics:        cfg.Telemetry.Metrics,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: %w", err)
	}
	return cfg, func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry.shutdown", slog.String("error", err.Error()))
		}
	}, nil
}
