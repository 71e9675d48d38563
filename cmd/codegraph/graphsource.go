package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/codegraph/internal/graph"
)

// graphSource is how query and impact obtain a graph: a fresh build of
// <root>, or a database persisted earlier with build --db-path.
type graphSource struct {
	build  buildFlags
	fromDB string
}

func (g *graphSource) register(cmd *cobra.Command) {
	g.build.register(cmd)
	cmd.Flags().StringVar(&g.fromDB, "from-db", "", "read a graph persisted with build --db-path instead of building <root>")
}

// args accepts <root> when building and nothing when reading a database.
func (g *graphSource) args(cmd *cobra.Command, args []string) error {
	if g.fromDB != "" {
		return cobra.NoArgs(cmd, args)
	}
	return cobra.ExactArgs(1)(cmd, args)
}

// open returns the graph. The caller closes it.
func (g *graphSource) open(cmd *cobra.Command, args []string) (graph.Store, error) {
	if g.fromDB != "" {
		st, err := graph.Load(graph.BackendKuzu, g.fromDB)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", g.fromDB, err)
		}
		return st, nil
	}
	res, err := runBuild(cmd, &g.build, args[0])
	if err != nil {
		return nil, err
	}
	return res.Store, nil
}
