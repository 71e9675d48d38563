package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/codegraph/internal/graph"
)

func newQueryCmd() *cobra.Command {
	var (
		src  graphSource
		kind string
		name string
	)
	cmd := &cobra.Command{
		Use:   "query [root]",
		Short: "List nodes of one kind in a repository's graph",
		Args:  func(cmd *cobra.Command, args []string) error { return src.args(cmd, args) },
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := nodeKind(kind)
			if err != nil {
				return err
			}
			st, err := src.open(cmd, args)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			var nodes []graph.Node
			if name != "" {
				nodes, err = st.FindNodesByName(ctx, k, name)
			} else {
				nodes, err = st.FindNodesByType(ctx, k)
			}
			if err != nil {
				return err
			}
			graph.SortNodes(nodes)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", n.Name, location(n), n.ID)
			}
			return tw.Flush()
		},
	}
	src.register(cmd)
	cmd.Flags().StringVar(&kind, "kind", "", "node kind to list (e.g. Function, Request, Page)")
	cmd.Flags().StringVar(&name, "name", "", "exact node name")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func nodeKind(s string) (graph.NodeKind, error) {
	for _, k := range graph.NodeKinds {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown node kind %q", s)
}

func location(n graph.Node) string {
	if n.StartLine > 0 {
		return fmt.Sprintf("%s:%d", n.File, n.StartLine)
	}
	return n.File
}
