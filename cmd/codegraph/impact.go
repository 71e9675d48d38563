package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/codegraph/internal/graph"
)

func newImpactCmd() *cobra.Command {
	var (
		src     graphSource
		changed []string
	)
	cmd := &cobra.Command{
		Use:   "impact [root] --changed <file>...",
		Short: "List the files affected by changing some files",
		Long:  "impact lifts Imports, Calls, Renders, Handler and Uses edges to files and prints every file that depends on a changed file, directly or transitively.",
		Args:  func(cmd *cobra.Command, args []string) error { return src.args(cmd, args) },
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := src.open(cmd, args)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := graph.AssessImpact(cmd.Context(), st, changed)
			if err != nil {
				return err
			}
			direct := make(map[string]bool, len(res.DirectlyAffected))
			for _, f := range res.DirectlyAffected {
				direct[f] = true
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, f := range res.Unknown {
				fmt.Fprintf(tw, "unknown\t%s\n", f)
			}
			for _, f := range res.TransitivelyAffected {
				how := "transitive"
				if direct[f] {
					how = "direct"
				}
				fmt.Fprintf(tw, "%s\t%s\n", how, f)
			}
			fmt.Fprintf(tw, "risk\t%.2f\n", res.RiskScore)
			return tw.Flush()
		},
	}
	src.register(cmd)
	cmd.Flags().StringSliceVar(&changed, "changed", nil, "repo-relative paths of the changed files")
	_ = cmd.MarkFlagRequired("changed")
	return cmd
}
