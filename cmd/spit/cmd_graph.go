package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sphaerophoria/spit/pkg/graph"
)

func newGraphCmd() *cobra.Command {
	var allRefs bool

	cmd := &cobra.Command{
		Use:   "graph [commit...]",
		Short: "Render the commit graph as text lanes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfig)
			if err != nil {
				return err
			}
			order, err := cfg.sortOrder()
			if err != nil {
				return err
			}

			r, err := openRepo(cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			heads, err := resolveHeads(cmd, r, args, allRefs)
			if err != nil {
				return err
			}
			commits, err := r.History(cmd.Context(), heads, order)
			if err != nil {
				return err
			}

			g := graph.Build(commits)
			fmt.Fprint(cmd.OutOrStdout(), renderGraph(g))
			return nil
		},
	}

	cmd.Flags().BoolVar(&allRefs, "all", false, "walk from every ref instead of HEAD")
	return cmd
}

// renderGraph draws one text row per commit: "*" on the commit's lane, "|"
// on every lane with a vertical edge passing that row, then the id.
func renderGraph(g graph.HistoryGraph) string {
	maxLane := 0
	for _, e := range g.Edges {
		maxLane = max(maxLane, e.A.X, e.B.X)
	}
	for _, n := range g.Nodes {
		maxLane = max(maxLane, n.Position.X)
	}

	var sb strings.Builder
	row := make([]byte, maxLane+1)
	for _, n := range g.Nodes {
		y := n.Position.Y
		for x := range row {
			row[x] = ' '
		}
		for _, e := range g.Edges {
			if e.A.X == e.B.X && e.A.Y <= y && y <= e.B.Y {
				row[e.A.X] = '|'
			}
		}
		row[n.Position.X] = '*'

		sb.Write(row)
		sb.WriteString("  ")
		sb.WriteString(n.ID.String()[:8])
		sb.WriteByte('\n')
	}
	return sb.String()
}
