package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex"
)

func newLookupCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		group     string
		direction string
		node      uint64
		ids       bool
	)
	cmd := &cobra.Command{
		Use:   "lookup <path>",
		Short: "Print the edge runs of one node.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := edgeindex.ParseDirection(direction)
			if err != nil {
				return err
			}
			ix, err := edgeindex.OpenIndex(args[0], group)
			if err != nil {
				return err
			}
			defer ix.Close()

			lo, hi, err := ix.Ranges(d, node)
			if err != nil {
				return err
			}
			runs, err := ix.EdgeRuns(d, node)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s node %d: rows [%d, %d) of %d\n", d, node, lo, hi, ix.NumRuns(d))
			for _, r := range runs {
				fmt.Fprintf(stdout, "  [%d, %d)\n", r.Start, r.End)
			}
			if ids {
				edges, err := ix.EdgeIDs(d, node)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "edges: %v\n", edges)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", common.DefaultGroup, "Container group holding the indices.")
	cmd.Flags().StringVar(&direction, "direction", "forward", "Index to query: forward or reverse.")
	cmd.Flags().Uint64Var(&node, "node", 0, "Node id to look up.")
	cmd.Flags().BoolVar(&ids, "ids", false, "Also list individual edge ids.")
	return cmd
}
