package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex"
)

func newGenerateCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		group        string
		sources      uint64
		targets      uint64
		sourceOffset uint64
	)
	cmd := &cobra.Command{
		Use:   "generate <path>",
		Short: "Write a block-shaped edge list.",
		Long: `generate writes sources*targets edges to a new container at <path>.
Edge k runs from source node source-offset + k/targets to target node
k%targets, so each source owns one band of edges and targets cycle.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, tgt := edgeindex.BlockEdges(sources, targets, sourceOffset)
			if err := edgeindex.WriteEdgeList(args[0], group, src, tgt); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "wrote %d edges to %s (source nodes %d, target nodes %d)\n",
				len(src), args[0], sourceOffset+sources, targets)
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", common.DefaultGroup, "Container group to write the edge arrays under.")
	cmd.Flags().Uint64Var(&sources, "sources", 10, "Number of source nodes with edges.")
	cmd.Flags().Uint64Var(&targets, "targets", 10, "Number of target nodes; every source links to all of them.")
	cmd.Flags().Uint64Var(&sourceOffset, "source-offset", 90, "Id of the first source node with edges.")
	return cmd
}
