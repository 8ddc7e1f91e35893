package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/container"
)

func newCheckCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "check <path> [path2]...",
		Short: "Check container files and the indices in them.",
		Long: `check validates the header and directory of each container, recomputes
the BLAKE3 checksum of every dataset and, when indices are present under
the group, checks their structure against the edge list.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := checkFile(stdout, path, group); err != nil {
					fmt.Fprintf(stdout, "%s: FAILED: %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(stdout, "%s: OK\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", common.DefaultGroup, "Container group holding the edge list.")
	return cmd
}

func checkFile(w io.Writer, path, group string) error {
	r, err := container.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	h := r.Header()
	fmt.Fprintf(w, "%s: version 0x%04x, %d datasets, data end %d\n", path, h.Version, len(r.Names()), h.DataEnd)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tROWS\tCOLS\tSTATUS\tBUILD")
	var bad error
	for _, name := range r.Names() {
		info, _ := r.Info(name)
		status := "ok"
		if err := r.VerifyDataset(name); err != nil {
			switch {
			case errors.Is(err, common.ErrIncomplete):
				status = "incomplete"
			default:
				status = "checksum mismatch"
			}
			if bad == nil {
				bad = err
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", name, info.Rows, info.Cols, status, info.BuildID)
	}
	tw.Flush()
	if bad != nil {
		return bad
	}

	ix, err := edgeindex.OpenIndex(path, group)
	if errors.Is(err, common.ErrDatasetNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var dirs []edgeindex.Direction
	for _, d := range edgeindex.AllDirections {
		if ix.Has(d) {
			dirs = append(dirs, d)
		}
	}
	numSource, numTarget := ix.NumNodes(edgeindex.Forward), ix.NumNodes(edgeindex.Reverse)
	ix.Close()
	return edgeindex.VerifyIndex(path, group, dirs, numSource, numTarget)
}
