package edgeindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/collective"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/container"
)

// ParallelIndexWriter writes a direction's two arrays into a shared
// container. Every rank of the group holds one and calls Write together.
type ParallelIndexWriter struct {
	file   *container.Shared
	comm   collective.Comm
	group  string
	logger common.Logger
}

// NewParallelIndexWriter binds a writer to an open shared container.
func NewParallelIndexWriter(file *container.Shared, comm collective.Comm, group string, logger common.Logger) *ParallelIndexWriter {
	return &ParallelIndexWriter{file: file, comm: comm, group: group, logger: common.OrNull(logger)}
}

// WriteResult counts what one rank wrote.
type WriteResult struct {
	NodeRows uint64
	RunRows  uint64
	Writes   int
}

// segment is a contiguous block of run-array rows written with one call.
type segment struct {
	row    uint64
	values []uint64
}

// segments lays this rank's runs out at their resolved offsets. Each node's
// runs form one block; blocks that touch are coalesced.
func segments(lr *LocalRuns, layout *RunLayout) []segment {
	grouped := lr.Grouped()
	var out []segment
	i := 0
	for k, n := range lr.Counts {
		if n == 0 {
			continue
		}
		row := layout.Offsets[k]
		if len(out) == 0 || out[len(out)-1].row+uint64(len(out[len(out)-1].values)/2) != row {
			out = append(out, segment{row: row})
		}
		last := &out[len(out)-1]
		for _, r := range grouped[i : i+int(n)] {
			last.values = append(last.values, r.Start, r.End)
		}
		i += int(n)
	}
	return out
}

// Write creates <group>/indices/<name>/node_id_to_ranges and
// range_to_edge_id, writes this rank's share of both and commits them.
// node_id_to_ranges is identical on every rank; each rank writes only the
// rows Partition assigns it, so every row is written exactly once.
func (w *ParallelIndexWriter) Write(ctx context.Context, lr *LocalRuns, layout *RunLayout) (*WriteResult, error) {
	d := lr.Direction
	rank, size := w.comm.Rank(), w.comm.Size()
	rangesPath := d.DatasetPath(w.group, common.DatasetNodeToRanges)
	runsPath := d.DatasetPath(w.group, common.DatasetRangeToEdgeID)

	ranges, err := w.file.CreateDataset(ctx, rangesPath, lr.NumNodes, 2)
	if err != nil {
		return nil, err
	}
	runs, err := w.file.CreateDataset(ctx, runsPath, layout.TotalRuns, 2)
	if err != nil {
		return nil, err
	}

	res := &WriteResult{}
	status := func() error {
		lo, hi, err := Partition(lr.NumNodes, rank, size)
		if err != nil {
			return err
		}
		if hi > lo {
			if err := ranges.WriteRows(lo, layout.NodeRanges[2*lo:2*hi]); err != nil {
				return err
			}
			res.NodeRows = hi - lo
			res.Writes++
		}
		for _, seg := range segments(lr, layout) {
			if err := runs.WriteRows(seg.row, seg.values); err != nil {
				return w.conflict(d, runsPath, err)
			}
			res.RunRows += uint64(len(seg.values) / 2)
			res.Writes++
		}
		return nil
	}()
	if err := w.comm.Barrier(ctx, status); err != nil {
		if status != nil {
			return nil, status
		}
		return nil, err
	}

	if err := w.file.Commit(ctx, ranges, runs); err != nil {
		var ce *container.CoverageError
		if errors.As(err, &ce) {
			return nil, w.conflict(d, ce.Dataset, err)
		}
		return nil, err
	}

	w.logger.Debug("index arrays written", "direction", d.String(), "node_rows", res.NodeRows,
		"run_rows", res.RunRows, "writes", res.Writes)
	return res, nil
}

// conflict turns an out-of-range write or a coverage failure into a
// *WriteConflictError.
func (w *ParallelIndexWriter) conflict(d Direction, dataset string, err error) error {
	var ce *container.CoverageError
	reason := err.Error()
	switch {
	case errors.As(err, &ce) && ce.Overlap():
		reason = fmt.Sprintf("overlapping offsets: row %d written twice", ce.Row)
	case errors.As(err, &ce):
		reason = fmt.Sprintf("unwritten gap at row %d", ce.Row)
	case errors.Is(err, common.ErrInvalidOffset):
		reason = fmt.Sprintf("write outside dataset: %v", err)
	}
	return &WriteConflictError{Direction: d, Dataset: dataset, Rank: w.comm.Rank(), Reason: reason, Err: err}
}
