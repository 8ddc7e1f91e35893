package edgeindex

import (
	"context"
	"fmt"

	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/collective"
)

// ExclusivePrefixSum returns, for each position, the sum of all counts
// before it, along with the sum of all counts.
func ExclusivePrefixSum(counts []uint64) (starts []uint64, total uint64) {
	starts = make([]uint64, len(counts))
	for i, c := range counts {
		starts[i] = total
		total += c
	}
	return starts, total
}

// NodeRanges turns per-node counts into flattened (start, end) pairs, in
// node-id order, that partition [0, sum(counts)).
func NodeRanges(counts []uint64) []uint64 {
	out := make([]uint64, 2*len(counts))
	var cursor uint64
	for k, c := range counts {
		out[2*k] = cursor
		cursor += c
		out[2*k+1] = cursor
	}
	return out
}

// KeyTotals is where each key's edges begin in key-sorted order.
type KeyTotals struct {
	Starts []uint64
	Counts []uint64
	Total  uint64
}

// ResolveTotals checks that the global histogram accounts for every edge
// exactly once and computes the key-sorted start of each node.
func ResolveTotals(global []uint64, numEdges uint64) (*KeyTotals, error) {
	starts, total := ExclusivePrefixSum(global)
	if total != numEdges {
		return nil, &ShardRangeError{Total: numEdges, End: total,
			Reason: fmt.Sprintf("global histogram counts %d edges", total)}
	}
	return &KeyTotals{Starts: starts, Counts: global, Total: total}, nil
}

// Degree returns the number of edges with key k.
func (t *KeyTotals) Degree(k uint64) uint64 { return t.Counts[k] }

// RunLayout places the runs of every rank in a direction's run array.
type RunLayout struct {
	// Counts is the global number of runs per node.
	Counts []uint64
	// NodeRanges holds (start, end) per node, flattened.
	NodeRanges []uint64
	// TotalRuns is the length of the run array.
	TotalRuns uint64
	// Offsets is, per node, the first row this rank writes for that node:
	// the node's start plus the runs lower ranks hold for it.
	Offsets []uint64
}

// Range returns node k's (start, end) in the run array.
func (l *RunLayout) Range(k uint64) (uint64, uint64) {
	return l.NodeRanges[2*k], l.NodeRanges[2*k+1]
}

// ResolveRuns computes the run layout from each rank's boundary-adjusted
// per-node run counts. It is collective. The layout is checked against
// this rank's own counts; a block that would spill past its node's range
// is a *WriteConflictError.
func ResolveRuns(ctx context.Context, comm collective.Comm, d Direction, local []uint64, status error) (*RunLayout, error) {
	global, err := comm.AllReduceSum(ctx, local, status)
	if err != nil {
		return nil, err
	}
	below, err := comm.ExScanSum(ctx, local, nil)
	if err != nil {
		return nil, err
	}

	starts, total := ExclusivePrefixSum(global)
	layout := &RunLayout{
		Counts:     global,
		NodeRanges: NodeRanges(global),
		TotalRuns:  total,
		Offsets:    make([]uint64, len(local)),
	}
	for k := range local {
		off := starts[k] + below[k]
		if off+local[k] > starts[k]+global[k] {
			return layout, &WriteConflictError{Direction: d, Rank: comm.Rank(),
				Reason: fmt.Sprintf("node %d: rows %d..%d exceed node range %d..%d",
					k, off, off+local[k], starts[k], starts[k]+global[k])}
		}
		layout.Offsets[k] = off
	}
	return layout, nil
}
