package edgeindex

import (
	"fmt"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/internal/encoding"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/container"
)

// VerifyIndex re-reads the indices of the given directions in the
// container at path and checks them against the edge list:
//
//   - node_id_to_ranges has one row per node, starts at 0, is contiguous
//     and ends at the number of runs;
//   - the runs of each node are ascending, and all runs together cover
//     every edge id exactly once;
//   - every edge of a node's runs has that node as its key;
//   - no two runs that touch share a key.
//
// It also recomputes the BLAKE3 checksum of each index array. Failures wrap
// common.ErrCorrupt.
func VerifyIndex(path, group string, directions []Direction, numSourceNodes, numTargetNodes uint64) error {
	r, err := container.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	if len(directions) == 0 {
		directions = AllDirections
	}
	for _, d := range directions {
		numNodes := numSourceNodes
		if d == Reverse {
			numNodes = numTargetNodes
		}
		if err := verifyDirection(r, group, d, numNodes); err != nil {
			return fmt.Errorf("%s index: %w", d, err)
		}
	}
	return nil
}

func verifyDirection(r *container.Reader, group string, d Direction, numNodes uint64) error {
	rangesPath := d.DatasetPath(group, common.DatasetNodeToRanges)
	runsPath := d.DatasetPath(group, common.DatasetRangeToEdgeID)
	for _, name := range []string{rangesPath, runsPath} {
		if err := r.VerifyDataset(name); err != nil {
			return err
		}
	}
	ranges, err := r.Dataset(rangesPath)
	if err != nil {
		return err
	}
	runs, err := r.Dataset(runsPath)
	if err != nil {
		return err
	}
	keyName := common.DatasetSourceNodeID
	if d == Reverse {
		keyName = common.DatasetTargetNodeID
	}
	keys, err := r.Dataset(container.Path(group, keyName))
	if err != nil {
		return err
	}

	if ranges.Cols() != 2 || runs.Cols() != 2 {
		return fmt.Errorf("%w: index arrays must have two columns", common.ErrCorrupt)
	}
	if ranges.Rows() != numNodes {
		return fmt.Errorf("%w: %d node ranges for %d nodes", common.ErrCorrupt, ranges.Rows(), numNodes)
	}

	// node ranges
	next := uint64(0)
	for k := uint64(0); k < numNodes; k++ {
		lo, hi := ranges.Pair(k)
		if lo != next || hi < lo {
			return fmt.Errorf("%w: node %d range [%d, %d) does not follow %d", common.ErrCorrupt, k, lo, hi, next)
		}
		next = hi
	}
	if next != runs.Rows() {
		return fmt.Errorf("%w: node ranges end at %d, %d runs written", common.ErrCorrupt, next, runs.Rows())
	}

	// runs per node
	numEdges := keys.Rows()
	covered := encoding.NewBitVector(numEdges)
	for k := uint64(0); k < numNodes; k++ {
		lo, hi := ranges.Pair(k)
		prevEnd := uint64(0)
		for i := lo; i < hi; i++ {
			start, end := runs.Pair(i)
			if start >= end || end > numEdges {
				return fmt.Errorf("%w: node %d run %d [%d, %d) is empty or past %d edges",
					common.ErrCorrupt, k, i, start, end, numEdges)
			}
			if i > lo && start < prevEnd {
				return fmt.Errorf("%w: node %d runs are not ascending at row %d", common.ErrCorrupt, k, i)
			}
			if dup := covered.SetRange(start, end); dup != end {
				return fmt.Errorf("%w: edge %d covered twice", common.ErrCorrupt, dup)
			}
			for e := start; e < end; e++ {
				if got := keys.At(e, 0); got != k {
					return fmt.Errorf("%w: edge %d in a run of node %d has %s %d",
						common.ErrCorrupt, e, k, d.KeyName(), got)
				}
			}
			// maximal: the edges just outside the run belong to other nodes
			if (start > 0 && keys.At(start-1, 0) == k) || (end < numEdges && keys.At(end, 0) == k) {
				return fmt.Errorf("%w: node %d run [%d, %d) is not maximal", common.ErrCorrupt, k, start, end)
			}
			prevEnd = end
		}
	}
	if gap := covered.FirstClear(); gap != numEdges {
		return fmt.Errorf("%w: edge %d covered by no run", common.ErrCorrupt, gap)
	}
	return nil
}
