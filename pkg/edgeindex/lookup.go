package edgeindex

import (
	"fmt"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/container"
)

// EdgeRun is a half-open band [Start, End) of consecutive edge ids.
type EdgeRun struct {
	Start uint64
	End   uint64
}

func (r EdgeRun) Len() uint64 { return r.End - r.Start }

// Index answers per-node queries against built indices. It is read-only
// and safe for concurrent use until Close.
type Index struct {
	r      *container.Reader
	group  string
	ranges map[Direction]*container.View
	runs   map[Direction]*container.View
}

// OpenIndex opens the indices under group in the container at path.
// Directions that were never built (or whose build was aborted) are
// absent; at least one must be present.
func OpenIndex(path, group string) (*Index, error) {
	r, err := container.Open(path)
	if err != nil {
		return nil, err
	}
	ix := &Index{
		r:      r,
		group:  group,
		ranges: make(map[Direction]*container.View),
		runs:   make(map[Direction]*container.View),
	}
	for _, d := range AllDirections {
		ranges, err := r.Dataset(d.DatasetPath(group, common.DatasetNodeToRanges))
		if err != nil {
			continue
		}
		runs, err := r.Dataset(d.DatasetPath(group, common.DatasetRangeToEdgeID))
		if err != nil {
			continue
		}
		ix.ranges[d], ix.runs[d] = ranges, runs
	}
	if len(ix.ranges) == 0 {
		r.Close()
		return nil, fmt.Errorf("%w: no complete index under %s/%s", common.ErrDatasetNotFound, group, common.GroupIndices)
	}
	return ix, nil
}

// Has reports whether the index of direction d is available.
func (ix *Index) Has(d Direction) bool {
	_, ok := ix.ranges[d]
	return ok
}

// BuildID returns the id of the build that wrote direction d.
func (ix *Index) BuildID(d Direction) string {
	if v, ok := ix.ranges[d]; ok {
		return v.Info().BuildID
	}
	return ""
}

func (ix *Index) NumNodes(d Direction) uint64 {
	if v, ok := ix.ranges[d]; ok {
		return v.Rows()
	}
	return 0
}

func (ix *Index) NumRuns(d Direction) uint64 {
	if v, ok := ix.runs[d]; ok {
		return v.Rows()
	}
	return 0
}

// Ranges returns node's half-open row range in range_to_edge_id.
func (ix *Index) Ranges(d Direction, node uint64) (start, end uint64, err error) {
	v, ok := ix.ranges[d]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s index", common.ErrDatasetNotFound, d)
	}
	if node >= v.Rows() {
		return 0, 0, fmt.Errorf("%w: node %d of %d", common.ErrInvalidOffset, node, v.Rows())
	}
	start, end = v.Pair(node)
	if start > end {
		return 0, 0, fmt.Errorf("%w: node %d range [%d, %d) is reversed", common.ErrCorrupt, node, start, end)
	}
	return start, end, nil
}

// EdgeRuns returns the runs of edges whose key under d is node, in edge
// id order.
func (ix *Index) EdgeRuns(d Direction, node uint64) ([]EdgeRun, error) {
	lo, hi, err := ix.Ranges(d, node)
	if err != nil {
		return nil, err
	}
	v := ix.runs[d]
	if hi > v.Rows() {
		return nil, fmt.Errorf("%w: node %d range ends at %d of %d runs", common.ErrCorrupt, node, hi, v.Rows())
	}
	out := make([]EdgeRun, 0, hi-lo)
	for i := lo; i < hi; i++ {
		s, e := v.Pair(i)
		if s > e {
			return nil, fmt.Errorf("%w: node %d run %d [%d, %d) is reversed", common.ErrCorrupt, node, i, s, e)
		}
		out = append(out, EdgeRun{Start: s, End: e})
	}
	return out, nil
}

// EdgeIDs expands EdgeRuns into individual edge ids.
func (ix *Index) EdgeIDs(d Direction, node uint64) ([]uint64, error) {
	runs, err := ix.EdgeRuns(d, node)
	if err != nil {
		return nil, err
	}
	var n uint64
	for _, r := range runs {
		n += r.Len()
	}
	ids := make([]uint64, 0, n)
	for _, r := range runs {
		for e := r.Start; e < r.End; e++ {
			ids = append(ids, e)
		}
	}
	return ids, nil
}

func (ix *Index) Close() error {
	return ix.r.Close()
}
