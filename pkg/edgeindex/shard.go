package edgeindex

import (
	"context"
	"fmt"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/container"
)

// Partition returns the half-open edge-id range [start, end) owned by rank
// when total edges are split contiguously over size ranks. The first
// total%size ranks own one extra edge.
func Partition(total uint64, rank, size int) (start, end uint64, err error) {
	if size <= 0 || rank < 0 || rank >= size {
		return 0, 0, &ShardRangeError{Rank: rank, Size: size, Total: total, Reason: "rank outside group"}
	}
	n, r := uint64(size), uint64(rank)
	base, extra := total/n, total%n
	start = r*base + min(r, extra)
	end = start + base
	if r < extra {
		end++
	}
	return start, end, nil
}

// EdgeShard is one rank's read-only slice [start, end) of the global edge
// list. Indexes passed to its accessors are local: 0 is edge id start.
type EdgeShard struct {
	start   uint64
	total   uint64
	sources []uint64
	targets []uint64
}

func newEdgeShard(start, total uint64, sources, targets []uint64) (*EdgeShard, error) {
	end := start + uint64(len(sources))
	if len(sources) != len(targets) {
		return nil, &ShardRangeError{Start: start, End: end, Total: total,
			Reason: fmt.Sprintf("%d sources but %d targets", len(sources), len(targets))}
	}
	if start > total || end > total || end < start {
		return nil, &ShardRangeError{Start: start, End: end, Total: total, Reason: "bounds outside edge list"}
	}
	return &EdgeShard{start: start, total: total, sources: sources, targets: targets}, nil
}

// NewEdgeShard slices rank's part out of a fully replicated edge list.
func NewEdgeShard(sources, targets []uint64, rank, size int) (*EdgeShard, error) {
	total := uint64(len(sources))
	if len(targets) != len(sources) {
		return nil, &ShardRangeError{Rank: rank, Size: size, Total: total,
			Reason: fmt.Sprintf("%d sources but %d targets", len(sources), len(targets))}
	}
	start, end, err := Partition(total, rank, size)
	if err != nil {
		return nil, err
	}
	s, err := newEdgeShard(start, total, sources[start:end], targets[start:end])
	if err != nil {
		return nil, withRank(err, rank, size)
	}
	return s, nil
}

// LoadEdgeShard copies rank's part of group/source_node_id and
// group/target_node_id out of r, batch rows at a time.
func LoadEdgeShard(ctx context.Context, r *container.Reader, group string, rank, size, batch int) (*EdgeShard, error) {
	src, err := r.Dataset(container.Path(group, common.DatasetSourceNodeID))
	if err != nil {
		return nil, err
	}
	tgt, err := r.Dataset(container.Path(group, common.DatasetTargetNodeID))
	if err != nil {
		return nil, err
	}
	if src.Cols() != 1 || tgt.Cols() != 1 {
		return nil, fmt.Errorf("%w: edge arrays must have one column", common.ErrShapeMismatch)
	}
	total := src.Rows()
	if tgt.Rows() != total {
		return nil, &ShardRangeError{Rank: rank, Size: size, Total: total,
			Reason: fmt.Sprintf("%d sources but %d targets", total, tgt.Rows())}
	}
	start, end, err := Partition(total, rank, size)
	if err != nil {
		return nil, err
	}

	if batch <= 0 {
		batch = common.DefaultReadBatchRows
	}
	sources := make([]uint64, 0, end-start)
	targets := make([]uint64, 0, end-start)
	for lo := start; lo < end; lo += uint64(batch) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+uint64(batch), end)
		s, err := src.Slice(lo, hi)
		if err != nil {
			return nil, err
		}
		t, err := tgt.Slice(lo, hi)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s...)
		targets = append(targets, t...)
	}
	shard, err := newEdgeShard(start, total, sources, targets)
	if err != nil {
		return nil, withRank(err, rank, size)
	}
	return shard, nil
}

func withRank(err error, rank, size int) error {
	if sre, ok := err.(*ShardRangeError); ok {
		sre.Rank, sre.Size = rank, size
	}
	return err
}

// Start is the first global edge id of the shard.
func (s *EdgeShard) Start() uint64 { return s.start }

// End is one past the last global edge id of the shard.
func (s *EdgeShard) End() uint64 { return s.start + uint64(len(s.sources)) }

// Len is the number of edges in the shard.
func (s *EdgeShard) Len() int { return len(s.sources) }

// Total is the number of edges in the whole edge list.
func (s *EdgeShard) Total() uint64 { return s.total }

func (s *EdgeShard) Source(i int) uint64 { return s.sources[i] }
func (s *EdgeShard) Target(i int) uint64 { return s.targets[i] }

// Keys returns the shard's keys under d in edge-id order. The slice is
// shared with the shard.
func (s *EdgeShard) Keys(d Direction) []uint64 {
	if d == Reverse {
		return s.targets
	}
	return s.sources
}
