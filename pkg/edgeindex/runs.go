package edgeindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/CVDpl/go-edgeindex/internal/encoding"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/collective"
)

// Run is a maximal band [Start, End) of consecutive edge ids sharing Key.
type Run struct {
	Key   uint64
	Start uint64
	End   uint64
}

// Len is the number of edges in the run.
func (r Run) Len() uint64 { return r.End - r.Start }

// LocalRuns is one rank's share of a direction's run array.
type LocalRuns struct {
	Direction Direction
	NumNodes  uint64

	// Runs in edge-id order.
	Runs []Run
	// Counts is the number of runs per node in Runs.
	Counts []uint64

	// mergesWithPrev is set when the first local run continues a run
	// owned by a lower rank.
	mergesWithPrev bool
}

// EncodeRuns walks the shard once in edge-id order and cuts it into runs.
// A run's end is only tentative until boundaries are reconciled.
func EncodeRuns(shard *EdgeShard, d Direction, numNodes uint64) (*LocalRuns, error) {
	lr := &LocalRuns{Direction: d, NumNodes: numNodes, Counts: make([]uint64, numNodes)}
	keys := shard.Keys(d)
	e := shard.Start()
	for i, k := range keys {
		if k >= numNodes {
			return nil, &InvalidKeyError{Direction: d, Edge: e + uint64(i), Key: k, NumNodes: numNodes}
		}
		if n := len(lr.Runs); n > 0 && lr.Runs[n-1].Key == k && lr.Runs[n-1].End == e+uint64(i) {
			lr.Runs[n-1].End++
			continue
		}
		lr.Runs = append(lr.Runs, Run{Key: k, Start: e + uint64(i), End: e + uint64(i) + 1})
		lr.Counts[k]++
	}
	return lr, nil
}

// Coverage returns the number of edges covered per node. It is only
// meaningful before boundaries are reconciled.
func (lr *LocalRuns) Coverage() []uint64 {
	cov := make([]uint64, lr.NumNodes)
	for _, r := range lr.Runs {
		cov[r.Key] += r.Len()
	}
	return cov
}

// CheckCoverage compares per-node coverage with the local histogram.
func (lr *LocalRuns) CheckCoverage(rank int, hist []uint64) error {
	for k, c := range lr.Coverage() {
		if c != hist[k] {
			return &BoundaryMismatchError{Direction: lr.Direction, Rank: rank, Peer: rank,
				Reason: fmt.Sprintf("node %d: runs cover %d edges, histogram has %d", k, c, hist[k])}
		}
	}
	return nil
}

// NumRuns returns the number of runs this rank owns.
func (lr *LocalRuns) NumRuns() int { return len(lr.Runs) }

// Grouped returns the runs ordered by key, edge order within a key, using
// one counting pass over the key range.
func (lr *LocalRuns) Grouped() []Run {
	next, _ := ExclusivePrefixSum(lr.Counts)
	out := make([]Run, len(lr.Runs))
	for _, r := range lr.Runs {
		out[next[r.Key]] = r
		next[r.Key]++
	}
	return out
}

// tail travels from rank r to r+1: the last run of the nearest non-empty
// rank at or below r.
type tail struct {
	valid bool
	key   uint64
	end   uint64
}

// head travels from rank r+1 to r: the first run of the nearest non-empty
// rank at or above r+1. leadingEnd is that run's end, already extended
// through any chain of single-run shards further right.
type head struct {
	valid          bool
	key            uint64
	start          uint64
	leadingEnd     uint64
	mergesWithPrev bool
}

func flag(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (t tail) pack() []byte {
	return encoding.PackUvarints([]uint64{flag(t.valid), t.key, t.end})
}

func unpackTail(data []byte) (tail, error) {
	v, err := encoding.UnpackUvarints(data)
	if err != nil {
		return tail{}, err
	}
	if len(v) != 3 {
		return tail{}, fmt.Errorf("tail descriptor has %d fields", len(v))
	}
	return tail{valid: v[0] == 1, key: v[1], end: v[2]}, nil
}

func (h head) pack() []byte {
	return encoding.PackUvarints([]uint64{flag(h.valid), h.key, h.start, h.leadingEnd, flag(h.mergesWithPrev)})
}

func unpackHead(data []byte) (head, error) {
	v, err := encoding.UnpackUvarints(data)
	if err != nil {
		return head{}, err
	}
	if len(v) != 5 {
		return head{}, fmt.Errorf("head descriptor has %d fields", len(v))
	}
	return head{valid: v[0] == 1, key: v[1], start: v[2], leadingEnd: v[3], mergesWithPrev: v[4] == 1}, nil
}

// ReconcileBoundaries settles runs that cross rank boundaries using two
// pipelined nearest-neighbour passes:
//
//   - forward (r to r+1): each rank learns the last run before its shard
//     and decides whether its first run continues it;
//   - backward (r+1 to r): each rank learns the first run after its shard,
//     whether that rank decided to merge, and how far the merged run
//     extends.
//
// Empty shards pass descriptors through. A merged run is owned by the
// lowest rank holding part of it; higher ranks drop their leading run.
// Every rank performs both passes even after a failure so that no
// neighbour is left waiting; the call ends with a barrier carrying this
// rank's own error.
func ReconcileBoundaries(ctx context.Context, comm collective.Comm, shard *EdgeShard, lr *LocalRuns) error {
	rank, size := comm.Rank(), comm.Size()
	// local is this rank's own finding; inherited is a neighbour's failure
	// relayed through the pipeline.
	var local, inherited error
	fail := func(err error) {
		var ae *collective.AbortError
		switch {
		case errors.As(err, &ae):
			if inherited == nil {
				inherited = err
			}
		case local == nil:
			local = err
		}
	}
	status := func() error {
		if local != nil {
			return local
		}
		return inherited
	}

	// forward pass
	var prev tail
	if rank > 0 {
		data, err := comm.Recv(ctx, rank-1)
		if err == nil {
			prev, err = unpackTail(data)
		}
		if err != nil {
			fail(err)
		}
	}
	if status() == nil && prev.valid && prev.end != shard.Start() {
		local = &BoundaryMismatchError{Direction: lr.Direction, Rank: rank, Peer: rank - 1,
			Reason: fmt.Sprintf("previous run ends at %d, shard starts at %d", prev.end, shard.Start())}
	}
	if status() == nil && len(lr.Runs) > 0 {
		first := lr.Runs[0]
		lr.mergesWithPrev = prev.valid && prev.key == first.Key && prev.end == first.Start
	}
	if rank < size-1 {
		out := prev
		if len(lr.Runs) > 0 {
			last := lr.Runs[len(lr.Runs)-1]
			out = tail{valid: true, key: last.Key, end: last.End}
		}
		if err := comm.Send(ctx, rank+1, out.pack(), status()); err != nil {
			fail(err)
		}
	}

	// backward pass
	var next head
	if rank < size-1 {
		data, err := comm.Recv(ctx, rank+1)
		if err == nil {
			next, err = unpackHead(data)
		}
		if err != nil {
			fail(err)
		}
	}
	if status() == nil && next.valid && len(lr.Runs) > 0 {
		last := &lr.Runs[len(lr.Runs)-1]
		switch {
		case next.start != shard.End():
			local = &BoundaryMismatchError{Direction: lr.Direction, Rank: rank, Peer: rank + 1,
				Reason: fmt.Sprintf("next run starts at %d, shard ends at %d", next.start, shard.End())}
		case next.mergesWithPrev != (last.Key == next.key && last.End == next.start):
			local = &BoundaryMismatchError{Direction: lr.Direction, Rank: rank, Peer: rank + 1,
				Reason: fmt.Sprintf("merge decision differs for node %d at edge %d (peer merges: %v)",
					next.key, next.start, next.mergesWithPrev)}
		case next.mergesWithPrev:
			last.End = next.leadingEnd
		}
	}
	if rank > 0 {
		out := next
		if len(lr.Runs) > 0 {
			first := lr.Runs[0]
			out = head{valid: true, key: first.Key, start: first.Start, leadingEnd: first.End, mergesWithPrev: lr.mergesWithPrev}
		}
		if err := comm.Send(ctx, rank-1, out.pack(), status()); err != nil {
			fail(err)
		}
	}

	if local == nil && inherited == nil && lr.mergesWithPrev {
		lr.Counts[lr.Runs[0].Key]--
		lr.Runs = lr.Runs[1:]
	}

	if err := comm.Barrier(ctx, local); err != nil {
		if local != nil {
			return local
		}
		return err
	}
	return nil
}
