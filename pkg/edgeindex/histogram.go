package edgeindex

import (
	"context"

	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/collective"
)

// LocalHistogram counts the shard's edges per key under d.
func LocalHistogram(shard *EdgeShard, d Direction, numNodes uint64) ([]uint64, error) {
	counts := make([]uint64, numNodes)
	for i, k := range shard.Keys(d) {
		if k >= numNodes {
			return nil, &InvalidKeyError{Direction: d, Edge: shard.Start() + uint64(i), Key: k, NumNodes: numNodes}
		}
		counts[k]++
	}
	return counts, nil
}

// GlobalHistogram sums every rank's local histogram. All ranks receive the
// same result. A rank whose local histogram failed passes its error as
// status and the call fails everywhere.
func GlobalHistogram(ctx context.Context, comm collective.Comm, local []uint64, status error) ([]uint64, error) {
	return comm.AllReduceSum(ctx, local, status)
}
