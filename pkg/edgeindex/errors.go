package edgeindex

import (
	"fmt"
)

// ShardRangeError reports an edge partition that does not fit the edge
// list: bad rank or group size, bounds outside [0,Total), or source and
// target arrays of different lengths.
type ShardRangeError struct {
	Rank   int
	Size   int
	Start  uint64
	End    uint64
	Total  uint64
	Reason string
}

func (e *ShardRangeError) Error() string {
	return fmt.Sprintf("shard range: rank %d of %d, edges [%d,%d) of %d: %s",
		e.Rank, e.Size, e.Start, e.End, e.Total, e.Reason)
}

// InvalidKeyError reports an edge whose node id is not below the declared
// node count for the direction being built.
type InvalidKeyError struct {
	Direction Direction
	Edge      uint64
	Key       uint64
	NumNodes  uint64
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key: edge %d has %s node %d, declared node count is %d",
		e.Edge, e.Direction.KeyName(), e.Key, e.NumNodes)
}

// BoundaryMismatchError reports that two neighbouring ranks disagree about
// the runs crossing the edge-id boundary between them.
type BoundaryMismatchError struct {
	Direction Direction
	Rank      int
	Peer      int
	Reason    string
}

func (e *BoundaryMismatchError) Error() string {
	return fmt.Sprintf("boundary mismatch (%s): rank %d vs rank %d: %s",
		e.Direction, e.Rank, e.Peer, e.Reason)
}

// WriteConflictError reports write offsets that overlap or leave rows
// unwritten in an output dataset.
type WriteConflictError struct {
	Direction Direction
	Dataset   string
	Rank      int
	Reason    string
	Err       error
}

func (e *WriteConflictError) Error() string {
	if e.Dataset == "" {
		return fmt.Sprintf("write conflict (%s) on rank %d: %s", e.Direction, e.Rank, e.Reason)
	}
	return fmt.Sprintf("write conflict (%s) in %s on rank %d: %s", e.Direction, e.Dataset, e.Rank, e.Reason)
}

func (e *WriteConflictError) Unwrap() error { return e.Err }
