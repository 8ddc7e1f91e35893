// Package collective provides the process-group runtime used by the index
// builder: a fixed set of ranks that execute the same sequence of collective
// operations in lock step.
//
// Every collective takes a status argument. A rank that has failed locally
// still calls the collective and passes its error; the operation then
// completes on every rank with an *AbortError naming the lowest failing rank,
// so no peer is left blocked on a step that will never finish. An aborted
// group stays aborted: every later operation fails immediately.
package collective

import (
	"context"
	"fmt"

	"github.com/CVDpl/go-edgeindex/internal/common"
)

// Comm is one rank's handle on a process group.
type Comm interface {
	// Rank returns this process's ordinal in [0, Size()).
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// Barrier blocks until every rank has reached it.
	Barrier(ctx context.Context, status error) error

	// AllReduceSum returns the element-wise sum of vals over all ranks.
	// Every rank must pass a vector of the same length.
	AllReduceSum(ctx context.Context, vals []uint64, status error) ([]uint64, error)

	// ExScanSum returns, element-wise, the sum of vals over ranks lower than
	// this one. Rank 0 receives zeros.
	ExScanSum(ctx context.Context, vals []uint64, status error) ([]uint64, error)

	// Bcast returns root's payload on every rank.
	Bcast(ctx context.Context, root int, payload []byte, status error) ([]byte, error)

	// Send delivers payload to dest without waiting for it to be received.
	// A non-nil status is delivered instead of the payload and surfaces as an
	// *AbortError from the matching Recv.
	Send(ctx context.Context, dest int, payload []byte, status error) error

	// Recv blocks until a message from src arrives.
	Recv(ctx context.Context, src int) ([]byte, error)

	// Close releases the rank's resources. Closing any rank of a group that
	// is still running aborts the others.
	Close() error
}

type abortCode uint8

const (
	codePeerError abortCode = iota
	codeMismatch
	codeCanceled
	codeDisconnected
)

// AbortError reports that a collective did not complete. Rank is the rank
// whose failure caused the abort.
type AbortError struct {
	Rank   int
	Reason string
	code   abortCode
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("collective aborted by rank %d: %s", e.Rank, e.Reason)
}

// Unwrap maps the abort cause onto the package sentinels so callers can use
// errors.Is.
func (e *AbortError) Unwrap() error {
	switch e.code {
	case codeMismatch:
		return common.ErrCollectiveMismatch
	case codeCanceled:
		return common.ErrCanceled
	case codeDisconnected:
		return common.ErrDisconnected
	default:
		return common.ErrAborted
	}
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return fmt.Errorf("%w: %d not in [0,%d)", common.ErrInvalidRank, rank, size)
	}
	return nil
}

func statusString(status error) string {
	if status == nil {
		return ""
	}
	if s := status.Error(); s != "" {
		return s
	}
	return "unknown error"
}
