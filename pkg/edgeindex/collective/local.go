package collective

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/CVDpl/go-edgeindex/internal/common"
)

// hub gathers one contribution per rank for each collective round and
// hands every rank its combined result. It backs the in-process group and
// the coordinator side of the TCP group.
type hub struct {
	size  int
	abort *abortSignal

	mu    sync.Mutex
	round *round
}

type round struct {
	contribs []frame
	seen     []bool
	have     int
	done     chan struct{}
	results  []frame
}

func newHub(size int, abort *abortSignal) *hub {
	return &hub{size: size, abort: abort}
}

// exchange contributes f for rank f.From and waits for the round to close.
func (h *hub) exchange(ctx context.Context, f frame) (frame, error) {
	h.mu.Lock()
	select {
	case <-h.abort.done():
		h.mu.Unlock()
		return frame{}, h.abort.cause()
	default:
	}
	if h.round == nil {
		h.round = &round{
			contribs: make([]frame, h.size),
			seen:     make([]bool, h.size),
			done:     make(chan struct{}),
		}
	}
	r := h.round
	if r.seen[f.From] {
		h.mu.Unlock()
		err := &AbortError{Rank: f.From, Reason: fmt.Sprintf("entered %s#%d twice", f.Op, f.Seq), code: codeMismatch}
		h.abort.trigger(err)
		return frame{}, err
	}
	r.seen[f.From] = true
	r.contribs[f.From] = f
	r.have++
	if r.have == h.size {
		r.results = combine(r.contribs)
		h.round = nil
		close(r.done)
		// A failed round ends the group: later operations fail fast
		// instead of waiting for ranks that have already returned.
		if r.results[0].Op == opAbort {
			h.abort.trigger(r.results[0].abortError())
		}
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-h.abort.done():
		// a round that closed concurrently with the abort still counts
		select {
		case <-r.done:
		default:
			return frame{}, h.abort.cause()
		}
	case <-ctx.Done():
		err := &AbortError{Rank: f.From, Reason: ctx.Err().Error(), code: codeCanceled}
		h.abort.trigger(err)
		return frame{}, err
	}
	return r.results[f.From], nil
}

// LocalGroup is a process group whose ranks are goroutines of one process.
type LocalGroup struct {
	hub   *hub
	abort *abortSignal
	comms []*localComm
}

// NewLocalGroup creates a group of size ranks. Each rank must be driven by
// its own goroutine.
func NewLocalGroup(size int) (*LocalGroup, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: group size %d", common.ErrInvalidRank, size)
	}
	abort := newAbortSignal()
	g := &LocalGroup{hub: newHub(size, abort), abort: abort}
	g.comms = make([]*localComm, size)
	for r := range g.comms {
		g.comms[r] = &localComm{group: g, rank: r, mbox: newMailbox(common.DefaultMailboxDepth, abort)}
	}
	return g, nil
}

// Comm returns the handle for rank.
func (g *LocalGroup) Comm(rank int) Comm { return g.comms[rank] }

// Size returns the number of ranks.
func (g *LocalGroup) Size() int { return len(g.comms) }

// Abort stops the group; every pending and future operation fails.
func (g *LocalGroup) Abort(reason string) {
	g.abort.trigger(&AbortError{Rank: -1, Reason: reason, code: codeCanceled})
}

type localComm struct {
	group  *LocalGroup
	rank   int
	seq    uint64
	mbox   *mailbox
	closed bool
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return len(c.group.comms) }

func (c *localComm) collective(ctx context.Context, o op, root int, payload []byte, status error) ([]byte, error) {
	if c.closed {
		return nil, common.ErrGroupClosed
	}
	c.seq++
	f := collectiveFrame(o, c.seq, c.rank, root, payload, status)
	resp, err := c.group.hub.exchange(ctx, f)
	if err != nil {
		return nil, err
	}
	return resp.result()
}

func (c *localComm) Barrier(ctx context.Context, status error) error {
	_, err := c.collective(ctx, opBarrier, 0, nil, status)
	return err
}

func (c *localComm) AllReduceSum(ctx context.Context, vals []uint64, status error) ([]uint64, error) {
	return unpackVector(c.collective(ctx, opAllReduceSum, 0, packVector(vals), status))
}

func (c *localComm) ExScanSum(ctx context.Context, vals []uint64, status error) ([]uint64, error) {
	return unpackVector(c.collective(ctx, opExScanSum, 0, packVector(vals), status))
}

func (c *localComm) Bcast(ctx context.Context, root int, payload []byte, status error) ([]byte, error) {
	return c.collective(ctx, opBcast, root, payload, status)
}

func (c *localComm) Send(ctx context.Context, dest int, payload []byte, status error) error {
	if c.closed {
		return common.ErrGroupClosed
	}
	if err := checkRank(dest, c.Size()); err != nil {
		return err
	}
	if err := c.group.comms[dest].mbox.put(ctx, sendFrame(c.rank, dest, payload, status)); err != nil {
		return c.canceled(err)
	}
	return nil
}

func (c *localComm) Recv(ctx context.Context, src int) ([]byte, error) {
	if c.closed {
		return nil, common.ErrGroupClosed
	}
	if err := checkRank(src, c.Size()); err != nil {
		return nil, err
	}
	f, err := c.mbox.get(ctx, src)
	if err != nil {
		return nil, c.canceled(err)
	}
	return f.message()
}

// canceled turns a context error into a group abort so peers blocked on
// this rank are released.
func (c *localComm) canceled(err error) error {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae
	}
	ae = &AbortError{Rank: c.rank, Reason: err.Error(), code: codeCanceled}
	c.group.abort.trigger(ae)
	return ae
}

// Close marks the rank closed. If other ranks are still waiting on this
// one they are aborted.
func (c *localComm) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	h := c.group.hub
	h.mu.Lock()
	pending := h.round != nil && !h.round.seen[c.rank]
	h.mu.Unlock()
	if pending {
		c.group.abort.trigger(&AbortError{Rank: c.rank, Reason: "rank closed during a collective", code: codeDisconnected})
	}
	return nil
}
