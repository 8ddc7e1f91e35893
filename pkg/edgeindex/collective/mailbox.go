package collective

import (
	"context"
	"sync"

	"github.com/CVDpl/go-edgeindex/internal/common"
)

// abortSignal is closed once when the group can no longer make progress.
// Every blocking wait in the package selects on it.
type abortSignal struct {
	once sync.Once
	ch   chan struct{}
	err  *AbortError
}

func newAbortSignal() *abortSignal {
	return &abortSignal{ch: make(chan struct{})}
}

// trigger records the first cause; later causes are ignored.
func (s *abortSignal) trigger(err *AbortError) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
	})
}

func (s *abortSignal) done() <-chan struct{} { return s.ch }

// cause returns the recorded abort. Only valid after done() is closed.
func (s *abortSignal) cause() *AbortError { return s.err }

// mailbox holds point-to-point frames addressed to one rank, one FIFO
// queue per sender.
type mailbox struct {
	mu    sync.Mutex
	boxes map[int]chan frame
	depth int
	abort *abortSignal
}

func newMailbox(depth int, abort *abortSignal) *mailbox {
	if depth <= 0 {
		depth = common.DefaultMailboxDepth
	}
	return &mailbox{boxes: make(map[int]chan frame), depth: depth, abort: abort}
}

func (m *mailbox) queue(src int) chan frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.boxes[src]
	if !ok {
		q = make(chan frame, m.depth)
		m.boxes[src] = q
	}
	return q
}

func (m *mailbox) put(ctx context.Context, f frame) error {
	select {
	case m.queue(f.From) <- f:
		return nil
	case <-m.abort.done():
		return m.abort.cause()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mailbox) get(ctx context.Context, src int) (frame, error) {
	q := m.queue(src)
	// Messages already queued are delivered even after an abort so that a
	// peer's error frame is reported ahead of the generic abort.
	select {
	case f := <-q:
		return f, nil
	default:
	}
	select {
	case f := <-q:
		return f, nil
	case <-m.abort.done():
		return frame{}, m.abort.cause()
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}
