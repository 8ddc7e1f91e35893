package collective

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CVDpl/go-edgeindex/internal/common"
)

const (
	handshakeTimeout  = 30 * time.Second
	dialRetryInterval = 100 * time.Millisecond
	closeGracePeriod  = 30 * time.Second
	shutdownWait      = 2 * time.Second
)

// peerConn is the coordinator's connection to one remote rank.
type peerConn struct {
	rank int
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func (p *peerConn) write(f frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return writeFrame(p.conn, f)
}

// tcpRoot is rank 0 of a TCP group. It owns the hub that combines every
// collective and relays point-to-point frames between remote ranks.
type tcpRoot struct {
	size   int
	hub    *hub
	abort  *abortSignal
	mbox   *mailbox
	peers  []*peerConn
	logger common.Logger

	seq      uint64
	closing  atomic.Bool
	announce sync.Once
	cancel   context.CancelFunc
	serving  *errgroup.Group
}

// Listen hosts rank 0 of a group of size ranks on addr and blocks until the
// other ranks have connected with Dial.
func Listen(ctx context.Context, addr string, size int, logger common.Logger) (Comm, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, size, logger)
}

// Serve is Listen on an existing listener. The listener is closed once the
// group is formed.
func Serve(ctx context.Context, ln net.Listener, size int, logger common.Logger) (Comm, error) {
	defer ln.Close()
	if size <= 0 {
		return nil, fmt.Errorf("%w: group size %d", common.ErrInvalidRank, size)
	}
	logger = common.OrNull(logger)

	abort := newAbortSignal()
	root := &tcpRoot{
		size:   size,
		hub:    newHub(size, abort),
		abort:  abort,
		mbox:   newMailbox(common.DefaultMailboxDepth, abort),
		peers:  make([]*peerConn, size),
		logger: logger,
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for connected := 1; connected < size; {
		conn, err := ln.Accept()
		if err != nil {
			root.closeAll()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("waiting for %d ranks: %w", size-connected, ctx.Err())
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		p, err := acceptPeer(conn, size)
		if err != nil {
			logger.Warn("rejected rank connection", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			continue
		}
		if root.peers[p.rank] != nil {
			logger.Warn("rejected duplicate rank", "rank", p.rank, "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		root.peers[p.rank] = p
		connected++
		logger.Debug("rank connected", "rank", p.rank, "remote", conn.RemoteAddr().String(), "connected", connected, "size", size)
	}

	// The group exists only once every rank has been acknowledged.
	for _, p := range root.peers[1:] {
		if err := p.write(frame{Op: opHello, From: 0, To: size}); err != nil {
			root.closeAll()
			return nil, fmt.Errorf("acknowledge rank %d: %w", p.rank, err)
		}
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	root.cancel = cancel
	root.serving = &errgroup.Group{}
	for _, p := range root.peers[1:] {
		p := p
		root.serving.Go(func() error { return root.serve(serveCtx, p) })
	}
	go root.watch()

	logger.Info("process group formed", "size", size)
	return root, nil
}

func acceptPeer(conn net.Conn, size int) (*peerConn, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}
	r := bufio.NewReader(conn)
	if err := readPreamble(r); err != nil {
		return nil, err
	}
	hello, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if hello.Op != opHello {
		return nil, fmt.Errorf("expected hello, got %s", hello.Op)
	}
	if hello.To != size {
		return nil, fmt.Errorf("rank %d expects group size %d, coordinator has %d", hello.From, hello.To, size)
	}
	if hello.From == 0 {
		return nil, fmt.Errorf("%w: rank 0 is the coordinator", common.ErrInvalidRank)
	}
	if err := checkRank(hello.From, size); err != nil {
		return nil, err
	}
	if err := writePreamble(conn); err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return &peerConn{rank: hello.From, conn: conn, r: r}, nil
}

// serve reads one remote rank's frames until it disconnects.
func (t *tcpRoot) serve(ctx context.Context, p *peerConn) error {
	for {
		f, err := readFrame(p.r)
		if err != nil {
			if t.closing.Load() {
				return nil
			}
			t.abort.trigger(&AbortError{Rank: p.rank, Reason: err.Error(), code: codeDisconnected})
			return nil
		}
		switch {
		case f.Op.collective():
			f.From = p.rank
			resp, err := t.hub.exchange(ctx, f)
			if err != nil {
				return nil
			}
			if err := p.write(resp); err != nil {
				t.abort.trigger(&AbortError{Rank: p.rank, Reason: err.Error(), code: codeDisconnected})
				return nil
			}
		case f.Op == opSend:
			f.From = p.rank
			if err := t.route(ctx, f); err != nil {
				t.abort.trigger(&AbortError{Rank: f.To, Reason: err.Error(), code: codeDisconnected})
				return nil
			}
		case f.Op == opShutdown:
			t.abort.trigger(f.abortError())
			return nil
		default:
			t.logger.Warn("unexpected frame from rank", "rank", p.rank, "op", f.Op.String())
		}
	}
}

func (t *tcpRoot) route(ctx context.Context, f frame) error {
	if err := checkRank(f.To, t.size); err != nil {
		return err
	}
	if f.To == 0 {
		return t.mbox.put(ctx, f)
	}
	return t.peers[f.To].write(f)
}

// watch tells every remote rank about an abort and tears the group down.
func (t *tcpRoot) watch() {
	<-t.abort.done()
	if t.closing.Load() {
		return
	}
	t.shutdown()
	t.closeAll()
}

// shutdown sends the abort cause to every remote rank, once. Connections
// must stay open until it returns, or peers see a bare hangup and cannot
// tell which rank failed.
func (t *tcpRoot) shutdown() {
	t.announce.Do(func() {
		cause := t.abort.cause()
		t.logger.Warn("process group aborted", "rank", cause.Rank, "reason", cause.Reason)
		for _, p := range t.peers[1:] {
			_ = p.write(frame{Op: opShutdown, From: cause.Rank, To: p.rank, Err: cause.Reason, Code: cause.code})
		}
	})
}

func (t *tcpRoot) closeAll() {
	for _, p := range t.peers {
		if p != nil {
			p.conn.Close()
		}
	}
}

func (t *tcpRoot) Rank() int { return 0 }
func (t *tcpRoot) Size() int { return t.size }

func (t *tcpRoot) collective(ctx context.Context, o op, root int, payload []byte, status error) ([]byte, error) {
	if t.closing.Load() {
		return nil, common.ErrGroupClosed
	}
	t.seq++
	resp, err := t.hub.exchange(ctx, collectiveFrame(o, t.seq, 0, root, payload, status))
	if err != nil {
		return nil, err
	}
	return resp.result()
}

func (t *tcpRoot) Barrier(ctx context.Context, status error) error {
	_, err := t.collective(ctx, opBarrier, 0, nil, status)
	return err
}

func (t *tcpRoot) AllReduceSum(ctx context.Context, vals []uint64, status error) ([]uint64, error) {
	return unpackVector(t.collective(ctx, opAllReduceSum, 0, packVector(vals), status))
}

func (t *tcpRoot) ExScanSum(ctx context.Context, vals []uint64, status error) ([]uint64, error) {
	return unpackVector(t.collective(ctx, opExScanSum, 0, packVector(vals), status))
}

func (t *tcpRoot) Bcast(ctx context.Context, root int, payload []byte, status error) ([]byte, error) {
	return t.collective(ctx, opBcast, root, payload, status)
}

func (t *tcpRoot) Send(ctx context.Context, dest int, payload []byte, status error) error {
	if t.closing.Load() {
		return common.ErrGroupClosed
	}
	if err := t.route(ctx, sendFrame(0, dest, payload, status)); err != nil {
		return t.canceled(err)
	}
	return nil
}

func (t *tcpRoot) Recv(ctx context.Context, src int) ([]byte, error) {
	if t.closing.Load() {
		return nil, common.ErrGroupClosed
	}
	if err := checkRank(src, t.size); err != nil {
		return nil, err
	}
	f, err := t.mbox.get(ctx, src)
	if err != nil {
		return nil, t.canceled(err)
	}
	return f.message()
}

func (t *tcpRoot) canceled(err error) error {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae
	}
	ae = &AbortError{Rank: 0, Reason: err.Error(), code: codeCanceled}
	t.abort.trigger(ae)
	return ae
}

// Close waits for the remote ranks to hang up, so that replies to the final
// collective are not cut off, then releases the connections.
func (t *tcpRoot) Close() error {
	if t.closing.Swap(true) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		t.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-t.abort.done():
		t.shutdown()
	case <-time.After(closeGracePeriod):
		t.logger.Warn("ranks did not disconnect before close", "grace", closeGracePeriod.String())
	}
	t.cancel()
	t.closeAll()
	t.abort.trigger(&AbortError{Rank: 0, Reason: "group closed", code: codeDisconnected})
	return nil
}

// tcpPeer is a non-coordinator rank of a TCP group.
type tcpPeer struct {
	rank   int
	size   int
	conn   net.Conn
	wmu    sync.Mutex
	resp   chan frame
	mbox   *mailbox
	abort  *abortSignal
	logger common.Logger

	seq    uint64
	closed atomic.Bool
}

// Dial joins the group hosted at addr as rank. It retries until the
// coordinator accepts or ctx ends, and returns once all ranks have joined.
func Dial(ctx context.Context, addr string, rank, size int, logger common.Logger) (Comm, error) {
	if err := checkRank(rank, size); err != nil {
		return nil, err
	}
	if rank == 0 {
		return nil, fmt.Errorf("%w: rank 0 must Listen", common.ErrInvalidRank)
	}
	logger = common.OrNull(logger)

	var d net.Dialer
	var conn net.Conn
	for {
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial coordinator %s: %w", addr, err)
		case <-time.After(dialRetryInterval):
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := bufio.NewReader(conn)
	if err := writePreamble(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := writeFrame(conn, frame{Op: opHello, From: rank, To: size}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := readPreamble(r); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	ack, err := readFrame(r)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for group: %w", ctx.Err())
		}
		return nil, fmt.Errorf("waiting for group: %w", err)
	}
	if ack.Op != opHello || ack.To != size {
		conn.Close()
		return nil, fmt.Errorf("handshake: unexpected %s frame", ack.Op)
	}

	abort := newAbortSignal()
	p := &tcpPeer{
		rank:   rank,
		size:   size,
		conn:   conn,
		resp:   make(chan frame, 1),
		mbox:   newMailbox(common.DefaultMailboxDepth, abort),
		abort:  abort,
		logger: logger,
	}
	go p.read(r)
	logger.Debug("joined process group", "rank", rank, "size", size, "coordinator", addr)
	return p, nil
}

func (p *tcpPeer) read(r *bufio.Reader) {
	for {
		f, err := readFrame(r)
		if err != nil {
			// a shutdown frame would have arrived before the hangup, so the
			// failing rank is unknown here
			reason := "coordinator link lost: " + err.Error()
			if p.closed.Load() {
				reason = "group closed"
			}
			p.abort.trigger(&AbortError{Rank: 0, Reason: reason, code: codeDisconnected})
			return
		}
		switch {
		case f.Op == opSend:
			if err := p.mbox.put(context.Background(), f); err != nil {
				return
			}
		case f.Op == opShutdown:
			p.abort.trigger(f.abortError())
			return
		default:
			p.resp <- f
		}
	}
}

func (p *tcpPeer) write(f frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return writeFrame(p.conn, f)
}

func (p *tcpPeer) Rank() int { return p.rank }
func (p *tcpPeer) Size() int { return p.size }

func (p *tcpPeer) collective(ctx context.Context, o op, root int, payload []byte, status error) ([]byte, error) {
	if p.closed.Load() {
		return nil, common.ErrGroupClosed
	}
	p.seq++
	select {
	case <-p.abort.done():
		return nil, p.abort.cause()
	default:
	}
	if err := p.write(collectiveFrame(o, p.seq, p.rank, root, payload, status)); err != nil {
		return nil, p.fail(err, codeDisconnected)
	}
	select {
	case f := <-p.resp:
		return f.result()
	case <-p.abort.done():
		select {
		case f := <-p.resp:
			return f.result()
		default:
			return nil, p.abort.cause()
		}
	case <-ctx.Done():
		return nil, p.fail(ctx.Err(), codeCanceled)
	}
}

// fail aborts the whole group on behalf of this rank. If the group is
// already down, the original cause is reported instead. A failed write
// usually means the coordinator hung up, so the reader gets a moment to
// deliver its shutdown frame first.
func (p *tcpPeer) fail(err error, code abortCode) error {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae
	}
	wait := time.Duration(0)
	if code == codeDisconnected {
		wait = shutdownWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-p.abort.done():
		return p.abort.cause()
	case <-timer.C:
	}
	select {
	case <-p.abort.done():
		return p.abort.cause()
	default:
	}
	ae = &AbortError{Rank: p.rank, Reason: err.Error(), code: code}
	_ = p.write(frame{Op: opShutdown, From: p.rank, Err: ae.Reason, Code: code})
	p.abort.trigger(ae)
	return ae
}

func (p *tcpPeer) Barrier(ctx context.Context, status error) error {
	_, err := p.collective(ctx, opBarrier, 0, nil, status)
	return err
}

func (p *tcpPeer) AllReduceSum(ctx context.Context, vals []uint64, status error) ([]uint64, error) {
	return unpackVector(p.collective(ctx, opAllReduceSum, 0, packVector(vals), status))
}

func (p *tcpPeer) ExScanSum(ctx context.Context, vals []uint64, status error) ([]uint64, error) {
	return unpackVector(p.collective(ctx, opExScanSum, 0, packVector(vals), status))
}

func (p *tcpPeer) Bcast(ctx context.Context, root int, payload []byte, status error) ([]byte, error) {
	return p.collective(ctx, opBcast, root, payload, status)
}

func (p *tcpPeer) Send(ctx context.Context, dest int, payload []byte, status error) error {
	if p.closed.Load() {
		return common.ErrGroupClosed
	}
	if err := checkRank(dest, p.size); err != nil {
		return err
	}
	if err := p.write(sendFrame(p.rank, dest, payload, status)); err != nil {
		return p.fail(err, codeDisconnected)
	}
	return nil
}

func (p *tcpPeer) Recv(ctx context.Context, src int) ([]byte, error) {
	if p.closed.Load() {
		return nil, common.ErrGroupClosed
	}
	if err := checkRank(src, p.size); err != nil {
		return nil, err
	}
	f, err := p.mbox.get(ctx, src)
	if err != nil {
		return nil, p.fail(err, codeCanceled)
	}
	return f.message()
}

func (p *tcpPeer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.conn.Close()
}
