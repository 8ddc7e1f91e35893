package collective

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/CVDpl/go-edgeindex/internal/common"
)

func tcpComms(t *testing.T, size int) []Comm {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	comms := make([]Comm, size)
	var g errgroup.Group
	g.Go(func() error {
		c, err := Serve(ctx, ln, size, common.NewNullLogger())
		comms[0] = c
		return err
	})
	for r := 1; r < size; r++ {
		r := r
		g.Go(func() error {
			c, err := Dial(ctx, addr, r, size, common.NewNullLogger())
			comms[r] = c
			return err
		})
	}
	require.NoError(t, g.Wait())
	return comms
}

func closeAll(comms []Comm) {
	// peers first so the coordinator is not left waiting for them
	for i := len(comms) - 1; i >= 0; i-- {
		comms[i].Close()
	}
}

func TestTCPGroupCollectives(t *testing.T) {
	comms := tcpComms(t, 4)
	defer closeAll(comms)

	errs := runGroup(t, comms, exerciseCollectives)
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
}

func TestTCPGroupSingleRank(t *testing.T) {
	comms := tcpComms(t, 1)
	defer closeAll(comms)

	errs := runGroup(t, comms, exerciseCollectives)
	require.NoError(t, errs[0])
}

func TestTCPGroupStatusAbortsEveryRank(t *testing.T) {
	comms := tcpComms(t, 3)
	defer closeAll(comms)

	errs := runGroup(t, comms, func(ctx context.Context, c Comm) error {
		var status error
		if c.Rank() == 1 {
			status = errors.New("invalid key")
		}
		_, err := c.ExScanSum(ctx, []uint64{1, 2}, status)
		return err
	})
	for r, err := range errs {
		var ae *AbortError
		require.ErrorAs(t, err, &ae, "rank %d", r)
		require.Equal(t, 1, ae.Rank)
		require.Contains(t, ae.Reason, "invalid key")
	}
}

func TestTCPGroupPeerCancellationAbortsGroup(t *testing.T) {
	comms := tcpComms(t, 3)
	defer closeAll(comms)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := runGroup(t, comms, func(_ context.Context, c Comm) error {
		if c.Rank() == 2 {
			// gives up waiting on a message instead of joining the barrier
			_, err := c.Recv(ctx, 0)
			return err
		}
		return c.Barrier(context.Background(), nil)
	})
	for r, err := range errs {
		var ae *AbortError
		require.ErrorAs(t, err, &ae, "rank %d", r)
		require.Equal(t, 2, ae.Rank)
	}
}

func TestTCPGroupPeerHangupNamesFailedRank(t *testing.T) {
	comms := tcpComms(t, 3)
	defer closeAll(comms)

	errs := runGroup(t, comms, func(ctx context.Context, c Comm) error {
		if c.Rank() == 2 {
			return c.Close()
		}
		return c.Barrier(ctx, nil)
	})
	require.NoError(t, errs[2])
	for r := 0; r < 2; r++ {
		var ae *AbortError
		require.ErrorAs(t, errs[r], &ae, "rank %d", r)
		require.Equal(t, 2, ae.Rank, "rank %d", r)
		require.ErrorIs(t, errs[r], common.ErrDisconnected)
	}
}

func TestTCPPeerReportsLostCoordinatorLink(t *testing.T) {
	comms := tcpComms(t, 2)
	defer closeAll(comms)

	// drop the connection without a shutdown frame
	comms[0].(*tcpRoot).closeAll()
	select {
	case <-comms[1].(*tcpPeer).abort.done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not notice the hangup")
	}

	err := comms[1].Barrier(context.Background(), nil)
	var ae *AbortError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, 0, ae.Rank)
	require.Contains(t, ae.Reason, "coordinator link lost")
	require.ErrorIs(t, err, common.ErrDisconnected)
}

func TestDialRejectsCoordinatorRank(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", 0, 2, nil)
	require.ErrorIs(t, err, common.ErrInvalidRank)
}

func TestFrameWireRoundTripAndCorruption(t *testing.T) {
	f := frame{Op: opAllReduceSum, Seq: 7, From: 3, To: 0, Payload: packVector([]uint64{1, 2, 3})}

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, f))
	got, err := readFrame(bufio.NewReader(bytes.NewReader(buf.Bytes())))
	require.NoError(t, err)
	require.Equal(t, f, got)

	raw := buf.Bytes()
	raw[len(raw)-5] ^= 0xFF
	_, err = readFrame(bufio.NewReader(bytes.NewReader(raw)))
	require.ErrorIs(t, err, common.ErrCRCMismatch)
}

func TestPreambleRejectsForeignMagic(t *testing.T) {
	err := readPreamble(bytes.NewReader([]byte{'H', 'T', 'T', 'P', 0, 1}))
	require.ErrorIs(t, err, common.ErrInvalidMagic)
}
