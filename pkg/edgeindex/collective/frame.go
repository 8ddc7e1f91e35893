package collective

import (
	"fmt"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/internal/encoding"
)

type op uint8

const (
	opBarrier op = iota + 1
	opAllReduceSum
	opExScanSum
	opBcast
	opSend
	opAbort
	opHello
	opShutdown
)

func (o op) String() string {
	switch o {
	case opBarrier:
		return "barrier"
	case opAllReduceSum:
		return "allreduce"
	case opExScanSum:
		return "exscan"
	case opBcast:
		return "bcast"
	case opSend:
		return "send"
	case opAbort:
		return "abort"
	case opHello:
		return "hello"
	case opShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

func (o op) collective() bool {
	return o >= opBarrier && o <= opBcast
}

// frame is the unit exchanged between ranks, in process or on the wire.
// For collectives To carries the root (bcast) and From the contributing
// rank; for point-to-point messages To is the destination.
type frame struct {
	Op      op        `cbor:"1,keyasint"`
	Seq     uint64    `cbor:"2,keyasint"`
	From    int       `cbor:"3,keyasint"`
	To      int       `cbor:"4,keyasint"`
	Err     string    `cbor:"5,keyasint,omitempty"`
	Code    abortCode `cbor:"6,keyasint,omitempty"`
	Payload []byte    `cbor:"7,keyasint,omitempty"`
}

func (f frame) abortError() *AbortError {
	return &AbortError{Rank: f.From, Reason: f.Err, code: f.Code}
}

func collectiveFrame(o op, seq uint64, rank, root int, payload []byte, status error) frame {
	f := frame{Op: o, Seq: seq, From: rank, To: root, Payload: payload}
	if status != nil {
		f.Err = statusString(status)
		f.Payload = nil
	}
	return f
}

func sendFrame(rank, dest int, payload []byte, status error) frame {
	f := frame{Op: opSend, From: rank, To: dest, Payload: payload}
	if status != nil {
		f.Err = statusString(status)
		f.Payload = nil
	}
	return f
}

func packVector(vals []uint64) []byte { return encoding.PackUvarints(vals) }

func unpackVector(data []byte, err error) ([]uint64, error) {
	if err != nil {
		return nil, err
	}
	return encoding.UnpackUvarints(data)
}

// result unpacks a collective reply.
func (f frame) result() ([]byte, error) {
	if f.Op == opAbort {
		return nil, f.abortError()
	}
	return f.Payload, nil
}

// message unpacks a point-to-point frame. A sender's status arrives as an
// *AbortError naming the sender.
func (f frame) message() ([]byte, error) {
	if f.Err != "" {
		return nil, f.abortError()
	}
	return f.Payload, nil
}

// combine computes every rank's result for one collective round. contribs
// is indexed by rank. It is a pure function of its input, so every
// transport produces identical results for identical contributions.
func combine(contribs []frame) []frame {
	out := make([]frame, len(contribs))
	fail := func(from int, code abortCode, reason string) []frame {
		for i := range out {
			out[i] = frame{Op: opAbort, Seq: contribs[i].Seq, From: from, To: i, Err: reason, Code: code}
		}
		return out
	}

	first := contribs[0]
	for i, c := range contribs {
		if c.Op != first.Op || c.Seq != first.Seq || c.To != first.To {
			return fail(i, codeMismatch, fmt.Sprintf("rank 0 called %s#%d(root %d), rank %d called %s#%d(root %d)",
				first.Op, first.Seq, first.To, i, c.Op, c.Seq, c.To))
		}
	}
	for i, c := range contribs {
		if c.Err != "" {
			return fail(i, c.Code, c.Err)
		}
	}

	reply := func(payload func(rank int) []byte) []frame {
		for i := range out {
			out[i] = frame{Op: first.Op, Seq: first.Seq, From: i, To: first.To, Payload: payload(i)}
		}
		return out
	}

	switch first.Op {
	case opBarrier:
		return reply(func(int) []byte { return nil })

	case opBcast:
		if err := checkRank(first.To, len(contribs)); err != nil {
			return fail(0, codeMismatch, err.Error())
		}
		root := contribs[first.To].Payload
		return reply(func(int) []byte { return root })

	case opAllReduceSum, opExScanSum:
		vecs := make([][]uint64, len(contribs))
		for i, c := range contribs {
			v, err := encoding.UnpackUvarints(c.Payload)
			if err != nil {
				return fail(i, codePeerError, fmt.Sprintf("decode %s contribution: %v", first.Op, err))
			}
			if i > 0 && len(v) != len(vecs[0]) {
				return fail(i, codeMismatch, fmt.Sprintf("%s length %d on rank %d, %d on rank 0",
					first.Op, len(v), i, len(vecs[0])))
			}
			vecs[i] = v
		}
		if first.Op == opAllReduceSum {
			sum := make([]uint64, len(vecs[0]))
			for _, v := range vecs {
				for k, x := range v {
					sum[k] += x
				}
			}
			packed := encoding.PackUvarints(sum)
			return reply(func(int) []byte { return packed })
		}
		acc := make([]uint64, len(vecs[0]))
		scans := make([][]byte, len(vecs))
		for i, v := range vecs {
			scans[i] = encoding.PackUvarints(acc)
			next := make([]uint64, len(acc))
			for k := range acc {
				next[k] = acc[k] + v[k]
			}
			acc = next
		}
		return reply(func(rank int) []byte { return scans[rank] })
	}

	return fail(0, codeMismatch, fmt.Sprintf("%v: %s is not a collective", common.ErrCollectiveMismatch, first.Op))
}
