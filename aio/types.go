// Package aio implements a queue-pair-driven asynchronous I/O engine:
// a bounded in-flight scheduler layered over two interchangeable kernel
// backends (an io_uring-style ring and classic io_submit/io_getevents
// aio), with per-request completion callbacks and bounce-buffering for
// misaligned direct I/O.
package aio

import "github.com/go-vserial/vserial/iovec"

// OpCode is the operation a control block performs.
type OpCode int

const (
	OpNoop OpCode = iota
	OpPreadv
	OpPwritev
	OpFdsync
)

func (op OpCode) String() string {
	switch op {
	case OpNoop:
		return "noop"
	case OpPreadv:
		return "preadv"
	case OpPwritev:
		return "pwritev"
	case OpFdsync:
		return "fdsync"
	default:
		return "unknown"
	}
}

// AioCb is a single asynchronous I/O control block. T is a caller
// payload carried through to the completion callback; callers that
// close over their per-request context in the completion function can
// leave it empty.
type AioCb[T any] struct {
	FileFD     int
	Opcode     OpCode
	Iovec      []iovec.Iovec
	Offset     int64
	NBytes     int64
	UserData   uint64
	CompleteCB T
	LastAio    bool
}

// TotalIovecLen returns the sum of iov.Len across the control block's
// iovec list, used to validate the Preadv/Pwritev invariant that it
// equals NBytes.
func (cb *AioCb[T]) TotalIovecLen() uint64 {
	return iovec.TotalLen(cb.Iovec)
}

// AioEvent is a single completion reported by a backend.
type AioEvent struct {
	UserData uint64
	Status   int32
	Res      int64
}

// Success reports whether the event represents a successful completion
// of a request whose expected byte count was nbytes.
func (e AioEvent) Success(nbytes int64) bool {
	return e.Status == 0 && e.Res == nbytes
}

// CompleteFunc is invoked exactly once per submitted request, with res
// equal to either a non-negative byte count or -1 on failure. It is a
// single function attached to the engine (not to each control block);
// cb.CompleteCB carries whatever per-request payload the caller wants
// to recover inside it.
type CompleteFunc[T any] func(cb *AioCb[T], res int64)
