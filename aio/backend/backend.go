// Package backend provides the two interchangeable AIO submission
// drivers the engine dispatches through: a ring-based backend for
// kernels exposing a submission/completion ring, and a classic backend
// issuing one io_submit syscall per batch. Both satisfy the same
// Backend contract so the engine never hard-codes which one is live.
package backend

import "github.com/go-vserial/vserial/iovec"

// OpCode mirrors aio.OpCode without importing the aio package (the
// engine owns a Backend, so the dependency runs engine -> backend only).
type OpCode int

const (
	OpNoop OpCode = iota
	OpPreadv
	OpPwritev
	OpFdsync
)

// Request is the kernel-facing projection of an aio.AioCb[T]: every
// field a backend needs to submit the I/O, with UserData already
// stamped to whatever identifier the engine uses to find its way back
// to the originating request on completion.
type Request struct {
	FileFD   int
	Opcode   OpCode
	Iovec    []iovec.Iovec
	Offset   int64
	NBytes   int64
	UserData uint64
}

// Event is a single reaped completion.
type Event struct {
	UserData uint64
	Status   int32
	Res      int64
}

// Backend is the contract both submission drivers satisfy.
type Backend interface {
	// Submit submits as many requests from batch as the backend
	// accepts in one call and returns how many were accepted. It may
	// submit a strict prefix of batch; it must fail only on hard
	// backend errors, never by silently dropping a request.
	Submit(batch []*Request) (int, error)

	// GetEvents drains completions that have become ready at the
	// shared completion event descriptor since the last call.
	GetEvents() ([]Event, error)

	// EventFD returns the file descriptor callers should poll/select on
	// to learn that GetEvents has work to do.
	EventFD() int

	// Close releases the backend's kernel resources.
	Close() error
}

// Name identifies a backend selection: "io_uring" selects the ring
// backend, any other value (including the empty string) selects the
// classic backend.
type Name string

const (
	NameIOURing Name = "io_uring"
	NameClassic Name = "classic"
)

// Config configures a new Backend.
type Config struct {
	// Name selects the backend; see NameIOURing / NameClassic.
	Name Name
	// Entries bounds the number of in-flight submissions, matching the
	// engine's max_events.
	Entries uint32
}
