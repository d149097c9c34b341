package aio

import (
	"golang.org/x/sys/unix"

	"github.com/go-vserial/vserial/iovec"
)

// RWSync is the synchronous fallback path: for each iovec it issues a
// raw pread/pwrite at the running offset, advancing by the iovec's
// length on success and stopping at the first negative return. The
// completion function is invoked once with the final return value.
func (e *Engine[T]) RWSync(cb *AioCb[T]) {
	offset := cb.Offset
	var last int64 = 0

	for _, iov := range cb.Iovec {
		buf := iovec.Bytes(iov.HVA, iov.Len)
		var n int
		var err error
		switch cb.Opcode {
		case OpPwritev:
			n, err = unix.Pwrite(cb.FileFD, buf, offset)
		case OpPreadv:
			n, err = unix.Pread(cb.FileFD, buf, offset)
		default:
			e.complete(cb, -1)
			return
		}
		if err != nil || n < 0 {
			last = -1
			break
		}
		last = int64(n)
		offset += int64(n)
		if n < len(buf) {
			break
		}
	}
	e.complete(cb, last)
}

// FlushSync invokes fdatasync on the control block's file descriptor
// and completes with its result.
func (e *Engine[T]) FlushSync(cb *AioCb[T]) {
	if err := unix.Fdatasync(cb.FileFD); err != nil {
		e.complete(cb, -1)
		return
	}
	e.complete(cb, 0)
}
