package aio

import (
	"golang.org/x/sys/unix"

	"github.com/go-vserial/vserial/internal/constants"
	"github.com/go-vserial/vserial/iovec"
)

// needsBounce reports whether cb must take the misaligned direct-I/O
// path: only relevant to Preadv/Pwritev, triggered when the offset, any
// iovec base, or any iovec length violates sectorSize alignment.
func needsBounce[T any](cb *AioCb[T], sectorSize int) bool {
	if cb.Opcode != OpPreadv && cb.Opcode != OpPwritev {
		return false
	}
	if cb.Offset%int64(sectorSize) != 0 {
		return true
	}
	for _, iov := range cb.Iovec {
		if iov.HVA%uint64(sectorSize) != 0 || iov.Len%uint64(sectorSize) != 0 {
			return true
		}
	}
	return false
}

// rwBounce handles misaligned direct I/O: stage the request through
// a single page-aligned host buffer so the kernel sees that buffer
// instead of the caller's iovecs. cb.Offset and cb.NBytes are passed to
// the one pread/pwrite unchanged. It always completes cb exactly once, and always frees
// the bounce buffer, including on every error exit.
func (e *Engine[T]) rwBounce(cb *AioCb[T]) {
	e.observer.ObserveBounce()

	length := int(cb.NBytes)
	bounce, free, err := allocAligned(length, constants.PageSize)
	if err != nil {
		e.observer.ObserveCompletion(cb.Opcode, -1, false)
		e.complete(cb, -1)
		return
	}
	defer free()

	switch cb.Opcode {
	case OpPwritev:
		iovec.IovToBuf(cb.Iovec, bounce)
		n, werr := unix.Pwrite(cb.FileFD, bounce, cb.Offset)
		if werr != nil || n != length {
			e.observer.ObserveCompletion(cb.Opcode, -1, false)
			e.complete(cb, -1)
			return
		}
		e.observer.ObserveCompletion(cb.Opcode, int64(n), true)
		e.complete(cb, 0)
	case OpPreadv:
		n, rerr := unix.Pread(cb.FileFD, bounce, cb.Offset)
		if rerr != nil || n != length {
			e.observer.ObserveCompletion(cb.Opcode, -1, false)
			e.complete(cb, -1)
			return
		}
		iovec.IovFromBuf(cb.Iovec, bounce[:n])
		e.observer.ObserveCompletion(cb.Opcode, int64(n), true)
		e.complete(cb, 0)
	default:
		e.observer.ObserveCompletion(cb.Opcode, -1, false)
		e.complete(cb, -1)
	}
}

// allocAligned allocates a page-aligned buffer of at least size bytes
// via an anonymous mmap (mmap always returns page-aligned memory),
// returning a free function that munmaps it.
func allocAligned(size int, pageSize int) ([]byte, func(), error) {
	if size <= 0 {
		size = pageSize
	}
	length := ((size + pageSize - 1) / pageSize) * pageSize
	buf, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, func() {}, err
	}
	return buf[:size], func() { unix.Munmap(buf) }, nil
}
