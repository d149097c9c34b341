// Package iovec provides the scatter/gather descriptor shared by the AIO
// engine and the virtio-serial device: a host virtual address paired with
// a byte length, plus the copy helpers built on top of it.
package iovec

import "unsafe"

// Iovec is a view into host memory already validated by the caller. It is
// immutable once constructed: nothing in this package mutates HVA or Len.
type Iovec struct {
	HVA uint64
	Len uint64
}

// memFromBuf copies buf into the host memory at hva. The caller is
// responsible for hva being reachable for len(buf) bytes.
func memFromBuf(buf []byte, hva uint64) {
	if len(buf) == 0 {
		return
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hva))), len(buf))
	copy(dst, buf)
}

// memToBuf copies len(buf) bytes of host memory starting at hva into buf.
func memToBuf(buf []byte, hva uint64) {
	if len(buf) == 0 {
		return
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hva))), len(buf))
	copy(buf, src)
}

// IovFromBuf scatters buf across iovecs, stopping at the shorter of the
// two, and returns the number of bytes actually written.
func IovFromBuf(iovecs []Iovec, buf []byte) int {
	start := 0
	for _, iov := range iovecs {
		if start >= len(buf) {
			break
		}
		end := start + int(iov.Len)
		if end > len(buf) {
			end = len(buf)
		}
		memFromBuf(buf[start:end], iov.HVA)
		start = end
	}
	return start
}

// IovToBuf is the dual of IovFromBuf: it gathers bytes from iovecs into
// buf, stopping at the shorter of the two, and returns the number of
// bytes actually read.
func IovToBuf(iovecs []Iovec, buf []byte) int {
	start := 0
	for _, iov := range iovecs {
		if start >= len(buf) {
			break
		}
		end := start + int(iov.Len)
		if end > len(buf) {
			end = len(buf)
		}
		memToBuf(buf[start:end], iov.HVA)
		start = end
	}
	return start
}

// Bytes reinterprets the host memory at hva as a []byte of the given
// length, for callers that need direct access rather than a copy (the
// synchronous read/write fallback). The caller
// is responsible for hva being reachable for length bytes.
func Bytes(hva uint64, length uint64) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(hva))), int(length))
}

// FromSlice returns an Iovec viewing the memory backing b. The caller
// must keep b reachable for as long as the Iovec is in use; the Iovec
// itself does not keep the slice alive.
func FromSlice(b []byte) Iovec {
	if len(b) == 0 {
		return Iovec{}
	}
	return Iovec{
		HVA: uint64(uintptr(unsafe.Pointer(&b[0]))),
		Len: uint64(len(b)),
	}
}

// DiscardFront returns the iovec list with its first n bytes removed,
// splitting a partially consumed entry. The input list is not modified.
func DiscardFront(iovecs []Iovec, n uint64) []Iovec {
	i := 0
	for i < len(iovecs) && n >= iovecs[i].Len {
		n -= iovecs[i].Len
		i++
	}
	rest := iovecs[i:]
	if n == 0 || len(rest) == 0 {
		return rest
	}
	out := append([]Iovec(nil), rest...)
	out[0].HVA += n
	out[0].Len -= n
	return out
}

// TotalLen sums the length of every iovec in the list.
func TotalLen(iovecs []Iovec) uint64 {
	var total uint64
	for _, iov := range iovecs {
		total += iov.Len
	}
	return total
}
