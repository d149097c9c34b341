package iovec

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func hvaOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func TestIovFromBufShorterIovecs(t *testing.T) {
	a := make([]byte, 3)
	b := make([]byte, 3)
	iovecs := []Iovec{{HVA: hvaOf(a), Len: uint64(len(a))}, {HVA: hvaOf(b), Len: uint64(len(b))}}

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	n := IovFromBuf(iovecs, src)

	require.Equal(t, 6, n, "stops at the shorter of iovecs and buf")
	require.Equal(t, []byte{1, 2, 3}, a)
	require.Equal(t, []byte{4, 5, 6}, b)
}

func TestIovFromBufShorterBuf(t *testing.T) {
	a := make([]byte, 4)
	iovecs := []Iovec{{HVA: hvaOf(a), Len: uint64(len(a))}}

	n := IovFromBuf(iovecs, []byte{9, 9})
	require.Equal(t, 2, n)
	require.Equal(t, []byte{9, 9, 0, 0}, a)
}

func TestIovToBufRoundTrip(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{4, 5}
	iovecs := []Iovec{{HVA: hvaOf(a), Len: uint64(len(a))}, {HVA: hvaOf(b), Len: uint64(len(b))}}

	dst := make([]byte, 5)
	n := IovToBuf(iovecs, dst)

	require.Equal(t, 5, n)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, dst)
}

func TestTotalLen(t *testing.T) {
	iovecs := []Iovec{{Len: 10}, {Len: 20}, {Len: 5}}
	require.Equal(t, uint64(35), TotalLen(iovecs))
}

func TestFromSlice(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	iov := FromSlice(b)
	require.Equal(t, uint64(4), iov.Len)

	out := make([]byte, 4)
	require.Equal(t, 4, IovToBuf([]Iovec{iov}, out))
	require.Equal(t, b, out)

	require.Equal(t, Iovec{}, FromSlice(nil))
}

func TestDiscardFront(t *testing.T) {
	a := make([]byte, 4)
	b := make([]byte, 6)
	iovecs := []Iovec{FromSlice(a), FromSlice(b)}

	rest := DiscardFront(iovecs, 0)
	require.Equal(t, iovecs, rest)

	rest = DiscardFront(iovecs, 4)
	require.Len(t, rest, 1)
	require.Equal(t, uint64(6), rest[0].Len)

	rest = DiscardFront(iovecs, 7)
	require.Len(t, rest, 1)
	require.Equal(t, uint64(3), rest[0].Len)
	require.Equal(t, iovecs[1].HVA+3, rest[0].HVA)

	rest = DiscardFront(iovecs, 10)
	require.Empty(t, rest)

	rest = DiscardFront(iovecs, 99)
	require.Empty(t, rest)

	// The input list is never modified by a split.
	require.Equal(t, uint64(4), iovecs[0].Len)
	require.Equal(t, uint64(6), iovecs[1].Len)
}

func TestFlatGuestMemorySlice(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	mem := NewFlatGuestMemory(MemRegion{GuestPhysAddr: 0x1000, Data: data})

	seg, ok := mem.Slice(0x1000+10, 20)
	require.True(t, ok)
	require.Equal(t, ValidatedRegion(data[10:30]), seg)

	_, ok = mem.Slice(0x500, 10)
	require.False(t, ok, "address below any region is unmapped")

	seg, ok = mem.Slice(0x1000+4090, 20)
	require.True(t, ok, "partial overlap at the tail still maps the in-range prefix")
	require.Equal(t, 6, len(seg))
}

func TestReadChainTruncatesOnGap(t *testing.T) {
	data := make([]byte, 16)
	mem := NewFlatGuestMemory(MemRegion{GuestPhysAddr: 0, Data: data})

	chain := ReadChain(mem, 0, 64)
	require.Len(t, chain, 1)
	require.Equal(t, 16, len(chain[0]))
}
