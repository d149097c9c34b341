package aio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-vserial/vserial/iovec"
)

func TestRWSyncWriteAdvancesOffsetPerIovec(t *testing.T) {
	f := tempFile(t)

	a := []byte("first-")
	b := []byte("second")

	e, _, completions := newTestEngine(t, 128)
	cb := &AioCb[int]{
		FileFD: int(f.Fd()),
		Opcode: OpPwritev,
		Iovec:  []iovec.Iovec{iovec.FromSlice(a), iovec.FromSlice(b)},
		Offset: 8,
		NBytes: int64(len(a) + len(b)),
	}
	e.RWSync(cb)

	require.Len(t, *completions, 1)
	require.Equal(t, int64(len(b)), (*completions)[0].res)

	got := make([]byte, len(a)+len(b))
	_, err := f.ReadAt(got, 8)
	require.NoError(t, err)
	require.Equal(t, "first-second", string(got))
}

func TestRWSyncReadBack(t *testing.T) {
	f := tempFile(t)
	_, err := f.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)

	dst := make([]byte, 10)
	e, _, completions := newTestEngine(t, 128)
	cb := &AioCb[int]{
		FileFD: int(f.Fd()),
		Opcode: OpPreadv,
		Iovec:  []iovec.Iovec{iovec.FromSlice(dst)},
		NBytes: 10,
	}
	e.RWSync(cb)

	require.Len(t, *completions, 1)
	require.Equal(t, int64(10), (*completions)[0].res)
	require.Equal(t, "0123456789", string(dst))
}

func TestRWSyncBadFDCompletesWithMinusOne(t *testing.T) {
	e, _, completions := newTestEngine(t, 128)
	buf := make([]byte, 8)
	cb := &AioCb[int]{
		FileFD: -1,
		Opcode: OpPwritev,
		Iovec:  []iovec.Iovec{iovec.FromSlice(buf)},
		NBytes: 8,
	}
	e.RWSync(cb)

	require.Len(t, *completions, 1)
	require.Equal(t, int64(-1), (*completions)[0].res)
}

func TestFlushSync(t *testing.T) {
	f := tempFile(t)

	e, _, completions := newTestEngine(t, 128)
	cb := &AioCb[int]{FileFD: int(f.Fd()), Opcode: OpFdsync}
	e.FlushSync(cb)

	require.Len(t, *completions, 1)
	require.Equal(t, int64(0), (*completions)[0].res)

	cb = &AioCb[int]{FileFD: -1, Opcode: OpFdsync}
	e.FlushSync(cb)
	require.Equal(t, int64(-1), (*completions)[1].res)
}
