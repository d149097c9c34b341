package aio

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-vserial/vserial/iovec"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "aio-bounce-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestNeedsBounce(t *testing.T) {
	aligned := &AioCb[int]{Opcode: OpPwritev, Offset: 4096,
		Iovec: []iovec.Iovec{{HVA: 0x10000, Len: 0x1000}}}
	require.False(t, needsBounce(aligned, 512))

	misalignedBase := &AioCb[int]{Opcode: OpPwritev, Offset: 4096,
		Iovec: []iovec.Iovec{{HVA: 0x1001, Len: 0x1000}}}
	require.True(t, needsBounce(misalignedBase, 512))

	misalignedLen := &AioCb[int]{Opcode: OpPreadv, Offset: 0,
		Iovec: []iovec.Iovec{{HVA: 0x10000, Len: 100}}}
	require.True(t, needsBounce(misalignedLen, 512))

	misalignedOffset := &AioCb[int]{Opcode: OpPwritev, Offset: 3,
		Iovec: []iovec.Iovec{{HVA: 0x10000, Len: 0x1000}}}
	require.True(t, needsBounce(misalignedOffset, 512))

	// Alignment never applies to fdsync.
	sync := &AioCb[int]{Opcode: OpFdsync, Offset: 3}
	require.False(t, needsBounce(sync, 512))
}

func TestMisalignedDirectWriteBounces(t *testing.T) {
	// A misaligned direct write is staged through a page-aligned
	// buffer and issued as one aligned write.
	f := tempFile(t)

	backing := make([]byte, 0x1000+1)
	payload := backing[1:] // deliberately misaligned base
	for i := range payload {
		payload[i] = byte(i)
	}

	e, mb, completions := newTestEngine(t, 128)
	cb := &AioCb[int]{
		FileFD: int(f.Fd()),
		Opcode: OpPwritev,
		Iovec:  []iovec.Iovec{iovec.FromSlice(payload)},
		Offset: 4096,
		NBytes: 0x1000,
	}
	e.SubmitAsync(cb, 512, true)

	// The bounce path never touches the backend.
	require.Empty(t, mb.Submitted())
	require.Len(t, *completions, 1)
	require.Equal(t, int64(0), (*completions)[0].res)

	got := make([]byte, 0x1000)
	_, err := f.ReadAt(got, 4096)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestMisalignedDirectReadBounces(t *testing.T) {
	f := tempFile(t)
	want := make([]byte, 0x1000)
	for i := range want {
		want[i] = byte(i * 7)
	}
	_, err := f.WriteAt(want, 0)
	require.NoError(t, err)

	backing := make([]byte, 0x1000+1)
	dst := backing[1:]

	e, _, completions := newTestEngine(t, 128)
	cb := &AioCb[int]{
		FileFD: int(f.Fd()),
		Opcode: OpPreadv,
		Iovec:  []iovec.Iovec{iovec.FromSlice(dst)},
		Offset: 0,
		NBytes: 0x1000,
	}
	e.SubmitAsync(cb, 512, true)

	require.Len(t, *completions, 1)
	require.Equal(t, int64(0), (*completions)[0].res)
	require.Equal(t, want, dst)
}

func TestBounceReadFailureCompletesWithMinusOne(t *testing.T) {
	f := tempFile(t)
	// Reading past EOF on an empty file returns short: failure.
	backing := make([]byte, 0x1000+1)
	dst := backing[1:]

	e, _, completions := newTestEngine(t, 128)
	cb := &AioCb[int]{
		FileFD: int(f.Fd()),
		Opcode: OpPreadv,
		Iovec:  []iovec.Iovec{iovec.FromSlice(dst)},
		Offset: 1 << 30,
		NBytes: 0x1000,
	}
	e.SubmitAsync(cb, 512, true)

	require.Len(t, *completions, 1)
	require.Equal(t, int64(-1), (*completions)[0].res)
}
