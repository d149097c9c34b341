package serial

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-vserial/vserial/internal/constants"
)

func consoleHarness(t *testing.T) (*testHarness, *MockCharDevice) {
	t.Helper()
	chardev := NewMockCharDevice()
	h := newTestHarness(t, 1,
		PortParams{Nr: 0, Name: "hvc0", IsConsole: true, CharDevice: chardev})
	return h, chardev
}

func TestOutputDrainsGuestBytesInOrder(t *testing.T) {
	h, chardev := consoleHarness(t)

	h.portTx(0).AddOutChain([]byte("first "))
	h.portTx(0).AddOutChain([]byte("second "), []byte("third"))

	h.portHandler(0).OutputHandle()

	require.Equal(t, "first second third", string(chardev.Written()))
	// Transmit descriptors are always returned with length 0.
	require.Equal(t, []UsedElem{{Index: 0, Length: 0}, {Index: 1, Length: 0}}, h.portTx(0).Used())
	require.Contains(t, h.interrupts, h.portTx(0))
}

func TestOutputChunksLargeChains(t *testing.T) {
	h, chardev := consoleHarness(t)

	big := bytes.Repeat([]byte{0xab}, constants.PortBufSize*2+17)
	h.portTx(0).AddOutChain(big)

	h.portHandler(0).OutputHandle()

	require.Equal(t, big, chardev.Written())
	// One flush per chunk of the stack buffer.
	require.Equal(t, 3, chardev.Flushes())
}

func TestOutputDiscardsWhenHostDisconnected(t *testing.T) {
	chardev := NewMockCharDevice()
	// Not a console, not a pty: host starts disconnected.
	h := newTestHarness(t, 1, PortParams{Nr: 0, CharDevice: chardev})

	h.portTx(0).AddOutChain([]byte("dropped on the floor"))
	h.portHandler(0).OutputHandle()

	require.Empty(t, chardev.Written())
	// The descriptor is still consumed and returned.
	require.Equal(t, []UsedElem{{Index: 0, Length: 0}}, h.portTx(0).Used())
}

func TestOutputDiscardsWithoutPort(t *testing.T) {
	// Queue pair 2 has no port behind it (only port 0 exists).
	h := newTestHarness(t, 2, PortParams{Nr: 0, IsConsole: true, CharDevice: NewMockCharDevice()})

	handler := h.dev.handlers[1]
	require.Nil(t, handler.port)

	h.portTx(1).AddOutChain([]byte("nobody home"))
	handler.OutputHandle()

	require.Equal(t, []UsedElem{{Index: 0, Length: 0}}, h.portTx(1).Used())
	require.False(t, h.dev.Broken())
}

func TestShortChardevWriteIsDroppedNotRetried(t *testing.T) {
	h, chardev := consoleHarness(t)
	chardev.WriteLimit = 4

	h.portTx(0).AddOutChain([]byte("truncated"))
	h.portHandler(0).OutputHandle()

	// Only the accepted prefix lands; the remainder is dropped, the
	// device stays healthy, the descriptor is returned.
	require.Equal(t, "trun", string(chardev.Written()))
	require.Equal(t, []UsedElem{{Index: 0, Length: 0}}, h.portTx(0).Used())
	require.False(t, h.dev.Broken())
}

func TestInputDeliversToGuest(t *testing.T) {
	// 17 bytes arrive in full on the next receive descriptor.
	h, chardev := consoleHarness(t)
	h.dev.portByNr(0).setGuestConnected(true)

	buf := make([]byte, 64)
	h.portRx(0).AddInChain(buf)

	payload := []byte("seventeen bytes!!")
	require.Len(t, payload, 17)
	chardev.InjectInput(payload)

	require.Equal(t, []UsedElem{{Index: 0, Length: 17}}, h.portRx(0).Used())
	require.Equal(t, payload, buf[:17])
	require.Contains(t, h.interrupts, h.portRx(0))
}

func TestInputIgnoredWhenGuestDisconnected(t *testing.T) {
	h, chardev := consoleHarness(t)

	h.portRx(0).AddInChain(make([]byte, 64))
	chardev.InjectInput([]byte("nobody listening"))

	// No descriptor is consumed.
	require.Empty(t, h.portRx(0).Used())
}

func TestInputEmptyBufferConsumesNothing(t *testing.T) {
	h, _ := consoleHarness(t)
	h.dev.portByNr(0).setGuestConnected(true)

	h.portRx(0).AddInChain(make([]byte, 64))
	h.portHandler(0).InputHandle(nil)

	require.Empty(t, h.portRx(0).Used())
}

func TestInputSpansMultipleChains(t *testing.T) {
	h, chardev := consoleHarness(t)
	h.dev.portByNr(0).setGuestConnected(true)

	first := make([]byte, 8)
	second := make([]byte, 64)
	h.portRx(0).AddInChain(first)
	h.portRx(0).AddInChain(second)

	chardev.InjectInput([]byte("spans two chains"))

	require.Equal(t, []UsedElem{{Index: 0, Length: 8}, {Index: 1, Length: 8}}, h.portRx(0).Used())
	require.Equal(t, "spans tw", string(first))
	require.Equal(t, "o chains", string(second[:8]))
}

func TestInputDropsRemainderWhenRingRunsDry(t *testing.T) {
	h, chardev := consoleHarness(t)
	h.dev.portByNr(0).setGuestConnected(true)

	only := make([]byte, 4)
	h.portRx(0).AddInChain(only)

	chardev.InjectInput([]byte("overflowing"))

	// The first 4 bytes land; the rest is dropped with a log, not
	// buffered.
	require.Equal(t, []UsedElem{{Index: 0, Length: 4}}, h.portRx(0).Used())
	require.Equal(t, "over", string(only))
	require.False(t, h.dev.Broken())
}

func TestRemainSpaceMatchesChunkSize(t *testing.T) {
	h, _ := consoleHarness(t)
	require.Equal(t, constants.PortBufSize, h.portHandler(0).RemainSpace())
}

func TestNotifySuppressionSkipsInterrupt(t *testing.T) {
	h, _ := consoleHarness(t)

	h.portTx(0).NotifySuppressed = true
	h.portTx(0).AddOutChain([]byte("quiet"))
	h.portHandler(0).OutputHandle()

	require.NotContains(t, h.interrupts, h.portTx(0))
}
