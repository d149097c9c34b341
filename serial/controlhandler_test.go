package serial

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// postCtrlBuffers posts n host-to-guest control descriptors, the way a
// driver keeps buffers posted on q2.
func (h *testHarness) postCtrlBuffers(n int) {
	for i := 0; i < n; i++ {
		h.ctrlRx().AddInChain(make([]byte, 64))
	}
}

// guestControlMsg pushes a guest-to-host control message onto q3.
func (h *testHarness) guestControlMsg(id uint32, event, value uint16) {
	msg := VirtioConsoleControl{ID: id, Event: event, Value: value}
	h.ctrlTx().AddOutChain(msg.appendTo(nil))
}

// sentControlMsgs decodes every message the device emitted on q2 so far.
func (h *testHarness) sentControlMsgs(t *testing.T) []sentMsg {
	t.Helper()
	var out []sentMsg
	for _, ue := range h.ctrlRx().Used() {
		backing := h.ctrlRx().Backing(ue.Index)
		require.NotEmpty(t, backing)
		raw := backing[0][:ue.Length]
		require.GreaterOrEqual(t, len(raw), controlMsgSize)
		out = append(out, sentMsg{
			msg: VirtioConsoleControl{
				ID:    binary.LittleEndian.Uint32(raw[0:]),
				Event: binary.LittleEndian.Uint16(raw[4:]),
				Value: binary.LittleEndian.Uint16(raw[6:]),
			},
			extra: append([]byte(nil), raw[controlMsgSize:]...),
		})
	}
	return out
}

type sentMsg struct {
	msg   VirtioConsoleControl
	extra []byte
}

func multiportHarness(t *testing.T) *testHarness {
	t.Helper()
	return newTestHarness(t, 2,
		PortParams{Nr: 0, Name: "hvc0", IsConsole: true, CharDevice: NewMockCharDevice()},
		PortParams{Nr: 1, Name: "port1", CharDevice: NewMockCharDevice(), BackendIsPty: true},
	)
}

func TestMultiportHandshake(t *testing.T) {
	h := multiportHarness(t)
	h.postCtrlBuffers(8)

	h.guestControlMsg(0, ControlDeviceReady, 1)
	h.dev.ControlHandler().OutputControl()

	sent := h.sentControlMsgs(t)
	require.Len(t, sent, 2)
	require.Equal(t, VirtioConsoleControl{ID: 0, Event: ControlPortAdd, Value: 1}, sent[0].msg)
	require.Equal(t, VirtioConsoleControl{ID: 1, Event: ControlPortAdd, Value: 1}, sent[1].msg)

	// The consumed DEVICE_READY descriptor is returned with length 0.
	require.Equal(t, []UsedElem{{Index: 0, Length: 0}}, h.ctrlTx().Used())

	h.guestControlMsg(0, ControlPortReady, 1)
	h.dev.ControlHandler().OutputControl()

	sent = h.sentControlMsgs(t)
	require.Len(t, sent, 5)
	require.Equal(t, VirtioConsoleControl{ID: 0, Event: ControlConsolePort, Value: 1}, sent[2].msg)
	require.Equal(t, VirtioConsoleControl{ID: 0, Event: ControlPortName, Value: 1}, sent[3].msg)
	require.Equal(t, []byte("hvc0\x00"), sent[3].extra)
	require.Equal(t, VirtioConsoleControl{ID: 0, Event: ControlPortOpen, Value: 1}, sent[4].msg)

	h.guestControlMsg(1, ControlPortReady, 1)
	h.dev.ControlHandler().OutputControl()

	sent = h.sentControlMsgs(t)
	require.Len(t, sent, 7)
	require.Equal(t, VirtioConsoleControl{ID: 1, Event: ControlPortName, Value: 1}, sent[5].msg)
	require.Equal(t, []byte("port1\x00"), sent[5].extra)
	require.Equal(t, VirtioConsoleControl{ID: 1, Event: ControlPortOpen, Value: 1}, sent[6].msg)

	require.False(t, h.dev.Broken())
}

func TestDeviceReadyZeroIsIgnored(t *testing.T) {
	h := multiportHarness(t)
	h.postCtrlBuffers(4)

	h.guestControlMsg(0, ControlDeviceReady, 0)
	h.dev.ControlHandler().OutputControl()

	require.Empty(t, h.sentControlMsgs(t))
}

func TestPortReadyZeroIsIgnored(t *testing.T) {
	h := multiportHarness(t)
	h.postCtrlBuffers(4)

	h.guestControlMsg(0, ControlPortReady, 0)
	h.dev.ControlHandler().OutputControl()

	require.Empty(t, h.sentControlMsgs(t))
}

func TestPortOpenSetsGuestConnected(t *testing.T) {
	h := multiportHarness(t)

	h.guestControlMsg(1, ControlPortOpen, 1)
	h.dev.ControlHandler().OutputControl()
	require.True(t, h.dev.portByNr(1).GuestConnected())

	h.guestControlMsg(1, ControlPortOpen, 0)
	h.dev.ControlHandler().OutputControl()
	require.False(t, h.dev.portByNr(1).GuestConnected())
}

func TestControlMessageForUnknownPortIsIgnored(t *testing.T) {
	h := multiportHarness(t)
	h.postCtrlBuffers(2)

	h.guestControlMsg(9, ControlPortReady, 1)
	h.dev.ControlHandler().OutputControl()

	require.Empty(t, h.sentControlMsgs(t))
	require.False(t, h.dev.Broken())
}

func TestUnknownControlEventIsIgnored(t *testing.T) {
	h := multiportHarness(t)
	h.postCtrlBuffers(2)

	h.guestControlMsg(0, 0xfff0, 1)
	h.dev.ControlHandler().OutputControl()

	require.Empty(t, h.sentControlMsgs(t))
	require.Equal(t, []UsedElem{{Index: 0, Length: 0}}, h.ctrlTx().Used())
	require.False(t, h.dev.Broken())
}

func TestShortControlMessageIsRejectedNotFatal(t *testing.T) {
	h := multiportHarness(t)
	h.ctrlTx().AddOutChain([]byte{1, 2, 3})

	h.dev.ControlHandler().OutputControl()

	// The offending descriptor is handed back with length 0 and the
	// device stays healthy.
	require.Equal(t, []UsedElem{{Index: 0, Length: 0}}, h.ctrlTx().Used())
	require.False(t, h.dev.Broken())
}

func TestEmptyControlRxQueueDropsMessage(t *testing.T) {
	// No buffers posted on q2: the message is best-effort dropped.
	h := multiportHarness(t)

	h.guestControlMsg(0, ControlDeviceReady, 1)
	h.dev.ControlHandler().OutputControl()

	require.Empty(t, h.ctrlRx().Used())
	require.False(t, h.dev.Broken())
}

func TestTooSmallControlDescriptorIsFatal(t *testing.T) {
	h := multiportHarness(t)
	// A 4-byte descriptor cannot hold the 8-byte base message.
	h.ctrlRx().AddInChain(make([]byte, 4))

	h.guestControlMsg(0, ControlDeviceReady, 1)
	h.dev.ControlHandler().OutputControl()

	require.True(t, h.dev.Broken())
}

func TestControlEmissionRaisesInterrupt(t *testing.T) {
	h := multiportHarness(t)
	h.postCtrlBuffers(4)

	h.guestControlMsg(0, ControlDeviceReady, 1)
	h.dev.ControlHandler().OutputControl()

	// Interrupts were raised for both the q2 emissions and the q3 drain.
	require.Contains(t, h.interrupts, h.ctrlRx())
	require.Contains(t, h.interrupts, h.ctrlTx())
}

func TestChardevNotifyForwardsPortOpen(t *testing.T) {
	chardev := NewMockCharDevice()
	h := newTestHarness(t, 1,
		PortParams{Nr: 0, Name: "port0", CharDevice: chardev, BackendIsPty: true})
	h.postCtrlBuffers(4)

	port := h.dev.portByNr(0)
	require.True(t, port.HostConnected())

	chardev.Close()
	require.False(t, port.HostConnected())
	sent := h.sentControlMsgs(t)
	require.Len(t, sent, 1)
	require.Equal(t, VirtioConsoleControl{ID: 0, Event: ControlPortOpen, Value: 0}, sent[0].msg)

	chardev.Open()
	require.True(t, port.HostConnected())
	sent = h.sentControlMsgs(t)
	require.Len(t, sent, 2)
	require.Equal(t, VirtioConsoleControl{ID: 0, Event: ControlPortOpen, Value: 1}, sent[1].msg)

	// A second open is a no-op.
	chardev.Open()
	require.Len(t, h.sentControlMsgs(t), 2)
}
