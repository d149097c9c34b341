package serial

import (
	"sync"
	"sync/atomic"

	"github.com/go-vserial/vserial/internal/logging"
	"github.com/go-vserial/vserial/iovec"
	"github.com/go-vserial/vserial/virtqueue"
)

// ControlHandler implements the multiport control protocol over the
// device's control queue pair: it consumes driver messages from the
// control transmit queue and answers on the control receive queue.
type ControlHandler struct {
	mu sync.Mutex

	inputQueue     virtqueue.Queue // host to guest (q2)
	outputQueue    virtqueue.Queue // guest to host (q3)
	outputQueueEvt int
	interrupt      InterruptFunc
	driverFeatures uint64
	deviceBroken   *atomic.Bool
	device         *Device
	logger         *logging.Logger
}

// OutputControl drains the guest-to-host control queue in response to
// its event descriptor.
func (h *ControlHandler) OutputControl() {
	if h.deviceBroken.Load() {
		return
	}
	if err := h.outputControlInternal(); err != nil {
		if h.logger != nil {
			h.logger.Errorf("control output: %v", err)
		}
		reportVirtioError(h.deviceBroken, h.logger)
	}
}

func (h *ControlHandler) outputControlInternal() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		chain, err := h.outputQueue.PopAvail()
		if err != nil {
			return wrapError("output_control", ErrCodeFatalDevice, err)
		}
		if chain == nil {
			break
		}

		var raw [controlMsgSize]byte
		n := iovec.IovToBuf(chain.Out, raw[:])
		msg, decodeErr := decodeControl(raw[:n])
		if decodeErr != nil {
			// Malformed message: log, hand the descriptor back, stay
			// healthy.
			if h.logger != nil {
				h.logger.Warnf("control message rejected: %v", decodeErr)
			}
		} else {
			if h.logger != nil {
				h.logger.Debugf("port %d control message: event(%d) value(%d)", msg.ID, msg.Event, msg.Value)
			}
			h.handleControlMessage(msg)
		}

		if err := h.outputQueue.AddUsed(chain.Index, 0); err != nil {
			return wrapError("output_control", ErrCodeFatalDevice, err)
		}
	}

	if h.outputQueue.ShouldNotify() {
		if err := h.interrupt(h.outputQueue); err != nil {
			return wrapError("output_control", ErrCodeFatalDevice, err)
		}
	}
	return nil
}

func (h *ControlHandler) handleControlMessage(msg VirtioConsoleControl) {
	if msg.Event == ControlDeviceReady {
		if msg.Value == 0 {
			if h.logger != nil {
				h.logger.Errorf("guest is not ready to receive control messages")
			}
			return
		}
		for _, port := range h.device.portsSnapshot() {
			h.sendControlEvent(port.nr, ControlPortAdd, 1)
		}
		return
	}

	port := h.device.portByNr(msg.ID)
	if port == nil {
		if h.logger != nil {
			h.logger.Errorf("control message for invalid port id %d", msg.ID)
		}
		return
	}

	switch msg.Event {
	case ControlPortReady:
		if msg.Value == 0 {
			if h.logger != nil {
				h.logger.Errorf("driver failed to add port %d", msg.ID)
			}
			return
		}
		if port.isConsole {
			h.sendControlEvent(port.nr, ControlConsolePort, 1)
		}
		if port.name != "" {
			extra := append([]byte(port.name), 0)
			if err := h.sendInputControlMsg(port.nr, ControlPortName, 1, extra); err != nil {
				if h.logger != nil {
					h.logger.Errorf("send PORT_NAME for port %d: %v", port.nr, err)
				}
				reportVirtioError(h.deviceBroken, h.logger)
			}
		}
		if port.HostConnected() {
			h.sendControlEvent(port.nr, ControlPortOpen, 1)
		}
	case ControlPortOpen:
		port.setGuestConnected(msg.Value != 0)
	default:
		// Unknown events are ignored.
	}
}

// SendControlEvent emits a payload-free control message to the guest,
// converting any failure into a device-broken report the way every
// other handler path does.
func (h *ControlHandler) SendControlEvent(id uint32, event uint16, value uint16) {
	if h.deviceBroken.Load() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendControlEvent(id, event, value)
}

func (h *ControlHandler) sendControlEvent(id uint32, event uint16, value uint16) {
	if h.logger != nil {
		h.logger.Debugf("port %d send control message: event(%d) value(%d)", id, event, value)
	}
	if err := h.sendInputControlMsg(id, event, value, nil); err != nil {
		if h.logger != nil {
			h.logger.Errorf("send control event(%d) for port %d: %v", event, id, err)
		}
		reportVirtioError(h.deviceBroken, h.logger)
	}
}

// sendInputControlMsg packs a control message plus extra payload into
// the next posted host-to-guest control descriptor. An empty ring is
// tolerated: the message is best-effort and the driver is expected to
// keep buffers posted.
func (h *ControlHandler) sendInputControlMsg(id uint32, event uint16, value uint16, extra []byte) error {
	chain, err := h.inputQueue.PopAvail()
	if err != nil {
		return wrapError("send_input_control_msg", ErrCodeFatalDevice, err)
	}
	if chain == nil {
		if h.logger != nil {
			h.logger.Warnf("empty input control queue, dropping event(%d) for port %d", event, id)
		}
		return nil
	}

	length := controlMsgSize + len(extra)
	if chain.InLen() < uint64(length) {
		return newError("send_input_control_msg", ErrCodeProtocolViolation,
			"control descriptor holds %d bytes, message needs %d", chain.InLen(), length)
	}

	msg := VirtioConsoleControl{ID: id, Event: event, Value: value}
	data := msg.appendTo(make([]byte, 0, length))
	data = append(data, extra...)

	if n := iovec.IovFromBuf(chain.In, data); n != length {
		return newError("send_input_control_msg", ErrCodeFatalDevice,
			"scattered %d of %d message bytes", n, length)
	}

	if err := h.inputQueue.AddUsed(chain.Index, uint32(length)); err != nil {
		return wrapError("send_input_control_msg", ErrCodeFatalDevice, err)
	}
	if h.inputQueue.ShouldNotify() {
		if err := h.interrupt(h.inputQueue); err != nil {
			return wrapError("send_input_control_msg", ErrCodeFatalDevice, err)
		}
	}
	return nil
}
