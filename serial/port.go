package serial

import (
	"sync"
	"sync/atomic"

	"github.com/go-vserial/vserial/internal/constants"
	"github.com/go-vserial/vserial/internal/logging"
	"github.com/go-vserial/vserial/iovec"
	"github.com/go-vserial/vserial/virtqueue"
)

// PortParams configures one port of the device.
type PortParams struct {
	// Nr is the port's identity; unique per device, < MaxNrPorts.
	Nr uint32
	// Name, when nonempty, is announced to the guest via PORT_NAME.
	Name string
	// IsConsole nominates the port as a console port.
	IsConsole bool
	// CharDevice is the host byte-stream backend.
	CharDevice CharDevice
	// BackendIsPty marks backends that are open from the start; a
	// console or pty port begins host-connected.
	BackendIsPty bool
}

// Port is one bidirectional channel of the device. The device owns its
// ports; handlers hold a reference to the port they drive and the port
// holds a back-reference to the control handler only while activated.
type Port struct {
	mu          sync.Mutex
	name        string
	chardev     CharDevice
	nr          uint32
	isConsole   bool
	guestConn   bool
	hostConn    bool
	ctrlHandler *ControlHandler
}

func newPort(p PortParams) *Port {
	return &Port{
		name:      p.Name,
		chardev:   p.CharDevice,
		nr:        p.Nr,
		isConsole: p.IsConsole,
		hostConn:  p.IsConsole || p.BackendIsPty,
	}
}

// Nr returns the port's number.
func (p *Port) Nr() uint32 { return p.nr }

// Name returns the port's name; empty means unnamed.
func (p *Port) Name() string { return p.name }

// IsConsole reports whether the port is a console port.
func (p *Port) IsConsole() bool { return p.isConsole }

// GuestConnected reports whether the guest has opened the port.
func (p *Port) GuestConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.guestConn
}

// HostConnected reports whether the host endpoint is open.
func (p *Port) HostConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hostConn
}

func (p *Port) setGuestConnected(v bool) {
	p.mu.Lock()
	p.guestConn = v
	p.mu.Unlock()
}

// activate wires the port's char-device to its data-path handler.
func (p *Port) activate(h *PortHandler) {
	if p.chardev == nil {
		return
	}
	p.chardev.SetInputReceiver(h)
	if sn, ok := p.chardev.(StatusNotifier); ok {
		sn.SetStatusReceiver(p.ChardevNotify)
	}
}

// deactivate detaches the char-device and clears guest state; a reset
// renegotiates everything.
func (p *Port) deactivate() {
	p.mu.Lock()
	p.guestConn = false
	p.ctrlHandler = nil
	p.mu.Unlock()
	if p.chardev != nil {
		p.chardev.SetInputReceiver(nil)
	}
}

func (p *Port) setCtrlHandler(h *ControlHandler) {
	p.mu.Lock()
	p.ctrlHandler = h
	p.mu.Unlock()
}

// ChardevNotify is the host-side endpoint transition hook: a Close
// marks the port disconnected, an Open when previously closed marks it
// connected, and either transition is forwarded to the guest as
// PORT_OPEN with the new state.
func (p *Port) ChardevNotify(status ChardevStatus) {
	p.mu.Lock()
	switch {
	case status == ChardevClose:
		p.hostConn = false
	case status == ChardevOpen && !p.hostConn:
		p.hostConn = true
	default:
		p.mu.Unlock()
		return
	}
	handler := p.ctrlHandler
	p.mu.Unlock()

	if handler == nil {
		return
	}
	handler.SendControlEvent(p.nr, ControlPortOpen, uint16(status))
}

// InterruptFunc raises a vring interrupt for q toward the guest. The
// transport supplies it at activation.
type InterruptFunc func(q virtqueue.Queue) error

// PortHandler is the per-port data path: it drains the transmit ring
// into the char-device and delivers char-device input into the receive
// ring. One handler exists per activated queue pair; the control pair
// gets a ControlHandler instead.
type PortHandler struct {
	mu sync.Mutex

	inputQueue     virtqueue.Queue
	outputQueue    virtqueue.Queue
	outputQueueEvt int
	interrupt      InterruptFunc
	driverFeatures uint64
	deviceBroken   *atomic.Bool
	port           *Port
	logger         *logging.Logger
}

// OutputHandle drains the transmit queue in response to the transmit
// event descriptor. Any ring-level failure is fatal for the device.
func (h *PortHandler) OutputHandle() {
	if h.deviceBroken.Load() {
		return
	}
	if err := h.outputHandleInternal(); err != nil {
		if h.logger != nil {
			h.logger.Errorf("port output: %v", err)
		}
		reportVirtioError(h.deviceBroken, h.logger)
	}
}

func (h *PortHandler) outputHandleInternal() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		chain, err := h.outputQueue.PopAvail()
		if err != nil {
			return wrapError("output_handle", ErrCodeFatalDevice, err)
		}
		if chain == nil {
			break
		}

		// Discard requests when no port uses this queue or its host
		// endpoint is not connected. Popping without processing means
		// dropping the request.
		if h.port != nil && h.port.HostConnected() {
			iov := chain.Out
			remaining := iovec.TotalLen(iov)
			for remaining > 0 {
				var buffer [constants.PortBufSize]byte
				n := iovec.IovToBuf(iov, buffer[:])
				if n == 0 {
					break
				}
				h.writeChardevMsg(buffer[:n])
				iov = iovec.DiscardFront(iov, uint64(n))
				remaining -= uint64(n)
			}
		}

		if err := h.outputQueue.AddUsed(chain.Index, 0); err != nil {
			return wrapError("output_handle", ErrCodeFatalDevice, err)
		}
	}

	if h.outputQueue.ShouldNotify() {
		if err := h.interrupt(h.outputQueue); err != nil {
			return wrapError("output_handle", ErrCodeFatalDevice, err)
		}
	}
	return nil
}

// writeChardevMsg pushes one chunk to the char-device. A short or
// failed write is not retried; the remainder is dropped.
func (h *PortHandler) writeChardevMsg(buf []byte) {
	chardev := h.port.chardev
	if chardev == nil {
		if h.logger != nil {
			h.logger.Errorf("port %d has no chardev output", h.port.nr)
		}
		return
	}
	n, err := chardev.Write(buf)
	if err != nil || n != len(buf) {
		if h.logger != nil {
			h.logger.Errorf("chardev write on port %d: wrote %d of %d bytes: %v", h.port.nr, n, len(buf), err)
		}
		return
	}
	if err := chardev.Flush(); err != nil {
		if h.logger != nil {
			h.logger.Errorf("chardev flush on port %d: %v", h.port.nr, err)
		}
	}
}

// InputHandle implements InputReceiver: it delivers buffer into the
// port's receive ring, descriptor chain by descriptor chain.
func (h *PortHandler) InputHandle(buffer []byte) {
	if h.deviceBroken.Load() {
		return
	}
	if err := h.inputHandleInternal(buffer); err != nil {
		if h.logger != nil {
			h.logger.Errorf("port input: %v", err)
		}
		reportVirtioError(h.deviceBroken, h.logger)
	}
}

func (h *PortHandler) inputHandleInternal(buffer []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := len(buffer)
	if count == 0 || (h.port != nil && !h.port.GuestConnected()) {
		return nil
	}

	written := 0
	for written < count {
		chain, err := h.inputQueue.PopAvail()
		if err != nil {
			return wrapError("input_handle", ErrCodeFatalDevice, err)
		}
		if chain == nil {
			if h.logger != nil {
				h.logger.Warnf("port %d receive queue empty, dropping %d bytes", h.portNr(), count-written)
			}
			break
		}

		n := iovec.IovFromBuf(chain.In, buffer[written:])
		written += n

		if err := h.inputQueue.AddUsed(chain.Index, uint32(n)); err != nil {
			return wrapError("input_handle", ErrCodeFatalDevice, err)
		}
		if h.inputQueue.ShouldNotify() {
			if err := h.interrupt(h.inputQueue); err != nil {
				return wrapError("input_handle", ErrCodeFatalDevice, err)
			}
		}
	}
	return nil
}

func (h *PortHandler) portNr() uint32 {
	if h.port == nil {
		return 0
	}
	return h.port.nr
}

// RemainSpace implements InputReceiver: backends chunk large reads to
// this size.
func (h *PortHandler) RemainSpace() int { return constants.PortBufSize }

var _ InputReceiver = (*PortHandler)(nil)
