// Package serial implements a paravirtualized multi-port serial/console
// device: a guest-visible ring protocol with per-port receive/transmit
// queues plus two control queues, a port lifecycle state machine
// coordinating guest and host endpoints, and byte shuttling between
// guest memory and character-device backends.
package serial

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/go-vserial/vserial/internal/constants"
	"github.com/go-vserial/vserial/internal/logging"
	"github.com/go-vserial/vserial/virtqueue"
)

// EventRegistry is where the device registers its per-queue event
// descriptors at activation; the deactivation path unregisters every
// fd it registered. internal/reactor satisfies it.
type EventRegistry interface {
	Register(fd int, h func()) error
	Unregister(fd int)
}

// DeviceParams configures a new Device.
type DeviceParams struct {
	// MaxNrPorts is the port capacity advertised in the config space.
	MaxNrPorts uint32
	Logger     *logging.Logger
}

// DefaultDeviceParams returns a single-port device configuration.
func DefaultDeviceParams() DeviceParams {
	return DeviceParams{MaxNrPorts: 1}
}

// Device is the virtio-serial device core. It owns its feature bits,
// config space, and ports; handlers are wired at activation and torn
// down at reset.
type Device struct {
	portsMu sync.Mutex
	ports   []*Port

	deviceFeatures uint64
	driverFeatures uint64
	configSpace    VirtioConsoleConfig
	maxNrPorts     uint32

	broken    atomic.Bool
	activated bool

	registry      EventRegistry
	registeredFDs []int
	handlers      []*PortHandler
	ctrl          *ControlHandler

	logger *logging.Logger
}

// New realizes a device: features offered, config space initialized.
func New(params DeviceParams) (*Device, error) {
	if params.MaxNrPorts == 0 {
		return nil, newError("new", ErrCodeConstruction, "max_nr_ports must be nonzero")
	}
	d := &Device{
		deviceFeatures: 1<<FeatureVersion1 | 1<<FeatureConsoleSize | 1<<FeatureMultiport,
		configSpace:    newConsoleConfig(params.MaxNrPorts),
		maxNrPorts:     params.MaxNrPorts,
		logger:         params.Logger,
	}
	return d, nil
}

// QueueNum returns the number of virtqueues the device expects at
// activation: a receive/transmit pair per port plus the control pair.
func (d *Device) QueueNum() int { return int(d.maxNrPorts)*2 + 2 }

// AddPort registers a port ahead of activation. Port numbers are the
// port's identity and must be unique and below MaxNrPorts.
func (d *Device) AddPort(params PortParams) (*Port, error) {
	if params.Nr >= d.maxNrPorts {
		return nil, newError("add_port", ErrCodeConstruction,
			"port nr %d out of range (max_nr_ports %d)", params.Nr, d.maxNrPorts)
	}
	d.portsMu.Lock()
	defer d.portsMu.Unlock()
	for _, p := range d.ports {
		if p.nr == params.Nr {
			return nil, newError("add_port", ErrCodeConstruction, "port nr %d already exists", params.Nr)
		}
	}
	port := newPort(params)
	d.ports = append(d.ports, port)
	return port, nil
}

// portByNr finds a port by number, or nil.
func (d *Device) portByNr(nr uint32) *Port {
	d.portsMu.Lock()
	defer d.portsMu.Unlock()
	for _, p := range d.ports {
		if p.nr == nr {
			return p
		}
	}
	return nil
}

// portsSnapshot copies the port list so callers can iterate without
// holding the ports lock across handler work.
func (d *Device) portsSnapshot() []*Port {
	d.portsMu.Lock()
	defer d.portsMu.Unlock()
	return append([]*Port(nil), d.ports...)
}

// DeviceFeatures returns the offered feature page.
func (d *Device) DeviceFeatures(page uint32) uint32 {
	return uint32(d.deviceFeatures >> (32 * page))
}

// DriverFeatures returns the acknowledged feature page.
func (d *Device) DriverFeatures(page uint32) uint32 {
	return uint32(d.driverFeatures >> (32 * page))
}

// SetDriverFeatures acknowledges driver-requested features: the final
// value is exactly the intersection with what the device offered.
func (d *Device) SetDriverFeatures(page uint32, value uint32) {
	v := uint64(value) << (32 * page)
	unsupported := v &^ d.deviceFeatures
	if unsupported != 0 && d.logger != nil {
		d.logger.Warnf("driver requested unsupported feature bits 0x%x on page %d", unsupported, page)
	}
	d.driverFeatures |= v & d.deviceFeatures
}

// ReadConfig copies the guest-visible config space, little-endian.
// Reads running past the end fail.
func (d *Device) ReadConfig(offset uint64, data []byte) error {
	return readConfigDefault(d.configSpace.Bytes(), offset, data)
}

// WriteConfig rejects every write; the config space is read-only to
// the guest. Emergency write bypasses the config space via
// EmergencyWrite.
func (d *Device) WriteConfig(offset uint64, data []byte) error {
	return newError("write_config", ErrCodeConfigAccess,
		"config space is read-only (offset %d, %d bytes)", offset, len(data))
}

// Activate wires every queue pair to its handler. queues and queueEvts
// must both hold 2*MaxNrPorts+2 entries laid out per the queue map:
// q0/q1 are port 0, q2/q3 are the control pair, q2k/q2k+1 (k >= 2)
// belong to port k-1. registry may be nil when the embedder drives the
// handlers itself.
func (d *Device) Activate(queues []virtqueue.Queue, queueEvts []int, interrupt InterruptFunc, registry EventRegistry) error {
	if len(queues) != d.QueueNum() {
		return newError("activate", ErrCodeConstruction,
			"expected %d queues, got %d", d.QueueNum(), len(queues))
	}
	if len(queueEvts) != len(queues) {
		return newError("activate", ErrCodeConstruction,
			"expected %d queue event fds, got %d", len(queues), len(queueEvts))
	}
	if d.activated {
		return newError("activate", ErrCodeConstruction, "device already activated")
	}
	d.registry = registry

	for queueID := 0; queueID < len(queues)/2; queueID++ {
		var nr uint32
		switch queueID {
		case 0:
			nr = 0
		case 1:
			// Control pair, wired below.
			continue
		default:
			nr = uint32(queueID - 1)
		}
		port := d.portByNr(nr)
		handler := &PortHandler{
			inputQueue:     queues[queueID*2],
			outputQueue:    queues[queueID*2+1],
			outputQueueEvt: queueEvts[queueID*2+1],
			interrupt:      interrupt,
			driverFeatures: d.driverFeatures,
			deviceBroken:   &d.broken,
			port:           port,
			logger:         d.logger,
		}
		d.handlers = append(d.handlers, handler)
		if err := d.registerEvent(handler.outputQueueEvt, handler.OutputHandle); err != nil {
			return err
		}
		if port != nil {
			port.activate(handler)
		}
	}

	if err := d.controlQueuesActivate(queues, queueEvts, interrupt); err != nil {
		return err
	}

	d.activated = true
	return nil
}

// controlQueuesActivate wires q2 (host to guest) and q3 (guest to
// host) to the single control handler and hands every port a reference
// to it.
func (d *Device) controlQueuesActivate(queues []virtqueue.Queue, queueEvts []int, interrupt InterruptFunc) error {
	handler := &ControlHandler{
		inputQueue:     queues[2],
		outputQueue:    queues[3],
		outputQueueEvt: queueEvts[3],
		interrupt:      interrupt,
		driverFeatures: d.driverFeatures,
		deviceBroken:   &d.broken,
		device:         d,
		logger:         d.logger,
	}
	d.ctrl = handler
	for _, port := range d.portsSnapshot() {
		port.setCtrlHandler(handler)
	}
	return d.registerEvent(handler.outputQueueEvt, handler.OutputControl)
}

func (d *Device) registerEvent(fd int, h func()) error {
	if d.registry == nil {
		return nil
	}
	if err := d.registry.Register(fd, func() {
		drainEventFD(fd)
		h()
	}); err != nil {
		return wrapError("activate", ErrCodeConstruction, err)
	}
	d.registeredFDs = append(d.registeredFDs, fd)
	return nil
}

// Deactivate resets the device: ports detach from their handlers,
// every registered event listener is unregistered, guest_connected is
// cleared. Ports and negotiated features survive; the guest
// renegotiates on the next activation.
func (d *Device) Deactivate() {
	for _, port := range d.portsSnapshot() {
		port.deactivate()
	}
	if d.registry != nil {
		for _, fd := range d.registeredFDs {
			d.registry.Unregister(fd)
		}
	}
	d.registeredFDs = nil
	d.handlers = nil
	d.ctrl = nil
	d.activated = false
}

// Broken reports whether a handler hit an unrecoverable device error.
func (d *Device) Broken() bool { return d.broken.Load() }

// ControlHandler returns the active control handler, or nil before
// activation.
func (d *Device) ControlHandler() *ControlHandler { return d.ctrl }

// EmergencyWrite emits a single byte straight to the console port's
// char-device, bypassing the rings. Without a host-connected console
// port it logs and does nothing.
func (d *Device) EmergencyWrite(b byte) {
	for _, port := range d.portsSnapshot() {
		if !port.isConsole || !port.HostConnected() || port.chardev == nil {
			continue
		}
		if _, err := port.chardev.Write([]byte{b}); err != nil {
			if d.logger != nil {
				d.logger.Errorf("emergency write on port %d: %v", port.nr, err)
			}
			return
		}
		if err := port.chardev.Flush(); err != nil && d.logger != nil {
			d.logger.Errorf("emergency write flush on port %d: %v", port.nr, err)
		}
		return
	}
	if d.logger != nil {
		d.logger.Warnf("emergency write with no connected console port, dropping byte")
	}
}

// RemovePort is declared for control-protocol completeness; hot-unplug
// (PORT_REMOVE) is never emitted by this device.
func (d *Device) RemovePort(nr uint32) error {
	return ErrNotImplemented
}

// reportVirtioError marks the device broken so every handler
// short-circuits on next entry. The transport is expected to signal
// the failure to the guest.
func reportVirtioError(broken *atomic.Bool, logger *logging.Logger) {
	if broken.Swap(true) {
		return
	}
	if logger != nil {
		logger.Errorf("device marked broken, handlers disabled until reset")
	}
}

// drainEventFD consumes an eventfd counter before its handler runs.
func drainEventFD(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

// Tunables shared with the char-device backends.
const (
	// BufSize is the chunk size of the transmit path and the size
	// RemainSpace advertises to backends.
	BufSize = constants.PortBufSize
)
