package serial

import "encoding/binary"

// Control event codes carried in VirtioConsoleControl.Event.
const (
	// ControlDeviceReady is sent by the driver at initialization to
	// indicate it is ready to receive control messages.
	ControlDeviceReady uint16 = 0
	// ControlPortAdd is sent by the device to create a new port.
	ControlPortAdd uint16 = 1
	// ControlPortRemove is sent by the device to remove an existing
	// port. Declared but never emitted.
	ControlPortRemove uint16 = 2
	// ControlPortReady is the driver's response to ControlPortAdd.
	ControlPortReady uint16 = 3
	// ControlConsolePort nominates a port as a console port.
	ControlConsolePort uint16 = 4
	// ControlResize indicates a console size change. Declared but
	// never emitted.
	ControlResize uint16 = 5
	// ControlPortOpen flows both ways and carries the endpoint's
	// connected state in Value.
	ControlPortOpen uint16 = 6
	// ControlPortName gives a tag to the port; the name follows the
	// message as a NUL-terminated payload.
	ControlPortName uint16 = 7
)

// controlMsgSize is the wire size of VirtioConsoleControl.
const controlMsgSize = 8

// VirtioConsoleControl is the 8-byte multiport control message:
// id(4) | event(2) | value(2), little-endian on the wire.
type VirtioConsoleControl struct {
	ID    uint32
	Event uint16
	Value uint16
}

// appendTo appends the message's wire form to buf.
func (m VirtioConsoleControl) appendTo(buf []byte) []byte {
	var w [controlMsgSize]byte
	binary.LittleEndian.PutUint32(w[0:], m.ID)
	binary.LittleEndian.PutUint16(w[4:], m.Event)
	binary.LittleEndian.PutUint16(w[6:], m.Value)
	return append(buf, w[:]...)
}

// decodeControl decodes a control message from b, rejecting anything
// shorter than the 8-byte base.
func decodeControl(b []byte) (VirtioConsoleControl, error) {
	if len(b) < controlMsgSize {
		return VirtioConsoleControl{}, newError("decode_control", ErrCodeProtocolViolation,
			"message of %d bytes, expected at least %d", len(b), controlMsgSize)
	}
	return VirtioConsoleControl{
		ID:    binary.LittleEndian.Uint32(b[0:]),
		Event: binary.LittleEndian.Uint16(b[4:]),
		Value: binary.LittleEndian.Uint16(b[6:]),
	}, nil
}
