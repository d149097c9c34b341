package serial

import (
	"encoding/binary"

	"github.com/go-vserial/vserial/internal/constants"
)

// Virtio feature bit positions offered by the device.
const (
	// FeatureConsoleSize gates the cols/rows fields of the config space.
	FeatureConsoleSize = 0
	// FeatureMultiport gates the control queues and the per-port
	// handshake protocol.
	FeatureMultiport = 1
	// FeatureEmergWrite gates the emerg_wr config field. Declared for
	// completeness; not offered.
	FeatureEmergWrite = 2
	// FeatureVersion1 is the transitional-free virtio 1.0 bit.
	FeatureVersion1 = 32
)

// VirtioConsoleConfig is the device configuration space, read-only to
// the guest and exposed little-endian.
type VirtioConsoleConfig struct {
	Cols       uint16
	Rows       uint16
	MaxNrPorts uint32
	EmergWr    uint32
}

// newConsoleConfig returns the configuration for a device with the
// given port count: no size reported, emergency write idle.
func newConsoleConfig(maxNrPorts uint32) VirtioConsoleConfig {
	return VirtioConsoleConfig{MaxNrPorts: maxNrPorts}
}

// Bytes renders the config space in its guest-visible layout:
// cols(2) | rows(2) | max_nr_ports(4) | emerg_wr(4), little-endian.
func (c VirtioConsoleConfig) Bytes() []byte {
	buf := make([]byte, constants.ConfigSpaceSize)
	binary.LittleEndian.PutUint16(buf[0:], c.Cols)
	binary.LittleEndian.PutUint16(buf[2:], c.Rows)
	binary.LittleEndian.PutUint32(buf[4:], c.MaxNrPorts)
	binary.LittleEndian.PutUint32(buf[8:], c.EmergWr)
	return buf
}

// readConfigDefault copies data out of the rendered config space,
// failing any access that runs past the end.
func readConfigDefault(cfg []byte, offset uint64, data []byte) error {
	if offset+uint64(len(data)) > uint64(len(cfg)) {
		return newError("read_config", ErrCodeConfigAccess,
			"read of %d bytes at offset %d exceeds config size %d", len(data), offset, len(cfg))
	}
	copy(data, cfg[offset:])
	return nil
}
