package serial

import "encoding/binary"

// Snapshot descriptor tag and version. The blob is native byte order:
// it never leaves the host architecture, migration between endiannesses
// is not supported.
const (
	snapshotTag     uint32 = 0x56534552 // "VSER"
	snapshotVersion uint32 = 1

	snapshotSize = 4 + 4 + 8 + 8 + 2 + 2 + 4 + 4
)

// DeviceState is the migration snapshot: negotiated features and the
// config space. Port live state is not serialized; the guest
// renegotiates it after restore.
type DeviceState struct {
	DeviceFeatures uint64
	DriverFeatures uint64
	ConfigSpace    VirtioConsoleConfig
}

// Snapshot serializes the device's migratable state.
func (d *Device) Snapshot() []byte {
	buf := make([]byte, snapshotSize)
	binary.NativeEndian.PutUint32(buf[0:], snapshotTag)
	binary.NativeEndian.PutUint32(buf[4:], snapshotVersion)
	binary.NativeEndian.PutUint64(buf[8:], d.deviceFeatures)
	binary.NativeEndian.PutUint64(buf[16:], d.driverFeatures)
	binary.NativeEndian.PutUint16(buf[24:], d.configSpace.Cols)
	binary.NativeEndian.PutUint16(buf[26:], d.configSpace.Rows)
	binary.NativeEndian.PutUint32(buf[28:], d.configSpace.MaxNrPorts)
	binary.NativeEndian.PutUint32(buf[32:], d.configSpace.EmergWr)
	return buf
}

// Restore applies a snapshot produced by Snapshot.
func (d *Device) Restore(blob []byte) error {
	if len(blob) != snapshotSize {
		return newError("restore", ErrCodeConstruction,
			"snapshot of %d bytes, expected %d", len(blob), snapshotSize)
	}
	if tag := binary.NativeEndian.Uint32(blob[0:]); tag != snapshotTag {
		return newError("restore", ErrCodeConstruction, "bad snapshot tag 0x%x", tag)
	}
	if v := binary.NativeEndian.Uint32(blob[4:]); v != snapshotVersion {
		return newError("restore", ErrCodeConstruction, "unsupported snapshot version %d", v)
	}
	d.deviceFeatures = binary.NativeEndian.Uint64(blob[8:])
	d.driverFeatures = binary.NativeEndian.Uint64(blob[16:])
	d.configSpace = VirtioConsoleConfig{
		Cols:       binary.NativeEndian.Uint16(blob[24:]),
		Rows:       binary.NativeEndian.Uint16(blob[26:]),
		MaxNrPorts: binary.NativeEndian.Uint32(blob[28:]),
		EmergWr:    binary.NativeEndian.Uint32(blob[32:]),
	}
	d.maxNrPorts = d.configSpace.MaxNrPorts
	return nil
}

// State returns the snapshot as a struct, for embedders that persist
// it through their own serialization.
func (d *Device) State() DeviceState {
	return DeviceState{
		DeviceFeatures: d.deviceFeatures,
		DriverFeatures: d.driverFeatures,
		ConfigSpace:    d.configSpace,
	}
}
