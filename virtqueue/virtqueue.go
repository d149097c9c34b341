// Package virtqueue provides the guest ring accessor the serial device
// drains: a split-ring implementation over validated guest memory, plus
// the Queue contract consumers program against so a transport can
// substitute its own ring plumbing.
package virtqueue

import "github.com/go-vserial/vserial/iovec"

// Descriptor flags from the virtio split-ring layout.
const (
	descFlagNext     = 1 << 0
	descFlagWrite    = 1 << 1
	descFlagIndirect = 1 << 2
)

// Avail/used ring flags.
const (
	availFlagNoInterrupt = 1 << 0
)

// DescChain is one popped virtqueue element: the descriptor-table index
// to hand back via AddUsed, and the chain's guest buffers resolved to
// host-reachable iovecs. In is device-writable, Out is device-readable.
type DescChain struct {
	Index uint16
	In    []iovec.Iovec
	Out   []iovec.Iovec
}

// InLen returns the total device-writable capacity of the chain.
func (c *DescChain) InLen() uint64 { return iovec.TotalLen(c.In) }

// OutLen returns the total device-readable length of the chain.
func (c *DescChain) OutLen() uint64 { return iovec.TotalLen(c.Out) }

// Queue is the ring contract the serial device consumes. Implementations
// are not required to be safe for concurrent use; callers serialize a
// drain with their own lock.
type Queue interface {
	// PopAvail pops the next available descriptor chain, or (nil, nil)
	// when the ring is empty. A non-nil error means the ring itself is
	// corrupt (unmapped descriptor, bogus index) and the device should
	// treat it as fatal.
	PopAvail() (*DescChain, error)

	// AddUsed returns a popped chain to the driver with the number of
	// bytes the device wrote into its In buffers.
	AddUsed(index uint16, length uint32) error

	// ShouldNotify reports whether the driver wants an interrupt for
	// used entries added since the last notification, honoring the
	// ring's suppression mechanism.
	ShouldNotify() bool
}
