package virtqueue

import (
	"encoding/binary"
	"fmt"

	"github.com/go-vserial/vserial/iovec"
)

const (
	descSize = 16

	descAddrOff  = 0
	descLenOff   = 8
	descFlagsOff = 12
	descNextOff  = 14
)

// SplitQueueConfig describes one split-format virtqueue inside guest
// memory: the three ring structures the driver laid out, the ring size,
// and whether VIRTIO_RING_F_EVENT_IDX was negotiated (which switches
// notification suppression from the NO_INTERRUPT flag to the used-event
// index).
type SplitQueueConfig struct {
	Mem       iovec.GuestMemory
	DescTable uint64
	AvailRing uint64
	UsedRing  uint64
	Size      uint16
	EventIdx  bool
}

// SplitQueue is a Queue over the virtio split-ring layout, all fields
// little-endian in guest memory. It keeps the same shadow indices the
// C implementations keep: the last seen avail index, the shadow used
// index, and the signalled-used pair driving notification suppression.
type SplitQueue struct {
	mem      iovec.GuestMemory
	desc     uint64
	avail    uint64
	used     uint64
	size     uint16
	eventIdx bool

	lastAvailIdx      uint16
	usedIdx           uint16
	signaledUsed      uint16
	signaledUsedValid bool
}

// NewSplitQueue validates cfg and returns a SplitQueue. The ring size
// must be a nonzero power of two per the virtio split-ring rules.
func NewSplitQueue(cfg SplitQueueConfig) (*SplitQueue, error) {
	if cfg.Mem == nil {
		return nil, fmt.Errorf("virtqueue: nil guest memory")
	}
	if cfg.Size == 0 || cfg.Size&(cfg.Size-1) != 0 {
		return nil, fmt.Errorf("virtqueue: ring size %d is not a power of two", cfg.Size)
	}
	return &SplitQueue{
		mem:      cfg.Mem,
		desc:     cfg.DescTable,
		avail:    cfg.AvailRing,
		used:     cfg.UsedRing,
		size:     cfg.Size,
		eventIdx: cfg.EventIdx,
	}, nil
}

func (q *SplitQueue) read16(gpa uint64) (uint16, error) {
	b, ok := q.mem.Slice(gpa, 2)
	if !ok || len(b) < 2 {
		return 0, fmt.Errorf("virtqueue: unmapped ring field at 0x%x", gpa)
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (q *SplitQueue) write16(gpa uint64, v uint16) error {
	b, ok := q.mem.Slice(gpa, 2)
	if !ok || len(b) < 2 {
		return fmt.Errorf("virtqueue: unmapped ring field at 0x%x", gpa)
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (q *SplitQueue) write32(gpa uint64, v uint32) error {
	b, ok := q.mem.Slice(gpa, 4)
	if !ok || len(b) < 4 {
		return fmt.Errorf("virtqueue: unmapped ring field at 0x%x", gpa)
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// readDesc reads descriptor i of the table at base.
func (q *SplitQueue) readDesc(base uint64, i uint16) (addr uint64, length uint32, flags, next uint16, err error) {
	b, ok := q.mem.Slice(base+uint64(i)*descSize, descSize)
	if !ok || len(b) < descSize {
		return 0, 0, 0, 0, fmt.Errorf("virtqueue: unmapped descriptor %d at 0x%x", i, base)
	}
	addr = binary.LittleEndian.Uint64(b[descAddrOff:])
	length = binary.LittleEndian.Uint32(b[descLenOff:])
	flags = binary.LittleEndian.Uint16(b[descFlagsOff:])
	next = binary.LittleEndian.Uint16(b[descNextOff:])
	return addr, length, flags, next, nil
}

// usedEventAddr is the trailing used_event field of the avail ring,
// written by the driver to steer device interrupts.
func (q *SplitQueue) usedEventAddr() uint64 {
	return q.avail + 4 + uint64(q.size)*2
}

// availEventAddr is the trailing avail_event field of the used ring,
// written by the device to steer driver kicks.
func (q *SplitQueue) availEventAddr() uint64 {
	return q.used + 4 + uint64(q.size)*8
}

// PopAvail implements Queue.
func (q *SplitQueue) PopAvail() (*DescChain, error) {
	availIdx, err := q.read16(q.avail + 2)
	if err != nil {
		return nil, err
	}
	if q.lastAvailIdx == availIdx {
		return nil, nil
	}

	slot := q.lastAvailIdx % q.size
	head, err := q.read16(q.avail + 4 + uint64(slot)*2)
	if err != nil {
		return nil, err
	}
	if head >= q.size {
		return nil, fmt.Errorf("virtqueue: avail ring head %d out of range (size %d)", head, q.size)
	}
	q.lastAvailIdx++

	if q.eventIdx {
		if err := q.write16(q.availEventAddr(), q.lastAvailIdx); err != nil {
			return nil, err
		}
	}

	chain, err := q.mapDescChain(head)
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// mapDescChain walks the descriptor chain rooted at head, resolving
// each guest buffer to host iovecs and following indirect tables.
func (q *SplitQueue) mapDescChain(head uint16) (*DescChain, error) {
	chain := &DescChain{Index: head}

	table := q.desc
	tableSize := q.size
	i := head

	addr, length, flags, next, err := q.readDesc(table, i)
	if err != nil {
		return nil, err
	}
	if flags&descFlagIndirect != 0 {
		if length%descSize != 0 {
			return nil, fmt.Errorf("virtqueue: indirect descriptor length %d not a multiple of %d", length, descSize)
		}
		table = addr
		tableSize = uint16(length / descSize)
		i = 0
		addr, length, flags, next, err = q.readDesc(table, i)
		if err != nil {
			return nil, err
		}
	}

	for steps := uint16(0); ; steps++ {
		if steps > tableSize {
			return nil, fmt.Errorf("virtqueue: descriptor chain longer than ring size %d", tableSize)
		}

		segs := iovec.ReadChain(q.mem, addr, uint64(length))
		var mapped uint64
		for _, seg := range segs {
			iov := iovec.FromSlice(seg)
			if flags&descFlagWrite != 0 {
				chain.In = append(chain.In, iov)
			} else {
				chain.Out = append(chain.Out, iov)
			}
			mapped += uint64(len(seg))
		}
		if mapped != uint64(length) {
			return nil, fmt.Errorf("virtqueue: descriptor buffer 0x%x+%d not fully mapped", addr, length)
		}

		if flags&descFlagNext == 0 {
			break
		}
		i = next
		if i >= tableSize {
			return nil, fmt.Errorf("virtqueue: descriptor next %d out of range (size %d)", i, tableSize)
		}
		addr, length, flags, next, err = q.readDesc(table, i)
		if err != nil {
			return nil, err
		}
	}

	return chain, nil
}

// AddUsed implements Queue.
func (q *SplitQueue) AddUsed(index uint16, length uint32) error {
	if index >= q.size {
		return fmt.Errorf("virtqueue: used index %d out of range (size %d)", index, q.size)
	}

	slot := q.usedIdx % q.size
	entry := q.used + 4 + uint64(slot)*8
	if err := q.write32(entry, uint32(index)); err != nil {
		return err
	}
	if err := q.write32(entry+4, length); err != nil {
		return err
	}

	old := q.usedIdx
	q.usedIdx++
	if err := q.write16(q.used+2, q.usedIdx); err != nil {
		return err
	}

	// u16-wrap tracking: if the driver's signalled point was lapped,
	// force the next ShouldNotify to fire.
	if q.usedIdx-q.signaledUsed < q.usedIdx-old {
		q.signaledUsedValid = false
	}
	return nil
}

// VringNeedEvent is the virtio-ring.h notification predicate: fire iff
// the used index crossed the driver's event index since old.
func VringNeedEvent(eventIdx, newIdx, old uint16) bool {
	return newIdx-eventIdx-1 < newIdx-old
}

// ShouldNotify implements Queue.
func (q *SplitQueue) ShouldNotify() bool {
	if !q.eventIdx {
		flags, err := q.read16(q.avail)
		if err != nil {
			return true
		}
		return flags&availFlagNoInterrupt == 0
	}

	event, err := q.read16(q.usedEventAddr())
	if err != nil {
		return true
	}
	valid := q.signaledUsedValid
	old := q.signaledUsed
	new := q.usedIdx
	q.signaledUsed = new
	q.signaledUsedValid = true
	return !valid || VringNeedEvent(event, new, old)
}

var _ Queue = (*SplitQueue)(nil)
