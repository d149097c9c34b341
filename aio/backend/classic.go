//go:build linux

package backend

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux classic-aio syscall numbers, taken from golang.org/x/sys/unix's
// per-architecture tables. There is no golang.org/x/sys/unix wrapper for
// the io_submit/io_getevents family, so they are called directly by number.
const (
	sysIoSetup       = unix.SYS_IO_SETUP
	sysIoDestroy     = unix.SYS_IO_DESTROY
	sysIoSubmit      = unix.SYS_IO_SUBMIT
	sysIoGetevents   = unix.SYS_IO_GETEVENTS
	iocbCmdPread     = 0
	iocbCmdPwrite    = 1
	iocbCmdFsync     = 2
	iocbCmdPreadv    = 7
	iocbCmdPwritev   = 8
	iocbFlagResFD    = 1 << 0
	aioRingSizeBytes = 0 // the kernel owns ring memory; userspace never maps it for classic aio
)

// iocb mirrors struct iocb from linux/aio_abi.h (64 bytes, little endian
// field order for the aio_key/aio_rw_flags pair).
type iocb struct {
	aioData     uint64
	aioKey      uint32
	aioRWFlags  uint32
	aioLioOpcode uint16
	aioReqPrio  int16
	aioFildes   uint32
	aioBuf      uint64
	aioNBytes   uint64
	aioOffset   int64
	aioReserved2 uint64
	aioFlags    uint32
	aioResFD    uint32
}

// ioEvent mirrors struct io_event.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

// rawIovec mirrors struct iovec for the classic-aio vectored ops, which
// is NOT the same layout as iovec.Iovec (that one is {hva, len}; this
// one needs the platform's native {base pointer, size_t len}).
type rawIovec struct {
	base uintptr
	len  uint64
}

type aioContextID uint64

func ioSetup(nrEvents uint32) (aioContextID, error) {
	var ctx aioContextID
	_, _, errno := unix.Syscall(sysIoSetup, uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, errno
	}
	return ctx, nil
}

func ioDestroy(ctx aioContextID) error {
	_, _, errno := unix.Syscall(sysIoDestroy, uintptr(ctx), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioSubmit(ctx aioContextID, cbs []*iocb) (int, error) {
	if len(cbs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall(sysIoSubmit, uintptr(ctx), uintptr(len(cbs)), uintptr(unsafe.Pointer(&cbs[0])))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func ioGetevents(ctx aioContextID, minNr, maxNr int, events []ioEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall6(sysIoGetevents, uintptr(ctx), uintptr(minNr), uintptr(maxNr),
		uintptr(unsafe.Pointer(&events[0])), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// classicBackend dispatches one io_submit syscall per Submit call and
// reaps completions via io_getevents, notified through a per-request
// IOCB_FLAG_RESFD eventfd shared by the whole context.
type classicBackend struct {
	mu      sync.Mutex
	ctx     aioContextID
	eventFD int
	entries uint32
	// pending pins each in-flight iocb and its iovec array until the
	// kernel reports completion; the kernel only holds raw pointers.
	pending map[uint64]*pendingCB
}

type pendingCB struct {
	cb   *iocb
	iovs []rawIovec
}

func newClassicBackend(entries uint32) (Backend, error) {
	ctx, err := ioSetup(entries)
	if err != nil {
		return nil, fmt.Errorf("io_setup: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		ioDestroy(ctx)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &classicBackend{
		ctx:     ctx,
		eventFD: efd,
		entries: entries,
		pending: make(map[uint64]*pendingCB),
	}, nil
}

func (b *classicBackend) EventFD() int { return b.eventFD }

func (b *classicBackend) Submit(batch []*Request) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	for _, req := range batch {
		switch req.Opcode {
		case OpPreadv, OpPwritev, OpFdsync:
		default:
			return 0, fmt.Errorf("io_submit: unsupported opcode %d", req.Opcode)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cbs := make([]*iocb, 0, len(batch))
	for _, req := range batch {
		c := &iocb{
			aioFildes: uint32(req.FileFD),
			aioOffset: req.Offset,
			aioData:   req.UserData,
			aioFlags:  iocbFlagResFD,
			aioResFD:  uint32(b.eventFD),
		}
		iovecs := make([]rawIovec, len(req.Iovec))
		for i, iov := range req.Iovec {
			iovecs[i] = rawIovec{base: uintptr(iov.HVA), len: iov.Len}
		}
		switch req.Opcode {
		case OpPreadv:
			c.aioLioOpcode = iocbCmdPreadv
			if len(iovecs) > 0 {
				c.aioBuf = uint64(uintptr(unsafe.Pointer(&iovecs[0])))
			}
			c.aioNBytes = uint64(len(iovecs))
		case OpPwritev:
			c.aioLioOpcode = iocbCmdPwritev
			if len(iovecs) > 0 {
				c.aioBuf = uint64(uintptr(unsafe.Pointer(&iovecs[0])))
			}
			c.aioNBytes = uint64(len(iovecs))
		case OpFdsync:
			c.aioLioOpcode = iocbCmdFsync
		default:
			continue
		}
		cbs = append(cbs, c)
		b.pending[req.UserData] = &pendingCB{cb: c, iovs: iovecs}
	}

	n, err := ioSubmit(b.ctx, cbs)
	if err != nil {
		for _, req := range batch {
			delete(b.pending, req.UserData)
		}
		return 0, err
	}
	for _, c := range cbs[n:] {
		delete(b.pending, c.aioData)
	}
	return n, nil
}

func (b *classicBackend) GetEvents() ([]Event, error) {
	var drain [8]byte
	unix.Read(b.eventFD, drain[:]) // best-effort: clears the eventfd counter

	raw := make([]ioEvent, b.entries)
	n, err := ioGetevents(b.ctx, 0, len(raw), raw)
	if err != nil {
		return nil, fmt.Errorf("io_getevents: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		delete(b.pending, raw[i].data)
		events = append(events, Event{
			UserData: raw[i].data,
			Status:   0,
			Res:      raw[i].res,
		})
	}
	return events, nil
}

func (b *classicBackend) Close() error {
	unix.Close(b.eventFD)
	return ioDestroy(b.ctx)
}
