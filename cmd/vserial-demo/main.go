// Command vserial-demo wires the two subsystems together end to end:
// an AIO engine writing a scratch file through the selected backend,
// and a virtio-serial console device driven by an emulated guest over
// real split rings in a flat memory slab.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-vserial/vserial/aio"
	"github.com/go-vserial/vserial/aio/backend"
	"github.com/go-vserial/vserial/internal/logging"
	"github.com/go-vserial/vserial/internal/reactor"
	"github.com/go-vserial/vserial/iovec"
	"github.com/go-vserial/vserial/serial"
	"github.com/go-vserial/vserial/virtqueue"
)

func main() {
	var (
		backendName = flag.String("aio-backend", "classic", "AIO backend: io_uring or classic")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr, Component: "demo"})

	if err := runAIO(logger, backend.Name(*backendName)); err != nil {
		log.Fatalf("aio demo: %v", err)
	}
	if err := runSerial(logger); err != nil {
		log.Fatalf("serial demo: %v", err)
	}
}

// runAIO writes a scratch file asynchronously and once more through
// the misaligned bounce path, then reaps completions off the engine's
// event descriptor.
func runAIO(logger *logging.Logger, name backend.Name) error {
	f, err := os.CreateTemp("", "vserial-demo-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	metrics := aio.NewMetrics()
	done := make(chan int64, 2)
	engine, err := aio.NewEngine(aio.EngineParams{
		Backend:  name,
		Logger:   logger,
		Observer: aio.NewMetricsObserver(metrics),
	}, func(cb *aio.AioCb[string], res int64) {
		logger.Infof("completed %q: res=%d", cb.CompleteCB, res)
		done <- res
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	payload := []byte("written through the aio engine\n")
	engine.SubmitAsync(&aio.AioCb[string]{
		FileFD:     int(f.Fd()),
		Opcode:     aio.OpPwritev,
		Iovec:      []iovec.Iovec{iovec.FromSlice(payload)},
		NBytes:     int64(len(payload)),
		CompleteCB: "async write",
		LastAio:    true,
	}, 512, false)

	// A misaligned buffer with direct set diverts through the bounce
	// path and completes synchronously.
	misaligned := make([]byte, 4096+1)[1:]
	engine.SubmitAsync(&aio.AioCb[string]{
		FileFD:     int(f.Fd()),
		Opcode:     aio.OpPwritev,
		Iovec:      []iovec.Iovec{iovec.FromSlice(misaligned)},
		Offset:     4096,
		NBytes:     int64(len(misaligned)),
		CompleteCB: "bounced write",
	}, 512, true)

	for reaped := 0; reaped < 2; {
		select {
		case <-done:
			reaped++
		default:
			fds := []unix.PollFd{{Fd: int32(engine.EventFD()), Events: unix.POLLIN}}
			if _, err := unix.Poll(fds, 1000); err != nil && err != unix.EINTR {
				return err
			}
			engine.HandleCompletions()
		}
	}

	snap := metrics.Snapshot()
	logger.Infof("aio: submitted=%d completed=%d failed=%d bounced=%d bytes_written=%d",
		snap.Submitted, snap.Completed, snap.Failed, snap.Bounced, snap.BytesWritten)
	return nil
}

// guestDriver emulates the guest side of one split ring inside a slab
// of "guest" memory: it lays out the descriptor table, posts buffers,
// and kicks the device's eventfd.
type guestDriver struct {
	slab     []byte
	desc     uint64
	avail    uint64
	used     uint64
	buf      uint64
	size     uint16
	nextDesc uint16
	kickFD   int
}

func newGuestDriver(slab []byte, base uint64, kickFD int) *guestDriver {
	return &guestDriver{
		slab:   slab,
		desc:   base,
		avail:  base + 0x1000,
		used:   base + 0x2000,
		buf:    base + 0x3000,
		size:   16,
		kickFD: kickFD,
	}
}

func (g *guestDriver) queue(mem iovec.GuestMemory) (*virtqueue.SplitQueue, error) {
	return virtqueue.NewSplitQueue(virtqueue.SplitQueueConfig{
		Mem:       mem,
		DescTable: g.desc,
		AvailRing: g.avail,
		UsedRing:  g.used,
		Size:      g.size,
	})
}

// post writes data into guest memory, points a fresh descriptor at it,
// and publishes it on the avail ring. write selects a device-writable
// descriptor.
func (g *guestDriver) post(data []byte, write bool) {
	i := g.nextDesc % g.size
	g.nextDesc++
	bufAddr := g.buf + uint64(i)*0x100
	copy(g.slab[bufAddr:], data)

	var flags uint16
	if write {
		flags = 1 << 1
	}
	off := g.desc + uint64(i)*16
	binary.LittleEndian.PutUint64(g.slab[off:], bufAddr)
	binary.LittleEndian.PutUint32(g.slab[off+8:], uint32(len(data)))
	binary.LittleEndian.PutUint16(g.slab[off+12:], flags)

	idx := binary.LittleEndian.Uint16(g.slab[g.avail+2:])
	binary.LittleEndian.PutUint16(g.slab[g.avail+4+uint64(idx%g.size)*2:], i)
	binary.LittleEndian.PutUint16(g.slab[g.avail+2:], idx+1)
}

func (g *guestDriver) kick() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(g.kickFD, buf[:])
	return err
}

// stdoutChardev bridges a console port to the process's stdout.
type stdoutChardev struct{}

func (stdoutChardev) Write(p []byte) (int, error)         { return os.Stdout.Write(p) }
func (stdoutChardev) Flush() error                        { return nil }
func (stdoutChardev) SetInputReceiver(serial.InputReceiver) {}

// runSerial activates a one-port console device over real split rings
// and plays the guest: feature negotiation, DEVICE_READY, then a line
// of output through the transmit queue.
func runSerial(logger *logging.Logger) error {
	slab := make([]byte, 1<<20)
	mem := iovec.NewFlatGuestMemory(iovec.MemRegion{GuestPhysAddr: 0, Data: slab})

	dev, err := serial.New(serial.DeviceParams{MaxNrPorts: 1, Logger: logger})
	if err != nil {
		return err
	}
	if _, err := dev.AddPort(serial.PortParams{
		Nr: 0, Name: "hvc0", IsConsole: true, CharDevice: stdoutChardev{},
	}); err != nil {
		return err
	}

	dev.SetDriverFeatures(0, dev.DeviceFeatures(0))
	dev.SetDriverFeatures(1, dev.DeviceFeatures(1))

	r, err := reactor.New(logger)
	if err != nil {
		return err
	}
	defer r.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := r.Run(ctx); err != nil {
			logger.Errorf("reactor: %v", err)
		}
	}()

	queueNum := dev.QueueNum()
	queues := make([]virtqueue.Queue, queueNum)
	evts := make([]int, queueNum)
	drivers := make([]*guestDriver, queueNum)
	for i := 0; i < queueNum; i++ {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
		if err != nil {
			return err
		}
		defer unix.Close(fd)
		evts[i] = fd
		drivers[i] = newGuestDriver(slab, uint64(i)*0x10000, fd)
		q, err := drivers[i].queue(mem)
		if err != nil {
			return err
		}
		queues[i] = q
	}

	interrupt := func(q virtqueue.Queue) error {
		logger.Debugf("vring interrupt")
		return nil
	}
	if err := dev.Activate(queues, evts, interrupt, r); err != nil {
		return err
	}
	defer dev.Deactivate()

	// Keep control receive buffers posted, announce readiness, then
	// transmit a line on port 0.
	for i := 0; i < 4; i++ {
		drivers[2].post(make([]byte, 64), true)
	}
	msg := serialControlMsg(0, 0 /* DEVICE_READY */, 1)
	drivers[3].post(msg, false)
	if err := drivers[3].kick(); err != nil {
		return err
	}

	drivers[1].post([]byte("hello from the guest console\n"), false)
	if err := drivers[1].kick(); err != nil {
		return err
	}

	// Give the reactor a moment to dispatch both kicks.
	time.Sleep(100 * time.Millisecond)

	state := dev.State()
	logger.Infof("serial: negotiated features 0x%x, %d ports max",
		state.DriverFeatures, state.ConfigSpace.MaxNrPorts)

	cancel()
	r.Stop()
	<-loopDone

	if dev.Broken() {
		return fmt.Errorf("device broke during demo")
	}
	return nil
}

func serialControlMsg(id uint32, event, value uint16) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], id)
	binary.LittleEndian.PutUint16(buf[4:], event)
	binary.LittleEndian.PutUint16(buf[6:], value)
	return buf
}
