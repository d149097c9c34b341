package serial

import (
	"sync"

	"github.com/go-vserial/vserial/iovec"
	"github.com/go-vserial/vserial/virtqueue"
)

// MockQueue is an in-memory virtqueue.Queue for tests: descriptor
// chains are backed by plain Go slices, used entries are recorded for
// inspection, and notification suppression is scriptable.
type MockQueue struct {
	mu sync.Mutex

	// NotifySuppressed, when true, makes ShouldNotify report false.
	NotifySuppressed bool

	// PopErr, when set, is returned by PopAvail to exercise the fatal
	// device error path.
	PopErr error

	chains  []*virtqueue.DescChain
	backing map[uint16][][]byte
	nextIdx uint16
	used    []UsedElem
}

// UsedElem is one recorded AddUsed call.
type UsedElem struct {
	Index  uint16
	Length uint32
}

// NewMockQueue creates an empty MockQueue.
func NewMockQueue() *MockQueue {
	return &MockQueue{backing: make(map[uint16][][]byte)}
}

// AddOutChain posts a device-readable chain carrying the given buffers,
// returning its descriptor index.
func (q *MockQueue) AddOutChain(bufs ...[]byte) uint16 {
	return q.addChain(nil, bufs)
}

// AddInChain posts a device-writable chain over the given buffers,
// returning its descriptor index. The caller keeps the slices and reads
// back whatever the device scattered into them.
func (q *MockQueue) AddInChain(bufs ...[]byte) uint16 {
	return q.addChain(bufs, nil)
}

func (q *MockQueue) addChain(in, out [][]byte) uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.nextIdx
	q.nextIdx++

	chain := &virtqueue.DescChain{Index: idx}
	for _, b := range in {
		chain.In = append(chain.In, iovec.FromSlice(b))
	}
	for _, b := range out {
		chain.Out = append(chain.Out, iovec.FromSlice(b))
	}
	// Keep the backing slices reachable for as long as the queue lives;
	// the iovecs alone do not.
	q.backing[idx] = append(append([][]byte(nil), in...), out...)
	q.chains = append(q.chains, chain)
	return idx
}

// PopAvail implements virtqueue.Queue.
func (q *MockQueue) PopAvail() (*virtqueue.DescChain, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.PopErr != nil {
		return nil, q.PopErr
	}
	if len(q.chains) == 0 {
		return nil, nil
	}
	chain := q.chains[0]
	q.chains = q.chains[1:]
	return chain, nil
}

// AddUsed implements virtqueue.Queue.
func (q *MockQueue) AddUsed(index uint16, length uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used = append(q.used, UsedElem{Index: index, Length: length})
	return nil
}

// ShouldNotify implements virtqueue.Queue.
func (q *MockQueue) ShouldNotify() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.NotifySuppressed
}

// Used returns the AddUsed calls recorded so far, in order.
func (q *MockQueue) Used() []UsedElem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]UsedElem(nil), q.used...)
}

// Backing returns the buffers behind a posted chain, for reading back
// what the device wrote.
func (q *MockQueue) Backing(index uint16) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backing[index]
}

var _ virtqueue.Queue = (*MockQueue)(nil)

// MockCharDevice is an in-memory CharDevice: writes accumulate in a
// buffer, input is injected by the test, and host open/close
// transitions are driven through Open/Close.
type MockCharDevice struct {
	mu sync.Mutex

	// WriteLimit caps how many bytes a single Write accepts; zero
	// means unlimited. Used to exercise the short-write path.
	WriteLimit int
	// WriteErr, when set, is returned by every Write.
	WriteErr error

	written  []byte
	flushes  int
	receiver InputReceiver
	status   func(ChardevStatus)
}

// NewMockCharDevice creates an empty MockCharDevice.
func NewMockCharDevice() *MockCharDevice { return &MockCharDevice{} }

func (c *MockCharDevice) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return 0, c.WriteErr
	}
	n := len(p)
	if c.WriteLimit > 0 && n > c.WriteLimit {
		n = c.WriteLimit
	}
	c.written = append(c.written, p[:n]...)
	return n, nil
}

func (c *MockCharDevice) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

func (c *MockCharDevice) SetInputReceiver(r InputReceiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiver = r
}

// SetStatusReceiver implements StatusNotifier.
func (c *MockCharDevice) SetStatusReceiver(fn func(ChardevStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = fn
}

// InjectInput delivers host bytes to the wired receiver, chunked to
// its RemainSpace the way a real backend would.
func (c *MockCharDevice) InjectInput(buf []byte) {
	c.mu.Lock()
	r := c.receiver
	c.mu.Unlock()
	if r == nil {
		return
	}
	for len(buf) > 0 {
		n := r.RemainSpace()
		if n <= 0 || n > len(buf) {
			n = len(buf)
		}
		r.InputHandle(buf[:n])
		buf = buf[n:]
	}
}

// Open reports a host-endpoint open transition.
func (c *MockCharDevice) Open() {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(ChardevOpen)
	}
}

// Close reports a host-endpoint close transition.
func (c *MockCharDevice) Close() {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(ChardevClose)
	}
}

// Written returns everything written so far.
func (c *MockCharDevice) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...)
}

// Flushes returns how many times Flush was called.
func (c *MockCharDevice) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// Receiver returns the wired InputReceiver, or nil.
func (c *MockCharDevice) Receiver() InputReceiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiver
}

var (
	_ CharDevice     = (*MockCharDevice)(nil)
	_ StatusNotifier = (*MockCharDevice)(nil)
)
