package aio

import (
	"sync"

	"github.com/go-vserial/vserial/aio/backend"
)

// MockBackend is an in-memory backend.Backend for engine tests: Submit
// accepts a caller-controlled prefix of each batch and files completions
// that GetEvents drains on demand, so tests can script partial submits
// and specific completion results without real I/O.
type MockBackend struct {
	mu sync.Mutex

	// AcceptFunc, if set, is called once per Submit with the batch size
	// and returns how many requests to accept; defaults to accepting
	// the whole batch. Returning a negative number makes Submit fail.
	AcceptFunc func(batchLen int) int

	// ResultFunc, if set, computes the Event for an accepted request;
	// defaults to a successful completion with Res == req.NBytes.
	ResultFunc func(req *backend.Request) backend.Event

	submitted []*backend.Request
	ready     []backend.Event
	eventFD   int
	closed    bool
}

// NewMockBackend creates a MockBackend. eventFD may be any descriptor
// the test wants EventFD() to report; it is never read from or written to.
func NewMockBackend(eventFD int) *MockBackend {
	return &MockBackend{eventFD: eventFD}
}

func (m *MockBackend) EventFD() int { return m.eventFD }

func (m *MockBackend) Submit(batch []*backend.Request) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accept := len(batch)
	if m.AcceptFunc != nil {
		accept = m.AcceptFunc(len(batch))
	}
	if accept < 0 {
		return 0, errSubmitRejected
	}
	if accept > len(batch) {
		accept = len(batch)
	}

	for _, req := range batch[:accept] {
		m.submitted = append(m.submitted, req)
		if m.ResultFunc != nil {
			m.ready = append(m.ready, m.ResultFunc(req))
			continue
		}
		m.ready = append(m.ready, backend.Event{UserData: req.UserData, Status: 0, Res: req.NBytes})
	}
	return accept, nil
}

func (m *MockBackend) GetEvents() ([]backend.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.ready
	m.ready = nil
	return events, nil
}

func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Submitted returns every request accepted by Submit so far, in order.
func (m *MockBackend) Submitted() []*backend.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*backend.Request, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// errSubmitRejected is returned by Submit when AcceptFunc asks for a
// hard failure (the drain_pending "submit itself failed" branch).
var errSubmitRejected = &mockSubmitError{}

type mockSubmitError struct{}

func (*mockSubmitError) Error() string { return "mock backend: submit rejected" }

var _ backend.Backend = (*MockBackend)(nil)
