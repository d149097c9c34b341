package aio

import (
	"container/list"
	"sync/atomic"

	"github.com/go-vserial/vserial/aio/backend"
	"github.com/go-vserial/vserial/internal/constants"
	"github.com/go-vserial/vserial/internal/logging"
)

// EngineParams configures a new Engine. Backend selects the kernel
// submission driver per backend.New; SectorSize/Direct are not stored
// here since SubmitAsync takes them per call, but a caller building a
// single engine for one file's direct-I/O policy will typically pass
// the same values to every SubmitAsync call it makes.
type EngineParams struct {
	Backend   backend.Name
	Entries   uint32
	MaxEvents int
	Logger    *logging.Logger
	Observer  Observer
}

// DefaultEngineParams returns the engine's defaults: classic backend,
// 128 max in-flight requests.
func DefaultEngineParams() EngineParams {
	return EngineParams{
		Backend:   backend.NameClassic,
		Entries:   constants.MaxEvents,
		MaxEvents: constants.MaxEvents,
	}
}

// node is a single in-flight-or-pending control block, tracked by the
// list.Element currently holding it so it can be unlinked in O(1)
// regardless of which list (pending or in-flight) it lives in. UserData
// carries a monotonic request id keyed into Engine.byID rather than a
// pointer, so completion lookup never round-trips a raw address.
type node[T any] struct {
	cb   *AioCb[T]
	elem *list.Element
}

// Engine is a bounded in-flight AIO scheduler layered over a
// backend.Backend: a pending queue, an in-flight queue, and the
// completion function invoked exactly once per submitted request.
type Engine[T any] struct {
	backend   backend.Backend
	complete  CompleteFunc[T]
	maxEvents int

	pending  *list.List
	inFlight *list.List
	byID     map[uint64]*node[T]
	nextID   uint64

	logger   *logging.Logger
	observer Observer
}

// NewEngine constructs an Engine driving the selected backend. complete
// is invoked by both the async path (handle_completions) and the
// synchronous fallbacks (RWSync/FlushSync/the bounce path).
func NewEngine[T any](params EngineParams, complete CompleteFunc[T]) (*Engine[T], error) {
	if params.MaxEvents <= 0 {
		params.MaxEvents = constants.MaxEvents
	}
	observer := params.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}
	b, err := backend.New(backend.Config{Name: params.Backend, Entries: params.Entries}, params.Logger)
	if err != nil {
		return nil, err
	}
	return &Engine[T]{
		backend:   b,
		complete:  complete,
		maxEvents: params.MaxEvents,
		pending:   list.New(),
		inFlight:  list.New(),
		byID:      make(map[uint64]*node[T]),
		logger:    params.Logger,
		observer:  observer,
	}, nil
}

// NewEngineWithBackend builds an Engine around an already-constructed
// backend.Backend, bypassing backend.New. Production callers use
// NewEngine; tests use this to inject a MockBackend.
func NewEngineWithBackend[T any](b backend.Backend, maxEvents int, complete CompleteFunc[T], observer Observer, logger *logging.Logger) *Engine[T] {
	if maxEvents <= 0 {
		maxEvents = constants.MaxEvents
	}
	if observer == nil {
		observer = NoOpObserver{}
	}
	return &Engine[T]{
		backend:   b,
		complete:  complete,
		maxEvents: maxEvents,
		pending:   list.New(),
		inFlight:  list.New(),
		byID:      make(map[uint64]*node[T]),
		logger:    logger,
		observer:  observer,
	}
}

// EventFD returns the descriptor a reactor should poll to learn that
// HandleCompletions has work to do.
func (e *Engine[T]) EventFD() int { return e.backend.EventFD() }

// Close releases the engine's backend.
func (e *Engine[T]) Close() error { return e.backend.Close() }

// SubmitAsync enqueues cb for asynchronous submission, or diverts to the
// synchronous bounce path when direct is set and a Preadv/Pwritev has an
// offset, or any iovec base or length, that violates sectorSize
// alignment. A drain is triggered
// immediately when cb.LastAio is set or the combined pending+in-flight
// count has reached MaxEvents.
func (e *Engine[T]) SubmitAsync(cb *AioCb[T], sectorSize int, direct bool) {
	if direct && needsBounce(cb, sectorSize) {
		e.rwBounce(cb)
		return
	}

	e.observer.ObserveSubmit()

	id := atomic.AddUint64(&e.nextID, 1)
	cb.UserData = id
	n := &node[T]{cb: cb}
	n.elem = e.pending.PushFront(n)
	e.byID[id] = n

	if cb.LastAio || e.pending.Len()+e.inFlight.Len() >= e.maxEvents {
		e.drainPending()
	}
}

// HandleCompletions drains ready events from the backend, invokes the
// completion function exactly once per event, and then drains any
// pending requests freed up by the reaped in-flight slots. It returns
// true iff at least one completion succeeded, a "made progress" hint
// with no behavioral contract attached.
func (e *Engine[T]) HandleCompletions() bool {
	events, err := e.backend.GetEvents()
	if err != nil {
		if e.logger != nil {
			e.logger.Errorf("aio: GetEvents: %v", err)
		}
		return false
	}

	progress := false
	for _, ev := range events {
		n, ok := e.byID[ev.UserData]
		if !ok {
			continue
		}
		delete(e.byID, ev.UserData)
		e.inFlight.Remove(n.elem)

		success := ev.Status == 0 && ev.Res == n.cb.NBytes
		res := ev.Res
		if !success {
			res = -1
		} else {
			progress = true
		}
		e.observer.ObserveCompletion(n.cb.Opcode, res, success)
		e.complete(n.cb, res)
	}

	e.drainPending()
	return progress
}

// drainPending moves pending work into flight: pull as many
// nodes as room allows from the tail of pending (oldest first) into the
// head of in-flight, submit them as a batch, and reconcile whatever the
// backend did not accept.
func (e *Engine[T]) drainPending() {
	for e.pending.Len() > 0 && e.inFlight.Len() < e.maxEvents {
		room := e.maxEvents - e.inFlight.Len()

		batch := make([]*node[T], 0, room)
		for len(batch) < room && e.pending.Len() > 0 {
			tail := e.pending.Back()
			n := tail.Value.(*node[T])
			e.pending.Remove(tail)
			n.elem = e.inFlight.PushFront(n)
			batch = append(batch, n)
		}

		reqs := make([]*backend.Request, len(batch))
		for i, n := range batch {
			reqs[i] = toRequest(n.cb)
		}

		submitted, err := e.backend.Submit(reqs)
		if err != nil {
			if e.logger != nil {
				e.logger.Errorf("aio: backend submit failed: %v", err)
			}
			// None of this batch actually reached the kernel: unwind it
			// back to pending, oldest nearest the tail, exactly as before
			// the pull.
			for i := len(batch) - 1; i >= 0; i-- {
				n := batch[i]
				e.inFlight.Remove(n.elem)
				n.elem = e.pending.PushBack(n)
			}
			// Guarantee forward progress even when the head of the queue
			// is poison: fail the oldest pending request and retry.
			if e.pending.Len() > 0 {
				tail := e.pending.Back()
				n := tail.Value.(*node[T])
				e.pending.Remove(tail)
				delete(e.byID, n.cb.UserData)
				e.observer.ObserveCompletion(n.cb.Opcode, -1, false)
				e.complete(n.cb, -1)
			}
			continue
		}

		// Nodes [submitted, end) were not accepted: detach from in-flight
		// and push back to pending in reverse order so the relative order
		// of requests is preserved.
		for i := len(batch) - 1; i >= submitted; i-- {
			n := batch[i]
			e.inFlight.Remove(n.elem)
			n.elem = e.pending.PushBack(n)
		}

		if submitted == 0 {
			break
		}
	}
}

func toRequest[T any](cb *AioCb[T]) *backend.Request {
	return &backend.Request{
		FileFD:   cb.FileFD,
		Opcode:   backend.OpCode(cb.Opcode),
		Iovec:    cb.Iovec,
		Offset:   cb.Offset,
		NBytes:   cb.NBytes,
		UserData: cb.UserData,
	}
}
