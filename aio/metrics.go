package aio

import (
	"sync/atomic"
	"time"
)

// Metrics tracks request outcomes for an Engine: how many requests were
// submitted, completed, failed, or diverted through the bounce path,
// plus the bytes moved by successful ones.
type Metrics struct {
	Submitted atomic.Uint64
	Completed atomic.Uint64
	Failed    atomic.Uint64
	Bounced   atomic.Uint64

	BytesRead    atomic.Uint64
	BytesWritten atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a zeroed Metrics instance stamped with the current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records that a request reached the engine.
func (m *Metrics) RecordSubmit() { m.Submitted.Add(1) }

// RecordBounce records that a request was diverted through rw_bounce.
func (m *Metrics) RecordBounce() { m.Bounced.Add(1) }

// RecordCompletion records the outcome of a completed request: opcode
// determines which byte counter (if any) the successful byte count is
// attributed to.
func (m *Metrics) RecordCompletion(op OpCode, res int64, success bool) {
	if success {
		m.Completed.Add(1)
		switch op {
		case OpPreadv:
			m.BytesRead.Add(uint64(res))
		case OpPwritev:
			m.BytesWritten.Add(uint64(res))
		}
		return
	}
	m.Failed.Add(1)
}

// Snapshot is a point-in-time copy of Metrics' counters.
type Snapshot struct {
	Submitted    uint64
	Completed    uint64
	Failed       uint64
	Bounced      uint64
	BytesRead    uint64
	BytesWritten uint64
	UptimeNs     uint64
}

// Snapshot returns a point-in-time copy of m's counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Submitted:    m.Submitted.Load(),
		Completed:    m.Completed.Load(),
		Failed:       m.Failed.Load(),
		Bounced:      m.Bounced.Load(),
		BytesRead:    m.BytesRead.Load(),
		BytesWritten: m.BytesWritten.Load(),
		UptimeNs:     uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
}

// Observer allows pluggable collection of engine request outcomes.
type Observer interface {
	ObserveSubmit()
	ObserveBounce()
	ObserveCompletion(op OpCode, res int64, success bool)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit()                                  {}
func (NoOpObserver) ObserveBounce()                                  {}
func (NoOpObserver) ObserveCompletion(OpCode, int64, bool)           {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit() { o.metrics.RecordSubmit() }
func (o *MetricsObserver) ObserveBounce() { o.metrics.RecordBounce() }
func (o *MetricsObserver) ObserveCompletion(op OpCode, res int64, success bool) {
	o.metrics.RecordCompletion(op, res, success)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
