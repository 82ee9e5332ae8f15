package evloop

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for one loop
type Metrics struct {
	// Dispatch counters
	Polls            atomic.Uint64 // Blocking waits on the primary kernel
	Wakeups          atomic.Uint64 // Wake-sentinel pokes
	EventsDispatched atomic.Uint64 // Handler invocations
	TasksRun         atomic.Uint64 // Submitted tasks executed
	TaskPanics       atomic.Uint64 // Tasks that panicked (swallowed)
	HandlerPanics    atomic.Uint64 // Handlers that panicked (treated as finished)

	// Output engine counters
	BytesWritten  atomic.Uint64 // Bytes moved by write/writev
	SendfileBytes atomic.Uint64 // Bytes moved by sendfile
	PartialWrites atomic.Uint64 // Records rewritten after a short write
	WriteErrors   atomic.Uint64 // Terminal write errors (queue abandoned)
	QueuedFds     atomic.Int64  // Descriptors currently watched for writability

	// Lifecycle
	StartTime atomic.Int64 // First Start timestamp (UnixNano)
	StopTime  atomic.Int64 // End timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordStart marks loop startup
func (m *Metrics) RecordStart() {
	m.StartTime.Store(time.Now().UnixNano())
}

// RecordStop marks loop shutdown
func (m *Metrics) RecordStop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the counters
type MetricsSnapshot struct {
	Polls            uint64
	Wakeups          uint64
	EventsDispatched uint64
	TasksRun         uint64
	TaskPanics       uint64
	HandlerPanics    uint64
	BytesWritten     uint64
	SendfileBytes    uint64
	PartialWrites    uint64
	WriteErrors      uint64
	QueuedFds        int64
	Uptime           time.Duration
}

// Snapshot returns a consistent-enough copy for reporting
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Polls:            m.Polls.Load(),
		Wakeups:          m.Wakeups.Load(),
		EventsDispatched: m.EventsDispatched.Load(),
		TasksRun:         m.TasksRun.Load(),
		TaskPanics:       m.TaskPanics.Load(),
		HandlerPanics:    m.HandlerPanics.Load(),
		BytesWritten:     m.BytesWritten.Load(),
		SendfileBytes:    m.SendfileBytes.Load(),
		PartialWrites:    m.PartialWrites.Load(),
		WriteErrors:      m.WriteErrors.Load(),
		QueuedFds:        m.QueuedFds.Load(),
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	switch {
	case start == 0:
	case stop == 0:
		s.Uptime = time.Duration(time.Now().UnixNano() - start)
	default:
		s.Uptime = time.Duration(stop - start)
	}
	return s
}
