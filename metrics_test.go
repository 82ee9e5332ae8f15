package evloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	require.Zero(t, snap.EventsDispatched)
	require.Zero(t, snap.BytesWritten)
	require.Zero(t, snap.Uptime)

	m.EventsDispatched.Add(3)
	m.TasksRun.Add(2)
	m.BytesWritten.Add(1024)
	m.SendfileBytes.Add(4096)
	m.PartialWrites.Add(1)
	m.QueuedFds.Store(2)

	snap = m.Snapshot()
	require.Equal(t, uint64(3), snap.EventsDispatched)
	require.Equal(t, uint64(2), snap.TasksRun)
	require.Equal(t, uint64(1024), snap.BytesWritten)
	require.Equal(t, uint64(4096), snap.SendfileBytes)
	require.Equal(t, uint64(1), snap.PartialWrites)
	require.Equal(t, int64(2), snap.QueuedFds)
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	m.RecordStart()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	require.Greater(t, snap.Uptime, time.Duration(0))

	m.RecordStop()
	frozen := m.Snapshot().Uptime
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, frozen, m.Snapshot().Uptime)
}

func TestLoopExposesMetrics(t *testing.T) {
	lo := mustLoop(t)
	defer lo.Close()

	require.NotNil(t, lo.Metrics())

	lo.Submit(func() {})
	lo.Flush()
	require.GreaterOrEqual(t, lo.Metrics().TasksRun.Load(), uint64(1))
	require.GreaterOrEqual(t, lo.Metrics().Wakeups.Load(), uint64(1))
}
