package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	enum := &fakeEnumerator{printers: []PrinterInfo{onlinePrinter("A"), {Name: "B", Status: PrinterOffline}}}
	registry := NewRegistry(RegistryConfig{}, enum, nil, nil)
	require.NoError(t, registry.Refresh(context.Background()))

	queue := NewQueue(QueueConfig{MaxSize: 10}, nil)
	t.Cleanup(queue.Close)
	return NewMetrics(queue, registry, nil, nil)
}

func TestMetricsCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.JobAdmitted()
	m.JobAdmitted()
	m.JobCompleted(100 * time.Millisecond)
	m.JobFailed()

	m.refresh()
	snap := m.Snapshot()

	assert.Equal(t, int64(2), snap.TotalJobs)
	assert.Equal(t, int64(1), snap.CompletedJobs)
	assert.Equal(t, int64(1), snap.FailedJobs)
	assert.Equal(t, 1, snap.ActivePrinters)
}

func TestMetricsRunningMean(t *testing.T) {
	m := newTestMetrics(t)

	m.JobCompleted(100 * time.Millisecond)
	m.JobCompleted(200 * time.Millisecond)
	m.JobCompleted(300 * time.Millisecond)

	m.refresh()
	assert.InDelta(t, 200.0, m.Snapshot().AvgProcessingMS, 0.001)
}

func TestMetricsMeanOverCompletedOnly(t *testing.T) {
	m := newTestMetrics(t)

	m.JobCompleted(50 * time.Millisecond)
	m.JobFailed()
	m.JobFailed()

	m.refresh()
	assert.InDelta(t, 50.0, m.Snapshot().AvgProcessingMS, 0.001)
}

func TestMetricsSnapshotIsStaleUntilRefresh(t *testing.T) {
	m := newTestMetrics(t)

	m.refresh()
	m.JobAdmitted()
	assert.Equal(t, int64(0), m.Snapshot().TotalJobs, "reads return the last-computed snapshot")

	m.refresh()
	assert.Equal(t, int64(1), m.Snapshot().TotalJobs)
}

func TestMetricsStartStop(t *testing.T) {
	m := newTestMetrics(t)
	m.JobAdmitted()
	m.Start()
	defer m.Stop()

	assert.Equal(t, int64(1), m.Snapshot().TotalJobs, "Start performs an immediate refresh")
}
