package core

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const metricsRefreshInterval = 5 * time.Second

// MetricsSnapshot is the last-computed view returned to readers; reads never
// touch the queue or registry directly.
type MetricsSnapshot struct {
	TotalJobs        int64   `json:"totalJobs"`
	CompletedJobs    int64   `json:"completedJobs"`
	FailedJobs       int64   `json:"failedJobs"`
	QueueLength      int     `json:"queueLength"`
	ActivePrinters   int     `json:"activePrinters"`
	InFlight         int     `json:"inFlight"`
	AvgProcessingMS  float64 `json:"avgProcessingTimeMs"`
	RendererRecycles int64   `json:"rendererRecycles"`
	BreakerTrips     int64   `json:"breakerTrips"`
}

// Metrics aggregates counters and a running mean of processing time over
// completed jobs, using Welford's incremental update.
type Metrics struct {
	mu sync.Mutex

	totalJobs        int64
	completedJobs    int64
	failedJobs       int64
	rendererRecycles int64

	count int64
	mean  float64
	m2    float64

	snapshot MetricsSnapshot

	queue    *Queue
	registry *Registry
	breakers *BreakerSet

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewMetrics(queue *Queue, registry *Registry, breakers *BreakerSet, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{
		queue:    queue,
		registry: registry,
		breakers: breakers,
		stopCh:   make(chan struct{}),
		logger:   logger.Named("metrics"),
	}
}

func (m *Metrics) Start() {
	m.refresh()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(metricsRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.refresh()
			}
		}
	}()
}

func (m *Metrics) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Metrics) JobAdmitted() {
	m.mu.Lock()
	m.totalJobs++
	m.mu.Unlock()
}

func (m *Metrics) JobCompleted(d time.Duration) {
	m.mu.Lock()
	m.completedJobs++
	m.count++
	x := float64(d.Milliseconds())
	delta := x - m.mean
	m.mean += delta / float64(m.count)
	m.m2 += delta * (x - m.mean)
	m.mu.Unlock()
}

func (m *Metrics) JobFailed() {
	m.mu.Lock()
	m.failedJobs++
	m.mu.Unlock()
}

func (m *Metrics) RendererRecycled() {
	m.mu.Lock()
	m.rendererRecycles++
	m.mu.Unlock()
}

func (m *Metrics) refresh() {
	stats := m.queue.Stats()
	online := m.registry.OnlineCount()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot = MetricsSnapshot{
		TotalJobs:        m.totalJobs,
		CompletedJobs:    m.completedJobs,
		FailedJobs:       m.failedJobs,
		QueueLength:      stats.Queued,
		ActivePrinters:   online,
		InFlight:         stats.InFlight,
		AvgProcessingMS:  m.mean,
		RendererRecycles: m.rendererRecycles,
	}
	if m.breakers != nil {
		m.snapshot.BreakerTrips = m.breakers.Trips()
	}
}

// Snapshot returns the last-computed snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}
