package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labeld/internal/render"
)

type fakeRenderer struct {
	mu        sync.Mutex
	ready     bool
	recycles  int
	renderErr error
	delay     time.Duration
	active    int32
	maxActive int32
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{ready: true}
}

func (f *fakeRenderer) Render(ctx context.Context, html string, opts render.PageOptions) ([]byte, error) {
	cur := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, cur) {
			break
		}
	}

	f.mu.Lock()
	delay := f.delay
	err := f.renderErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: cancelled", render.ErrTimeout)
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte(html), nil
}

func (f *fakeRenderer) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeRenderer) Recycle(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recycles++
	f.ready = true
	f.renderErr = nil
	return nil
}

func (f *fakeRenderer) Recycles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recycles
}

type fakeSpooler struct {
	mu       sync.Mutex
	payloads []string
	printers []string
	calls    int32
	// failCall fails the nth Spool invocation (1-based); 0 disables.
	failCall int32
	failAll  bool
}

func (f *fakeSpooler) Spool(ctx context.Context, pdf []byte, printerName string) error {
	n := atomic.AddInt32(&f.calls, 1)

	f.mu.Lock()
	f.payloads = append(f.payloads, string(pdf))
	f.printers = append(f.printers, printerName)
	failAll := f.failAll
	failCall := f.failCall
	f.mu.Unlock()

	if failAll || (failCall != 0 && n == failCall) {
		return errors.New("spool device rejected the document")
	}
	return nil
}

func (f *fakeSpooler) Payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

func (f *fakeSpooler) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

type dispatcherEnv struct {
	queue    *Queue
	registry *Registry
	breakers *BreakerSet
	renderer *fakeRenderer
	spooler  *fakeSpooler
	metrics  *Metrics
	disp     *Dispatcher
}

func newDispatcherEnv(t *testing.T, cfg DispatcherConfig, printers ...PrinterInfo) *dispatcherEnv {
	t.Helper()

	if len(printers) == 0 {
		printers = []PrinterInfo{onlinePrinter("P")}
	}
	enum := &fakeEnumerator{printers: printers}
	breakers := NewBreakerSet(DefaultBreakerConfig())
	registry := NewRegistry(RegistryConfig{}, enum, breakers, nil)
	require.NoError(t, registry.Refresh(context.Background()))

	queue := NewQueue(QueueConfig{MaxSize: 100, MaxRetries: 0, RetryDelay: 5 * time.Millisecond}, nil)
	renderer := newFakeRenderer()
	spooler := &fakeSpooler{}
	metrics := NewMetrics(queue, registry, breakers, nil)

	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	disp := NewDispatcher(cfg, queue, registry, breakers, renderer, spooler, metrics, nil)

	t.Cleanup(func() {
		disp.Stop()
		queue.Close()
	})

	return &dispatcherEnv{
		queue:    queue,
		registry: registry,
		breakers: breakers,
		renderer: renderer,
		spooler:  spooler,
		metrics:  metrics,
		disp:     disp,
	}
}

func (e *dispatcherEnv) admit(t *testing.T, printer string, priority Priority, copies int, marker string) string {
	t.Helper()
	label := testLabel(printer)
	label.Copies = copies
	label.HTML = []byte("<html><head></head><body>" + marker + "</body></html>")
	id, err := e.queue.Admit(&PrintRequest{
		Labels:      []PrintLabel{label},
		Priority:    priority,
		SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
	return id
}

func (e *dispatcherEnv) waitTerminal(t *testing.T, id string) *PrintJob {
	t.Helper()
	var job *PrintJob
	require.Eventually(t, func() bool {
		j, ok := e.queue.Get(id)
		if !ok {
			return false
		}
		if j.State == JobStateCompleted || j.State == JobStateFailed {
			job = j
			return true
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return job
}

func TestDispatcherHappyPathTwoCopies(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 2})
	env.disp.Start()

	id := env.admit(t, "P", PriorityMedium, 2, "job-1")
	job := env.waitTerminal(t, id)

	assert.Equal(t, JobStateCompleted, job.State)
	assert.Empty(t, job.LastError)
	assert.Equal(t, 2, env.spooler.Calls())

	rec, _ := env.registry.Get("P")
	assert.Equal(t, 0, rec.InFlight, "printer in-flight count returns to prior value")
	assert.False(t, rec.LastCompleted.IsZero())
}

func TestDispatcherPriorityOrdering(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 1})

	low := env.admit(t, "P", PriorityLow, 1, "job-L")
	high := env.admit(t, "P", PriorityHigh, 1, "job-H")
	med := env.admit(t, "P", PriorityMedium, 1, "job-M")

	env.disp.Start()
	for _, id := range []string{low, high, med} {
		env.waitTerminal(t, id)
	}

	var order []string
	for _, p := range env.spooler.Payloads() {
		switch {
		case strings.Contains(p, "job-H"):
			order = append(order, "H")
		case strings.Contains(p, "job-M"):
			order = append(order, "M")
		case strings.Contains(p, "job-L"):
			order = append(order, "L")
		}
	}
	assert.Equal(t, []string{"H", "M", "L"}, order)
}

func TestDispatcherUnknownPrinterFailsWithoutRetry(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 1})
	env.disp.Start()

	id := env.admit(t, "GHOST", PriorityMedium, 1, "x")
	job := env.waitTerminal(t, id)

	assert.Equal(t, JobStateFailed, job.State)
	assert.Contains(t, job.LastError, "not found")
	assert.Equal(t, 0, job.Request.RetryCount)
	assert.Zero(t, env.spooler.Calls())
}

func TestDispatcherOfflinePrinterFailsJobs(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 1})
	env.disp.Start()

	a := env.admit(t, "P", PriorityMedium, 1, "a")
	env.waitTerminal(t, a)

	// Printer drops offline mid-queue; the rest fail without consuming
	// retries.
	env.registry.SetStatus("P", PrinterOffline)
	b := env.admit(t, "P", PriorityMedium, 1, "b")
	c := env.admit(t, "P", PriorityMedium, 1, "c")

	for _, id := range []string{b, c} {
		job := env.waitTerminal(t, id)
		assert.Equal(t, JobStateFailed, job.State)
		assert.Contains(t, job.LastError, "unavailable")
		assert.Equal(t, 0, job.Request.RetryCount)
	}
}

func TestDispatcherPartialSuccessThreshold(t *testing.T) {
	// One failed copy out of three still clears the ⌈3/2⌉ bar.
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 1})
	env.spooler.failCall = 2
	env.disp.Start()

	id := env.admit(t, "P", PriorityMedium, 3, "partial")
	job := env.waitTerminal(t, id)
	assert.Equal(t, JobStateCompleted, job.State)
	assert.Equal(t, 3, env.spooler.Calls())
}

func TestDispatcherMajorityFailureFailsJob(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 1})
	env.spooler.failAll = true
	env.disp.Start()

	id := env.admit(t, "P", PriorityMedium, 2, "allfail")
	job := env.waitTerminal(t, id)

	assert.Equal(t, JobStateFailed, job.State)
	assert.Contains(t, job.LastError, "copies")
	assert.Contains(t, job.LastError, "spool")
}

func TestDispatcherSingleCopyNoPartialPath(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 1})
	env.spooler.failCall = 1
	env.disp.Start()

	id := env.admit(t, "P", PriorityMedium, 1, "solo")
	job := env.waitTerminal(t, id)
	assert.Equal(t, JobStateFailed, job.State)
	assert.Equal(t, 1, env.spooler.Calls())
}

func TestDispatcherConcurrencyCap(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 2})
	env.renderer.delay = 30 * time.Millisecond
	env.disp.Start()

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = env.admit(t, "P", PriorityMedium, 1, fmt.Sprintf("cap-%d", i))
	}
	for _, id := range ids {
		env.waitTerminal(t, id)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&env.renderer.maxActive), int32(2))
}

func TestDispatcherProcessingTimeout(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{
		MaxConcurrentJobs: 1,
		ProcessingTimeout: 40 * time.Millisecond,
	})
	env.renderer.delay = 5 * time.Second
	env.disp.Start()

	id := env.admit(t, "P", PriorityMedium, 1, "slow")
	job := env.waitTerminal(t, id)

	assert.Equal(t, JobStateFailed, job.State)
	assert.Contains(t, job.LastError, "processing timed out")
	assert.Equal(t, 0, job.Request.RetryCount, "hard deadline is not retried")
}

func TestDispatcherRecyclesUnreadyRenderer(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 1})
	env.renderer.ready = false
	env.disp.Start()

	id := env.admit(t, "P", PriorityMedium, 1, "recycle")
	job := env.waitTerminal(t, id)

	assert.Equal(t, JobStateCompleted, job.State)
	assert.GreaterOrEqual(t, env.renderer.Recycles(), 1)
}

func TestDispatcherRetriesOnceAfterRendererDrop(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 1})
	env.renderer.renderErr = render.ErrUnavailable
	env.disp.Start()

	// Recycle clears renderErr, so the post-recycle retry succeeds.
	id := env.admit(t, "P", PriorityMedium, 1, "drop")
	job := env.waitTerminal(t, id)

	assert.Equal(t, JobStateCompleted, job.State)
	assert.Equal(t, 1, env.renderer.Recycles())
}

func TestDispatcherBreakerTripsAndBlocks(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{MaxConcurrentJobs: 1})
	env.breakers.cfg.FailureThreshold = 3
	env.spooler.failAll = true
	env.disp.Start()

	for i := 0; i < 3; i++ {
		id := env.admit(t, "P", PriorityMedium, 1, fmt.Sprintf("trip-%d", i))
		job := env.waitTerminal(t, id)
		assert.Equal(t, JobStateFailed, job.State)
	}
	require.Equal(t, BreakerOpen, env.breakers.State("P"))
	callsBefore := env.spooler.Calls()

	// Breaker open: next job fails without invoking the spooler.
	id := env.admit(t, "P", PriorityMedium, 1, "blocked")
	job := env.waitTerminal(t, id)
	assert.Equal(t, JobStateFailed, job.State)
	assert.Contains(t, job.LastError, "circuit breaker")
	assert.Equal(t, callsBefore, env.spooler.Calls())
}

func TestDispatcherShutdownCancelsStuckJobs(t *testing.T) {
	env := newDispatcherEnv(t, DispatcherConfig{
		MaxConcurrentJobs: 1,
		ProcessingTimeout: time.Minute,
		ShutdownGrace:     30 * time.Millisecond,
	})
	env.renderer.delay = time.Hour
	env.disp.Start()

	id := env.admit(t, "P", PriorityMedium, 1, "stuck")
	require.Eventually(t, func() bool {
		return env.disp.InFlight() == 1
	}, 2*time.Second, 5*time.Millisecond)

	env.disp.Stop()

	job, ok := env.queue.Get(id)
	require.True(t, ok)
	assert.Equal(t, JobStateFailed, job.State)
	assert.Contains(t, job.LastError, "cancelled")
}
