package core

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	completedRetention = 1000
	failedRetention    = 500
	eventBuffer        = 64
)

type QueueConfig struct {
	MaxSize    int
	MaxRetries int
	RetryDelay time.Duration
}

type QueueStats struct {
	Queued    int `json:"queued"`
	InFlight  int `json:"inFlight"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is the bounded in-memory job store. Queued jobs are ordered by
// (priority rank desc, admission time asc); the queue is FIFO within a
// priority class. Terminal jobs are retained with capped, oldest-first
// eviction.
type Queue struct {
	mu        sync.Mutex
	cfg       QueueConfig
	queued    []*PrintJob
	inFlight  map[string]*PrintJob
	pending   map[string]*PrintJob // scheduled for retry, waiting out the backoff
	completed map[string]*PrintJob
	failed    map[string]*PrintJob
	timers    map[string]*time.Timer
	subs      []chan JobEvent
	closed    bool
	logger    *zap.Logger
}

func NewQueue(cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:       cfg,
		inFlight:  make(map[string]*PrintJob),
		pending:   make(map[string]*PrintJob),
		completed: make(map[string]*PrintJob),
		failed:    make(map[string]*PrintJob),
		timers:    make(map[string]*time.Timer),
		logger:    logger.Named("queue"),
	}
}

// Admit wraps the request in a job and enqueues it. Fails with ErrQueueFull
// once queued + in-flight reaches the configured capacity.
func (q *Queue) Admit(req *PrintRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}
	if len(q.queued)+len(q.pending)+len(q.inFlight) >= q.cfg.MaxSize {
		return "", ErrQueueFull
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	job := &PrintJob{
		ID:      req.ID,
		State:   JobStateQueued,
		Request: req,
	}
	q.queued = append(q.queued, job)

	return job.ID, nil
}

// Take removes up to n highest-ranked queued jobs, marks them in-flight and
// stamps their start time. Concurrent callers see disjoint batches.
func (q *Queue) Take(n int) []*PrintJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.queued) == 0 {
		return nil
	}

	sort.SliceStable(q.queued, func(i, j int) bool {
		a, b := q.queued[i], q.queued[j]
		if ar, br := a.Request.Priority.Rank(), b.Request.Priority.Rank(); ar != br {
			return ar > br
		}
		return a.Request.SubmittedAt.Before(b.Request.SubmittedAt)
	})

	if n > len(q.queued) {
		n = len(q.queued)
	}
	batch := make([]*PrintJob, n)
	copy(batch, q.queued[:n])
	q.queued = append(q.queued[:0], q.queued[n:]...)

	now := time.Now()
	for _, job := range batch {
		job.State = JobStateProcessing
		started := now
		job.StartedAt = &started
		q.inFlight[job.ID] = job
	}
	return batch
}

// CompletionOutcome reports what Complete did with a job.
type CompletionOutcome int

const (
	OutcomeUnknownJob CompletionOutcome = iota
	OutcomeCompleted
	OutcomeRetryScheduled
	OutcomeFailed
)

// Complete moves an in-flight job to a terminal state. A nil error retains
// the job as completed. A retryable error below the retry budget increments
// the retry count and schedules re-admission after retryDelay × retryCount;
// anything else retains the job as failed.
func (q *Queue) Complete(id string, jobErr error) CompletionOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.inFlight[id]
	if !ok {
		return OutcomeUnknownJob
	}
	delete(q.inFlight, id)

	now := time.Now()
	job.CompletedAt = &now

	if jobErr == nil {
		job.State = JobStateCompleted
		job.LastError = ""
		q.completed[id] = job
		q.evictLocked(q.completed, completedRetention)
		q.publishLocked(JobEvent{
			Type:      EventJobCompleted,
			JobID:     id,
			Printer:   job.Label().PrinterName,
			Timestamp: now,
		})
		return OutcomeCompleted
	}

	job.LastError = jobErr.Error()

	if IsRetryable(jobErr) && job.Request.RetryCount < q.cfg.MaxRetries {
		job.Request.RetryCount++
		job.State = JobStateQueued
		job.StartedAt = nil
		job.CompletedAt = nil
		q.pending[id] = job
		delay := q.cfg.RetryDelay * time.Duration(job.Request.RetryCount)
		q.logger.Info("scheduling retry",
			zap.String("job", id),
			zap.Int("attempt", job.Request.RetryCount),
			zap.Duration("delay", delay))
		q.publishLocked(JobEvent{
			Type:      EventJobRetry,
			JobID:     id,
			Printer:   job.Label().PrinterName,
			Error:     job.LastError,
			Retry:     job.Request.RetryCount,
			Timestamp: now,
		})
		q.timers[id] = time.AfterFunc(delay, func() {
			q.readmit(job)
		})
		return OutcomeRetryScheduled
	}

	job.State = JobStateFailed
	q.failed[id] = job
	q.evictLocked(q.failed, failedRetention)
	q.publishLocked(JobEvent{
		Type:      EventJobFailed,
		JobID:     id,
		Printer:   job.Label().PrinterName,
		Error:     job.LastError,
		Timestamp: now,
	})
	return OutcomeFailed
}

func (q *Queue) readmit(job *PrintJob) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.timers, job.ID)
	delete(q.pending, job.ID)
	if q.closed {
		now := time.Now()
		job.State = JobStateFailed
		job.CompletedAt = &now
		q.failed[job.ID] = job
		return
	}

	job.State = JobStateQueued
	q.queued = append(q.queued, job)
}

// Get searches in-flight, retry-pending, queued and retained maps.
func (q *Queue) Get(id string) (*PrintJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.inFlight[id]; ok {
		return job, true
	}
	if job, ok := q.pending[id]; ok {
		return job, true
	}
	if job, ok := q.completed[id]; ok {
		return job, true
	}
	if job, ok := q.failed[id]; ok {
		return job, true
	}
	for _, job := range q.queued {
		if job.ID == id {
			return job, true
		}
	}
	return nil, false
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Queued:    len(q.queued),
		InFlight:  len(q.inFlight),
		Completed: len(q.completed),
		Failed:    len(q.failed),
	}
}

// Subscribe returns a buffered event channel. Slow consumers drop events
// rather than back-pressuring completion paths.
func (q *Queue) Subscribe() <-chan JobEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan JobEvent, eventBuffer)
	q.subs = append(q.subs, ch)
	return ch
}

// Close stops pending retry timers and closes subscriber channels. Jobs with
// a pending retry are retained as failed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	// Jobs still waiting out a retry backoff will never re-run.
	now := time.Now()
	for id, job := range q.pending {
		job.State = JobStateFailed
		job.CompletedAt = &now
		q.failed[id] = job
		delete(q.pending, id)
	}
	q.evictLocked(q.failed, failedRetention)
	for _, ch := range q.subs {
		close(ch)
	}
	q.subs = nil
}

func (q *Queue) publishLocked(ev JobEvent) {
	for _, ch := range q.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// evictLocked trims a retention map down to cap, oldest end time first.
func (q *Queue) evictLocked(m map[string]*PrintJob, limit int) {
	if len(m) <= limit {
		return
	}
	jobs := make([]*PrintJob, 0, len(m))
	for _, j := range m {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CompletedAt.Before(*jobs[j].CompletedAt)
	})
	for _, j := range jobs[:len(m)-limit] {
		delete(m, j.ID)
	}
}
