package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	probesPerTick       = 3
	probeGap            = 100 * time.Millisecond
	failureGuardCount   = 3
	failureGuardWindow  = 5 * time.Minute
	minHealthInterval   = 60 * time.Second
	defaultProbeTimeout = 2 * time.Second
)

// PrinterInfo is one enumerated OS printer.
type PrinterInfo struct {
	Name   string
	Status PrinterState
	Driver string
	Port   string
}

// Enumerator abstracts the OS printer commands so the registry can be
// exercised without a Windows host.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]PrinterInfo, error)
	Probe(ctx context.Context, name string) (PrinterState, error)
}

type RegistryConfig struct {
	HealthCheckInterval time.Duration
	EnumerationTimeout  time.Duration
	ProbeTimeout        time.Duration
}

// Registry caches OS printer state. list/get never block on I/O; callers may
// see up to one health-period of staleness.
type Registry struct {
	mu       sync.RWMutex
	cfg      RegistryConfig
	enum     Enumerator
	breakers *BreakerSet
	printers map[string]*PrinterRecord

	checking     bool
	lastDiscErr  error
	stopCh       chan struct{}
	wg           sync.WaitGroup
	logger       *zap.Logger
}

func NewRegistry(cfg RegistryConfig, enum Enumerator, breakers *BreakerSet, logger *zap.Logger) *Registry {
	if cfg.HealthCheckInterval < minHealthInterval {
		cfg.HealthCheckInterval = minHealthInterval
	}
	if cfg.EnumerationTimeout <= 0 {
		cfg.EnumerationTimeout = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		enum:     enum,
		breakers: breakers,
		printers: make(map[string]*PrinterRecord),
		stopCh:   make(chan struct{}),
		logger:   logger.Named("registry"),
	}
}

// Start runs initial discovery and launches the health loop. An enumeration
// timeout yields an empty registry, not an error.
func (r *Registry) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.EnumerationTimeout)
	defer cancel()
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial printer discovery failed", zap.Error(err))
	}

	r.wg.Add(1)
	go r.healthLoop()
}

func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Refresh re-runs discovery and merges results into existing records,
// preserving error counters and in-flight counts across re-discovery.
func (r *Registry) Refresh(ctx context.Context) error {
	infos, err := r.enum.Enumerate(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastDiscErr = err
	if err != nil {
		return err
	}

	now := time.Now()
	for _, info := range infos {
		if rec, ok := r.printers[info.Name]; ok {
			rec.Status = info.Status
			rec.Driver = info.Driver
			rec.Port = info.Port
			rec.CheckedAt = now
			continue
		}
		r.printers[info.Name] = &PrinterRecord{
			Name:      info.Name,
			Port:      info.Port,
			Driver:    info.Driver,
			Status:    info.Status,
			CheckedAt: now,
		}
	}
	return nil
}

// List returns a copy of the current snapshot without blocking on I/O.
func (r *Registry) List() []PrinterRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PrinterRecord, 0, len(r.printers))
	for _, rec := range r.printers {
		out = append(out, *rec)
	}
	return out
}

func (r *Registry) Get(name string) (PrinterRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.printers[name]
	if !ok {
		return PrinterRecord{}, false
	}
	return *rec, true
}

// DiscoveryError reports the most recent discovery failure, if any.
func (r *Registry) DiscoveryError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastDiscErr
}

// IsAvailable combines cached status, the printer's breaker and a
// consecutive-failure guard: a printer whose consecutive-failure count
// (failed probes and failed jobs) exceeds three and whose last error is less
// than five minutes old is held back even if nominally online.
func (r *Registry) IsAvailable(name string) bool {
	r.mu.RLock()
	rec, ok := r.printers[name]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	status := rec.Status
	failures := rec.ConsecutiveFailures
	lastErr := rec.LastErrorAt
	r.mu.RUnlock()

	if status != PrinterOnline {
		return false
	}
	if r.breakers != nil && !r.breakers.IsAvailable(name) {
		return false
	}
	if failures > failureGuardCount && time.Since(lastErr) < failureGuardWindow {
		return false
	}
	return true
}

func (r *Registry) MarkJobStart(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.printers[name]; ok {
		rec.InFlight++
	}
}

func (r *Registry) MarkJobEnd(name string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.printers[name]
	if !ok {
		return
	}
	if rec.InFlight > 0 {
		rec.InFlight--
	}
	now := time.Now()
	if success {
		rec.LastCompleted = now
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures++
		rec.LastErrorAt = now
	}
}

// SetStatus overrides a printer's cached status; the next probe or
// re-discovery may overwrite it.
func (r *Registry) SetStatus(name string, status PrinterState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.printers[name]
	if !ok {
		return false
	}
	rec.Status = status
	return true
}

// OnlineCount returns the number of printers currently seen online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.printers {
		if rec.Status == PrinterOnline {
			n++
		}
	}
	return n
}

func (r *Registry) healthLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.healthTick()
		}
	}
}

// healthTick probes up to three records, oldest-checked first. A guard flag
// skips the tick entirely if the previous one is still running.
func (r *Registry) healthTick() {
	r.mu.Lock()
	if r.checking {
		r.mu.Unlock()
		r.logger.Debug("health check still running, skipping tick")
		return
	}
	r.checking = true

	candidates := make([]*PrinterRecord, 0, len(r.printers))
	for _, rec := range r.printers {
		candidates = append(candidates, rec)
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.checking = false
		r.mu.Unlock()
	}()

	if len(candidates) == 0 {
		return
	}

	// Oldest-checked first, round-robin over successive ticks.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].CheckedAt.Before(candidates[j-1].CheckedAt); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if len(candidates) > probesPerTick {
		candidates = candidates[:probesPerTick]
	}

	for i, rec := range candidates {
		if i > 0 {
			select {
			case <-r.stopCh:
				return
			case <-time.After(probeGap):
			}
		}
		r.probeOne(rec.Name)
	}
}

func (r *Registry) probeOne(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ProbeTimeout)
	defer cancel()

	status, err := r.enum.Probe(ctx, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.printers[name]
	if !ok {
		return
	}

	now := time.Now()
	rec.CheckedAt = now

	if err != nil {
		rec.ConsecutiveFailures++
		rec.LastErrorAt = now
		if rec.Status != PrinterError {
			r.logger.Warn("printer probe failed",
				zap.String("printer", name),
				zap.Int("consecutiveFailures", rec.ConsecutiveFailures),
				zap.Error(err))
		}
		rec.Status = PrinterError
		return
	}

	if rec.Status != status {
		r.logger.Info("printer status changed",
			zap.String("printer", name),
			zap.String("from", string(rec.Status)),
			zap.String("to", string(status)))
	}
	rec.Status = status
	if status == PrinterOnline {
		rec.ConsecutiveFailures = 0
	}
}
