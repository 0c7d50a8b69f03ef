package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/labeld/internal/render"
)

// Renderer is the HTML-to-PDF capability the dispatcher invokes. The
// dispatcher never owns the browser process; it only asks for renders and
// recycles.
type Renderer interface {
	Render(ctx context.Context, html string, opts render.PageOptions) ([]byte, error)
	Ready() bool
	Recycle(ctx context.Context) error
}

// Spooler submits a rendered PDF to a named printer.
type Spooler interface {
	Spool(ctx context.Context, pdf []byte, printerName string) error
}

type DispatcherConfig struct {
	MaxConcurrentJobs int
	BatchSize         int
	ProcessingTimeout time.Duration
	ShutdownGrace     time.Duration
	TickInterval      time.Duration
}

// Dispatcher pulls jobs from the queue under a global concurrency cap and
// runs each as an isolated task. One task's failure never reaches siblings.
type Dispatcher struct {
	cfg      DispatcherConfig
	queue    *Queue
	registry *Registry
	breakers *BreakerSet
	renderer Renderer
	spooler  Spooler
	metrics  *Metrics
	logger   *zap.Logger

	inFlight atomic.Int32
	stopping atomic.Bool

	baseCtx     context.Context
	forceCancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	jobWG    sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, queue *Queue, registry *Registry, breakers *BreakerSet, renderer Renderer, spooler Spooler, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:         cfg,
		queue:       queue,
		registry:    registry,
		breakers:    breakers,
		renderer:    renderer,
		spooler:     spooler,
		metrics:     metrics,
		logger:      logger.Named("dispatcher"),
		baseCtx:     baseCtx,
		forceCancel: cancel,
		stopCh:      make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.loopWG.Add(1)
	go d.loop()
}

// Stop halts admission, gives in-flight tasks the shutdown grace to settle,
// then force-cancels whatever is left. Remaining jobs fail as cancelled.
// Idempotent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.stopping.Store(true)
		close(d.stopCh)
		d.loopWG.Wait()

		settled := make(chan struct{})
		go func() {
			d.jobWG.Wait()
			close(settled)
		}()
		select {
		case <-settled:
		case <-time.After(d.cfg.ShutdownGrace):
			d.logger.Warn("shutdown grace exceeded, cancelling in-flight jobs")
			d.forceCancel()
			<-settled
		}
		d.forceCancel()
	})
}

func (d *Dispatcher) loop() {
	defer d.loopWG.Done()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Dispatcher) tick() {
	if d.stopping.Load() {
		return
	}
	available := d.cfg.MaxConcurrentJobs - int(d.inFlight.Load())
	if available <= 0 {
		return
	}
	batch := d.queue.Take(min(available, d.cfg.BatchSize))
	for _, job := range batch {
		d.inFlight.Add(1)
		d.jobWG.Add(1)
		go d.runJob(job)
	}
}

// InFlight returns the current number of running job tasks.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

func (d *Dispatcher) runJob(job *PrintJob) {
	defer d.jobWG.Done()
	defer d.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.ProcessingTimeout)
	defer cancel()

	start := time.Now()
	err := d.process(ctx, job)

	// Timer beats callee: if the deadline passed, the job failed on time
	// regardless of what the stages reported.
	if d.baseCtx.Err() != nil {
		err = fmt.Errorf("%w: shutdown", ErrCancelled)
	} else if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w: exceeded %v", ErrProcessingTimeout, d.cfg.ProcessingTimeout)
	}

	outcome := d.queue.Complete(job.ID, err)
	if d.metrics != nil {
		switch outcome {
		case OutcomeCompleted:
			d.metrics.JobCompleted(time.Since(start))
		case OutcomeFailed:
			d.metrics.JobFailed()
		}
	}
	if err != nil {
		d.logger.Warn("job did not complete",
			zap.String("job", job.ID),
			zap.String("printer", job.Label().PrinterName),
			zap.Error(err))
	}
}

func (d *Dispatcher) process(ctx context.Context, job *PrintJob) error {
	label := job.Label()
	printer := label.PrinterName

	if _, ok := d.registry.Get(printer); !ok {
		return fmt.Errorf("%w: printer %q not found", ErrPrinterUnavailable, printer)
	}
	if err := d.breakers.Allow(printer); err != nil {
		return fmt.Errorf("printer %q: %w", printer, err)
	}
	if !d.registry.IsAvailable(printer) {
		return fmt.Errorf("%w: printer %q", ErrPrinterUnavailable, printer)
	}

	d.registry.MarkJobStart(printer)
	success := false
	defer func() {
		d.registry.MarkJobEnd(printer, success)
	}()

	html := withPrintCSS(string(label.HTML), label)

	if !d.renderer.Ready() {
		if d.metrics != nil {
			d.metrics.RendererRecycled()
		}
		if err := d.renderer.Recycle(ctx); err != nil {
			return fmt.Errorf("%w: recycle: %v", ErrRendererUnavailable, err)
		}
	}

	opts := render.PageOptions{
		Width:        label.Width,
		Height:       label.Height,
		MarginTop:    label.Margins.Top,
		MarginRight:  label.Margins.Right,
		MarginBottom: label.Margins.Bottom,
		MarginLeft:   label.Margins.Left,
		Landscape:    strings.EqualFold(label.Orientation, "landscape"),
	}

	copies := label.Copies
	if copies < 1 {
		copies = 1
	}

	// Settle-all copy fan-out: every copy runs to its own conclusion.
	errs := make([]error, copies)
	var wg sync.WaitGroup
	for i := 0; i < copies; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.printCopy(ctx, html, opts, printer)
		}(i)
	}
	wg.Wait()

	var failed []int
	var firstErr error
	for i, err := range errs {
		if err != nil {
			failed = append(failed, i+1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	succeeded := copies - len(failed)

	if succeeded >= (copies+1)/2 {
		success = true
		if len(failed) > 0 {
			d.logger.Warn("job completed with partial copy failures",
				zap.String("job", job.ID),
				zap.Ints("failedCopies", failed))
		}
		return nil
	}
	return fmt.Errorf("copies %v of %d failed: %w", failed, copies, firstErr)
}

// printCopy renders one impression and hands it to the spooler. Spool
// outcomes feed the printer's breaker; render failures do not, since they
// say nothing about the printer.
func (d *Dispatcher) printCopy(ctx context.Context, html string, opts render.PageOptions, printer string) error {
	pdf, err := d.renderer.Render(ctx, html, opts)
	if errors.Is(err, render.ErrUnavailable) {
		// One recycle-and-retry before giving up on the renderer.
		if d.metrics != nil {
			d.metrics.RendererRecycled()
		}
		if rerr := d.renderer.Recycle(ctx); rerr == nil {
			pdf, err = d.renderer.Render(ctx, html, opts)
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, render.ErrUnavailable):
			return fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
		case errors.Is(err, render.ErrTimeout):
			return fmt.Errorf("%w: %v", ErrRenderTimeout, err)
		default:
			return fmt.Errorf("%w: %v", ErrRenderFailed, err)
		}
	}

	if err := d.spooler.Spool(ctx, pdf, printer); err != nil {
		d.breakers.RecordFailure(printer)
		return fmt.Errorf("%w: %v", ErrSpoolFailed, err)
	}
	d.breakers.RecordSuccess(printer)
	return nil
}

// withPrintCSS injects an @page block sized to the label unless the document
// already carries print CSS of its own.
func withPrintCSS(html string, label *PrintLabel) string {
	lower := strings.ToLower(html)
	if strings.Contains(lower, "@media print") || strings.Contains(lower, "@page") {
		return html
	}

	style := fmt.Sprintf(
		"<style>@page { size: %s %s; margin: %s %s %s %s; }</style>",
		label.Width, label.Height,
		label.Margins.Top, label.Margins.Right, label.Margins.Bottom, label.Margins.Left,
	)

	if idx := strings.Index(lower, "<head>"); idx >= 0 {
		at := idx + len("<head>")
		return html[:at] + style + html[at:]
	}
	return style + html
}
