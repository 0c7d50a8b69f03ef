package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

var (
	ErrUnavailable = errors.New("renderer unavailable")
	ErrTimeout     = errors.New("render timed out")
	ErrFailed      = errors.New("render failed")
)

type Config struct {
	// ExecPath overrides the browser binary location; empty uses chromedp's
	// lookup.
	ExecPath string

	ContentTimeout     time.Duration // soft budget for content set + quiescence
	ContentHardTimeout time.Duration
	PDFTimeout         time.Duration
	CloseTimeout       time.Duration
	LaunchTimeout      time.Duration
	HeartbeatInterval  time.Duration

	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.ContentTimeout <= 0 {
		c.ContentTimeout = 20 * time.Second
	}
	if c.ContentHardTimeout <= 0 {
		c.ContentHardTimeout = 25 * time.Second
	}
	if c.PDFTimeout <= 0 {
		c.PDFTimeout = 8 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 3 * time.Second
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type Status struct {
	Available  bool      `json:"available"`
	Renders    int64     `json:"renders"`
	Failures   int64     `json:"failures"`
	Recycles   int64     `json:"recycles"`
	LastRender time.Time `json:"lastRender"`
}

// Pool owns a single headless browser process. Each render acquires a fresh
// ephemeral tab; tab pooling was tried upstream and abandoned as unstable.
// Lifecycle mutations (launch, recycle, close) are mutually exclusive;
// concurrent renders on the live browser are not.
type Pool struct {
	cfg Config

	lifecycle   sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	ready       bool

	statsMu    sync.Mutex
	renders    int64
	failures   int64
	recycles   int64
	lastRender time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewPool(cfg Config) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		logger: cfg.Logger.Named("render"),
	}
	p.wg.Add(1)
	go p.heartbeat()
	return p
}

func (p *Pool) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("autoplay-policy", "document-user-activation-required"),
		chromedp.Flag("font-render-hinting", "none"),
	)
	if p.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(p.cfg.ExecPath))
	}
	return opts
}

// launchLocked starts the browser under the process start budget. Callers
// hold the lifecycle mutex.
func (p *Pool) launchLocked() error {
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), p.allocatorOptions()...)
	p.browserCtx, p.browserStop = chromedp.NewContext(p.allocCtx)

	launchCtx, cancel := context.WithTimeout(p.browserCtx, p.cfg.LaunchTimeout)
	defer cancel()

	if err := chromedp.Run(launchCtx, chromedp.Navigate("about:blank")); err != nil {
		p.teardownLocked()
		return fmt.Errorf("%w: browser launch: %v", ErrUnavailable, err)
	}
	p.ready = true
	p.logger.Info("browser launched")
	return nil
}

func (p *Pool) teardownLocked() {
	if p.browserStop != nil {
		p.browserStop()
		p.browserStop = nil
	}
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
	}
	p.browserCtx = nil
	p.allocCtx = nil
	p.ready = false
}

// ensureBrowser lazily launches on first use.
func (p *Pool) ensureBrowser() (context.Context, error) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.ready && p.browserCtx != nil {
		return p.browserCtx, nil
	}
	if p.browserCtx != nil {
		// Stale browser from a detected disconnect.
		p.teardownLocked()
	}
	if err := p.launchLocked(); err != nil {
		return nil, err
	}
	return p.browserCtx, nil
}

func (p *Pool) Ready() bool {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.ready
}

// Recycle tears the browser down and relaunches it: the old process gets
// 10 s to close, is abandoned if it will not die, then a 3 s quiet gap
// before the new launch.
func (p *Pool) Recycle(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.statsMu.Lock()
	p.recycles++
	p.statsMu.Unlock()

	hadBrowser := p.browserCtx != nil
	if hadBrowser {
		done := make(chan struct{})
		browserCtx := p.browserCtx
		go func() {
			_ = chromedp.Cancel(browserCtx)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			p.logger.Warn("browser did not close in time, abandoning process")
		case <-ctx.Done():
		}
	}
	p.teardownLocked()

	// Quiet gap between kill and relaunch; skipped on the first lazy launch.
	if hadBrowser {
		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrUnavailable
		}
	}

	return p.launchLocked()
}

// Render converts an HTML document into PDF bytes sized to the given page
// geometry.
func (p *Pool) Render(ctx context.Context, html string, opts PageOptions) ([]byte, error) {
	browserCtx, err := p.ensureBrowser()
	if err != nil {
		p.recordFailure()
		return nil, err
	}

	width, err := ParseLength(opts.Width)
	if err != nil {
		return nil, fmt.Errorf("%w: width: %v", ErrFailed, err)
	}
	height, err := ParseLength(opts.Height)
	if err != nil {
		return nil, fmt.Errorf("%w: height: %v", ErrFailed, err)
	}

	// Fresh ephemeral tab per render.
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer p.closeTab(tabCtx, tabCancel)

	if err := p.setContent(ctx, tabCtx, html); err != nil {
		p.recordFailure()
		return nil, err
	}

	pdf, err := p.printToPDF(ctx, tabCtx, width, height, opts)
	if err != nil {
		p.recordFailure()
		return nil, err
	}

	p.statsMu.Lock()
	p.renders++
	p.lastRender = time.Now()
	p.statsMu.Unlock()

	return pdf, nil
}

// setContent loads the document and waits for network quiescence so remote
// images land before the PDF is produced. The quiescence wait has a soft
// budget; the overall step has a hard one.
func (p *Pool) setContent(callerCtx, tabCtx context.Context, html string) error {
	hardCtx, cancel := context.WithTimeout(tabCtx, p.cfg.ContentHardTimeout)
	defer cancel()
	stop := propagate(callerCtx, cancel)
	defer stop()

	err := chromedp.Run(hardCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(ctx)
		}),
	)
	if err != nil {
		if hardCtx.Err() != nil {
			return fmt.Errorf("%w: content set exceeded %v", ErrTimeout, p.cfg.ContentHardTimeout)
		}
		return fmt.Errorf("%w: content set: %v", ErrFailed, err)
	}

	softCtx, softCancel := context.WithTimeout(hardCtx, p.cfg.ContentTimeout)
	defer softCancel()

	err = chromedp.Run(softCtx, chromedp.Evaluate(waitForImagesJS, nil,
		func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
			return ep.WithAwaitPromise(true)
		}))
	if err != nil {
		if hardCtx.Err() != nil {
			return fmt.Errorf("%w: content quiescence exceeded %v", ErrTimeout, p.cfg.ContentHardTimeout)
		}
		if softCtx.Err() != nil {
			// Soft budget blown: render with whatever has loaded.
			p.logger.Warn("content quiescence wait timed out, rendering anyway")
			return nil
		}
		return fmt.Errorf("%w: content quiescence: %v", ErrFailed, err)
	}
	return nil
}

const waitForImagesJS = `Promise.all(
	Array.from(document.images)
		.filter(img => !img.complete)
		.map(img => new Promise(resolve => {
			img.addEventListener('load', resolve);
			img.addEventListener('error', resolve);
		}))
).then(() => true)`

func (p *Pool) printToPDF(callerCtx, tabCtx context.Context, width, height float64, opts PageOptions) ([]byte, error) {
	pdfCtx, cancel := context.WithTimeout(tabCtx, p.cfg.PDFTimeout)
	defer cancel()
	stop := propagate(callerCtx, cancel)
	defer stop()

	var pdf []byte
	err := chromedp.Run(pdfCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithPreferCSSPageSize(true).
			WithPaperWidth(width).
			WithPaperHeight(height).
			WithMarginTop(lengthOrZero(opts.MarginTop)).
			WithMarginRight(lengthOrZero(opts.MarginRight)).
			WithMarginBottom(lengthOrZero(opts.MarginBottom)).
			WithMarginLeft(lengthOrZero(opts.MarginLeft)).
			WithLandscape(opts.Landscape).
			Do(ctx)
		if err != nil {
			return err
		}
		pdf = data
		return nil
	}))
	if err != nil {
		if pdfCtx.Err() != nil {
			return nil, fmt.Errorf("%w: pdf generation exceeded %v", ErrTimeout, p.cfg.PDFTimeout)
		}
		return nil, fmt.Errorf("%w: pdf generation: %v", ErrFailed, err)
	}
	if len(pdf) == 0 {
		return nil, fmt.Errorf("%w: generated pdf is empty", ErrFailed)
	}
	return pdf, nil
}

// closeTab closes a render tab on every exit path. If the close exceeds its
// hard deadline the reference is dropped and the browser is marked for
// recycle.
func (p *Pool) closeTab(tabCtx context.Context, tabCancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		_ = chromedp.Cancel(tabCtx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.CloseTimeout):
		p.logger.Warn("page close exceeded deadline, scheduling browser recycle")
		tabCancel()
		p.markNotReady()
	}
}

func (p *Pool) markNotReady() {
	p.lifecycle.Lock()
	p.ready = false
	p.lifecycle.Unlock()
}

func (p *Pool) recordFailure() {
	p.statsMu.Lock()
	p.failures++
	p.statsMu.Unlock()
}

// heartbeat verifies browser connectivity. On failure the pool marks itself
// not ready; the next render triggers a recycle.
func (p *Pool) heartbeat() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.lifecycle.Lock()
			browserCtx := p.browserCtx
			ready := p.ready
			p.lifecycle.Unlock()

			if !ready || browserCtx == nil {
				continue
			}

			hbCtx, cancel := context.WithTimeout(browserCtx, 5*time.Second)
			err := chromedp.Run(hbCtx, chromedp.Evaluate("1", nil))
			cancel()
			if err != nil {
				p.logger.Warn("browser heartbeat failed", zap.Error(err))
				p.markNotReady()
			}
		}
	}
}

func (p *Pool) Status() Status {
	ready := p.Ready()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return Status{
		Available:  ready,
		Renders:    p.renders,
		Failures:   p.failures,
		Recycles:   p.recycles,
		LastRender: p.lastRender,
	}
}

// Close tears down the browser and stops the heartbeat.
func (p *Pool) Close() error {
	close(p.stopCh)
	p.wg.Wait()

	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.browserCtx != nil {
		done := make(chan struct{})
		browserCtx := p.browserCtx
		go func() {
			_ = chromedp.Cancel(browserCtx)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	}
	p.teardownLocked()
	return nil
}

// propagate cancels target when src is cancelled, racing the caller's
// deadline against the stage timers. The returned stop func releases the
// watcher.
func propagate(src context.Context, cancel context.CancelFunc) func() {
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-src.Done():
			cancel()
		case <-stopCh:
		}
	}()
	return func() { close(stopCh) }
}
