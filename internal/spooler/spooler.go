package spooler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrSpoolFailed = errors.New("spool failed")

const (
	defaultTimeout      = 10 * time.Second
	defaultCleanupDelay = 2 * time.Second
)

type Config struct {
	// BinPath is the external PDF-to-printer binary, invoked as
	// <BinPath> <pdfPath> <printerName>.
	BinPath string
	// WorkDir holds spool temp files; created on demand.
	WorkDir string

	Timeout      time.Duration
	CleanupDelay time.Duration
	Logger       *zap.Logger
}

// Invoker writes PDF bytes to a collision-free temp file and hands it to the
// external spooler binary. Stateless and re-entrant.
type Invoker struct {
	cfg    Config
	logger *zap.Logger
}

func NewInvoker(cfg Config) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = defaultCleanupDelay
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "labeld-spool")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Invoker{cfg: cfg, logger: cfg.Logger.Named("spooler")}
}

// tempFileName builds a collision-free name: nanosecond timestamp plus a
// 122-bit random suffix.
func tempFileName(ext string) string {
	return fmt.Sprintf("label-%d-%s%s", time.Now().UnixNano(), uuid.NewString(), ext)
}

func (s *Invoker) writeTemp(data []byte, ext string) (string, error) {
	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	path := filepath.Join(s.cfg.WorkDir, tempFileName(ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write spool file: %w", err)
	}
	return path, nil
}

// scheduleCleanup deletes the temp file after the configured delay. Cleanup
// failures are logged, never raised.
func (s *Invoker) scheduleCleanup(path string) {
	logger := s.logger
	time.AfterFunc(s.cfg.CleanupDelay, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("spool file cleanup failed", zap.String("path", path), zap.Error(err))
		}
	})
}

// Spool sends a rendered PDF to the named printer via the external binary.
// The subprocess runs under a wall-clock cap and is killed on expiry.
func (s *Invoker) Spool(ctx context.Context, pdf []byte, printerName string) error {
	path, err := s.writeTemp(pdf, ".pdf")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpoolFailed, err)
	}
	defer s.scheduleCleanup(path)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.cfg.BinPath, path, printerName)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: timed out after %v", ErrSpoolFailed, s.cfg.Timeout)
		}
		return fmt.Errorf("%w: %v: %s", ErrSpoolFailed, err, trimOutput(out))
	}

	s.logger.Debug("pdf spooled",
		zap.String("printer", printerName),
		zap.Int("bytes", len(pdf)))
	return nil
}

func trimOutput(out []byte) string {
	const max = 256
	if len(out) > max {
		out = out[:max]
	}
	return string(out)
}
