package spooler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// zebraResetSequence restores a Zebra printer's media settings for 203 dpi
// wristband stock. Sent raw; the printer interprets ZPL, not PDF.
var zebraResetSequence = []string{
	"~SD20",
	"~JSN",
	"^XA",
	"^SZ2",
	"^PW203",
	"^LL2030",
	"^POI",
	"^PMN",
	"^MNM",
	"^LS0",
	"^MTT",
	"^MMT,N",
	"^MPE",
	"^XZ",
	"^XA^JUS^XZ",
}

func zebraResetPayload() []byte {
	return []byte(strings.Join(zebraResetSequence, "\r\n") + "\r\n")
}

// ResetZebraMedia writes the ZPL reset sequence to a temp file and copies it
// to the printer share by name. Same wall-clock cap and deferred cleanup as
// PDF spooling.
func (s *Invoker) ResetZebraMedia(ctx context.Context, printerName string) error {
	path, err := s.writeTemp(zebraResetPayload(), ".zpl")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpoolFailed, err)
	}
	defer s.scheduleCleanup(path)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "cmd", "/c", "copy", "/b", path, printerName)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: zebra reset timed out after %v", ErrSpoolFailed, s.cfg.Timeout)
		}
		return fmt.Errorf("%w: zebra reset: %v: %s", ErrSpoolFailed, err, trimOutput(out))
	}

	s.logger.Info("zebra media reset sent", zap.String("printer", printerName))
	return nil
}
