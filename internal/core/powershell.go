package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// PowerShellEnumerator discovers printers with Get-Printer. Every invocation
// runs under the caller's context deadline; a wedged PowerShell is killed,
// not waited on.
type PowerShellEnumerator struct{}

type psPrinter struct {
	Name          string `json:"Name"`
	PrinterStatus int    `json:"PrinterStatus"`
	DriverName    string `json:"DriverName"`
	PortName      string `json:"PortName"`
}

const enumerateScript = `Get-Printer | Select-Object Name,PrinterStatus,DriverName,PortName | ConvertTo-Json -Compress`

func (PowerShellEnumerator) Enumerate(ctx context.Context) ([]PrinterInfo, error) {
	out, err := runPowerShell(ctx, enumerateScript)
	if err != nil {
		return nil, fmt.Errorf("printer enumeration: %w", err)
	}
	return parsePrinterList(out)
}

func (PowerShellEnumerator) Probe(ctx context.Context, name string) (PrinterState, error) {
	script := fmt.Sprintf(`Get-Printer -Name %s | Select-Object Name,PrinterStatus,DriverName,PortName | ConvertTo-Json -Compress`, psQuote(name))
	out, err := runPowerShell(ctx, script)
	if err != nil {
		return PrinterOffline, fmt.Errorf("probe %s: %w", name, err)
	}
	infos, err := parsePrinterList(out)
	if err != nil {
		return PrinterOffline, err
	}
	if len(infos) == 0 {
		return PrinterOffline, fmt.Errorf("probe %s: %w", name, ErrPrinterNotFound)
	}
	return infos[0].Status, nil
}

func runPowerShell(ctx context.Context, script string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return out, err
}

// parsePrinterList accepts both shapes ConvertTo-Json produces: a single
// object when one printer exists, an array otherwise.
func parsePrinterList(out []byte) ([]PrinterInfo, error) {
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return nil, nil
	}

	var entries []psPrinter
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse printer list: %w", err)
		}
	} else {
		var one psPrinter
		if err := json.Unmarshal([]byte(raw), &one); err != nil {
			return nil, fmt.Errorf("parse printer list: %w", err)
		}
		entries = []psPrinter{one}
	}

	infos := make([]PrinterInfo, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		infos = append(infos, PrinterInfo{
			Name:   e.Name,
			Status: mapPrinterStatus(e.PrinterStatus),
			Driver: e.DriverName,
			Port:   e.PortName,
		})
	}
	return infos, nil
}

func mapPrinterStatus(code int) PrinterState {
	switch code {
	case 0:
		return PrinterOnline
	case 1:
		return PrinterOffline
	case 2:
		return PrinterError
	}
	return PrinterOffline
}

// psQuote wraps a printer name in single quotes for PowerShell, doubling any
// embedded single quotes.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
