package render

import (
	"fmt"
	"strconv"
	"strings"
)

// PageOptions carries the label geometry for one render. Width, height and
// margins are CSS-style length strings ("2in", "50.8mm", "203px").
type PageOptions struct {
	Width        string
	Height       string
	MarginTop    string
	MarginRight  string
	MarginBottom string
	MarginLeft   string
	Landscape    bool
}

const (
	mmPerInch = 25.4
	pxPerInch = 96.0
	ptPerInch = 72.0
)

// ParseLength converts a CSS length string to inches, the unit the DevTools
// printToPDF call expects. Unitless values are treated as pixels.
func ParseLength(s string) (float64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty length")
	}

	unit := ""
	num := s
	for _, u := range []string{"mm", "cm", "in", "px", "pt"} {
		if strings.HasSuffix(s, u) {
			unit = u
			num = strings.TrimSpace(strings.TrimSuffix(s, u))
			break
		}
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid length %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative length %q", s)
	}

	switch unit {
	case "in":
		return v, nil
	case "mm":
		return v / mmPerInch, nil
	case "cm":
		return v * 10 / mmPerInch, nil
	case "pt":
		return v / ptPerInch, nil
	case "px", "":
		return v / pxPerInch, nil
	}
	return 0, fmt.Errorf("unsupported unit in %q", s)
}

// lengthOrZero parses a margin string, treating empty and malformed values
// as zero so one bad margin does not fail the whole render.
func lengthOrZero(s string) float64 {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	v, err := ParseLength(s)
	if err != nil {
		return 0
	}
	return v
}
