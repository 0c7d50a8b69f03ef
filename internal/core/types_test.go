package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		fmt.Errorf("%w: device rejected", ErrSpoolFailed),
		fmt.Errorf("%w: chrome died", ErrRenderFailed),
		fmt.Errorf("%w: slow page", ErrRenderTimeout),
		fmt.Errorf("%w: pool down", ErrRendererUnavailable),
		errors.New("anything unclassified"),
	}
	for _, err := range retryable {
		assert.True(t, IsRetryable(err), err.Error())
	}

	terminal := []error{
		nil,
		fmt.Errorf("%w: printer gone", ErrPrinterUnavailable),
		fmt.Errorf("%w: no such printer", ErrPrinterNotFound),
		fmt.Errorf("%w", ErrBreakerOpen),
		fmt.Errorf("%w: over budget", ErrProcessingTimeout),
		fmt.Errorf("%w: shutdown", ErrCancelled),
		fmt.Errorf("%w: bad input", ErrValidation),
	}
	for _, err := range terminal {
		assert.False(t, IsRetryable(err))
	}
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Zero(t, Priority("bogus").Rank())

	assert.True(t, PriorityHigh.Valid())
	assert.False(t, Priority("urgent").Valid())
}

func TestWithPrintCSSInjectsPageRule(t *testing.T) {
	label := testLabel("P")
	label.Width = "2in"
	label.Height = "1in"
	label.Margins = Margins{Top: "1mm", Right: "2mm", Bottom: "3mm", Left: "4mm"}

	out := withPrintCSS("<html><head></head><body>x</body></html>", &label)
	assert.Contains(t, out, "@page { size: 2in 1in; margin: 1mm 2mm 3mm 4mm; }")
	assert.Contains(t, out, "<head><style>")
}

func TestWithPrintCSSPrependsWithoutHead(t *testing.T) {
	label := testLabel("P")
	out := withPrintCSS("<p>bare</p>", &label)
	assert.True(t, len(out) > len("<p>bare</p>"))
	assert.Contains(t, out, "@page")
}

func TestWithPrintCSSRespectsExistingPrintCSS(t *testing.T) {
	label := testLabel("P")

	html := `<html><head><style>@page { size: 4in 6in; }</style></head><body></body></html>`
	assert.Equal(t, html, withPrintCSS(html, &label))

	html = `<html><head><style>@media print { body { margin: 0 } }</style></head><body></body></html>`
	assert.Equal(t, html, withPrintCSS(html, &label))
}
