package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrinterListArray(t *testing.T) {
	out := []byte(`[{"Name":"ZDesigner GX420d","PrinterStatus":0,"DriverName":"ZDesigner","PortName":"USB001"},
		{"Name":"Front Desk","PrinterStatus":1,"DriverName":"HP","PortName":"WSD-1"}]`)

	infos, err := parsePrinterList(out)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "ZDesigner GX420d", infos[0].Name)
	assert.Equal(t, PrinterOnline, infos[0].Status)
	assert.Equal(t, "USB001", infos[0].Port)
	assert.Equal(t, PrinterOffline, infos[1].Status)
}

func TestParsePrinterListSingleObject(t *testing.T) {
	out := []byte(`{"Name":"Only One","PrinterStatus":2,"DriverName":"Zebra","PortName":"LPT1"}`)

	infos, err := parsePrinterList(out)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, PrinterError, infos[0].Status)
}

func TestParsePrinterListEmptyAndMalformed(t *testing.T) {
	infos, err := parsePrinterList([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, infos)

	_, err = parsePrinterList([]byte(`{"Name": `))
	assert.Error(t, err)

	// Nameless entries are dropped.
	infos, err = parsePrinterList([]byte(`[{"PrinterStatus":0}]`))
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestMapPrinterStatus(t *testing.T) {
	assert.Equal(t, PrinterOnline, mapPrinterStatus(0))
	assert.Equal(t, PrinterOffline, mapPrinterStatus(1))
	assert.Equal(t, PrinterError, mapPrinterStatus(2))
	assert.Equal(t, PrinterOffline, mapPrinterStatus(3))
	assert.Equal(t, PrinterOffline, mapPrinterStatus(-1))
	assert.Equal(t, PrinterOffline, mapPrinterStatus(99))
}

func TestPSQuote(t *testing.T) {
	assert.Equal(t, "'Front Desk'", psQuote("Front Desk"))
	assert.Equal(t, "'O''Brien''s Label'", psQuote("O'Brien's Label"))
}
