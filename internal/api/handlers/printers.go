package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/labeld/internal/core"
)

// ZebraResetter sends the media-reset sequence to a printer.
type ZebraResetter interface {
	ResetZebraMedia(ctx context.Context, printerName string) error
}

type PrinterHandler struct {
	registry *core.Registry
	resetter ZebraResetter
	logger   *zap.Logger
	started  time.Time
}

func NewPrinterHandler(registry *core.Registry, resetter ZebraResetter, logger *zap.Logger) *PrinterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrinterHandler{
		registry: registry,
		resetter: resetter,
		logger:   logger.Named("api"),
		started:  time.Now(),
	}
}

// ListPrinters serves the cached snapshot; it never blocks on the OS. An
// empty registry after a failed discovery is reported as a warning, not an
// error.
func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	printers := h.registry.List()

	if len(printers) == 0 && h.registry.DiscoveryError() != nil {
		c.JSON(http.StatusOK, gin.H{
			"printers": []core.PrinterRecord{},
			"warning":  "discovery timed out",
		})
		return
	}

	online := 0
	for _, p := range printers {
		if p.Status == core.PrinterOnline {
			online++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"printers":       printers,
		"totalPrinters":  len(printers),
		"onlinePrinters": online,
	})
}

func (h *PrinterHandler) ResetZebraMedia(c *gin.Context) {
	name := c.Param("printerName")

	rec, ok := h.registry.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "printer not found"})
		return
	}
	if rec.Status != core.PrinterOnline {
		c.JSON(http.StatusBadRequest, gin.H{"error": "printer is offline"})
		return
	}

	if err := h.resetter.ResetZebraMedia(c.Request.Context(), name); err != nil {
		h.logger.Error("zebra media reset failed", zap.String("printer", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "media reset sent", "printer": name})
}

func (h *PrinterHandler) Health(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.started).Seconds(),
		"memory": gin.H{
			"allocBytes": mem.Alloc,
			"sysBytes":   mem.Sys,
			"numGC":      mem.NumGC,
		},
	})
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
	r.POST("/zebra/reset-media/:printerName", h.ResetZebraMedia)
}
