package handlers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/labeld/internal/core"
	"github.com/orrn/labeld/internal/render"
)

const labelAdmissionTimeout = 5 * time.Second

type SubmitLabel struct {
	PrinterName string       `json:"printerName"`
	HTMLContent string       `json:"htmlContent"`
	PrintMedia  string       `json:"printMedia"`
	Margin      core.Margins `json:"margin"`
	MPGroup     string       `json:"mpGroup"`
	Width       string       `json:"width"`
	Height      string       `json:"height"`
	Orientation string       `json:"orientation"`
	Copies      int          `json:"copies"`
	UserID      int64        `json:"userId"`
	Name        string       `json:"name"`
}

type SubmitMetadata struct {
	Priority string `json:"priority"`
}

type SubmitRequest struct {
	Labels   []SubmitLabel  `json:"labels" binding:"required"`
	Metadata SubmitMetadata `json:"metadata"`
}

type FailedLabel struct {
	UserID      int64  `json:"userId,omitempty"`
	Name        string `json:"name,omitempty"`
	PrinterName string `json:"printerName"`
	Error       string `json:"error"`
}

// RendererStatus is the slice of the renderer pool the HTTP layer reads.
type RendererStatus interface {
	Status() render.Status
}

type PrintHandler struct {
	queue    *core.Queue
	registry *core.Registry
	metrics  *core.Metrics
	renderer RendererStatus
	logger   *zap.Logger
}

func NewPrintHandler(queue *core.Queue, registry *core.Registry, metrics *core.Metrics, renderer RendererStatus, logger *zap.Logger) *PrintHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrintHandler{
		queue:    queue,
		registry: registry,
		metrics:  metrics,
		renderer: renderer,
		logger:   logger.Named("api"),
	}
}

// Submit validates the batch, explodes it into one job per label and admits
// each independently. The whole batch is rejected before any queueing if a
// label fails structural validation.
func (h *PrintHandler) Submit(c *gin.Context) {
	start := time.Now()

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "ValidationError",
			"message": err.Error(),
		})
		return
	}

	decoded, priority, err := validateBatch(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "ValidationError",
			"message": err.Error(),
		})
		return
	}

	successful := make([]string, 0, len(decoded))
	failed := make([]FailedLabel, 0)

	for i, label := range decoded {
		jobID, admitErr := h.admitLabel(c.Request.Context(), label, priority)
		if admitErr != nil {
			failed = append(failed, FailedLabel{
				UserID:      req.Labels[i].UserID,
				Name:        req.Labels[i].Name,
				PrinterName: req.Labels[i].PrinterName,
				Error:       admitErr.Error(),
			})
			continue
		}
		successful = append(successful, jobID)
		h.metrics.JobAdmitted()
	}

	body := gin.H{
		"successfulJobs": successful,
		"failedLabels":   failed,
		"processingTime": time.Since(start).Milliseconds(),
	}

	switch {
	case len(failed) == 0:
		c.JSON(http.StatusOK, body)
	case len(successful) == 0:
		h.logger.Warn("batch rejected in full", zap.Int("labels", len(req.Labels)))
		c.JSON(http.StatusBadRequest, body)
	default:
		c.JSON(http.StatusMultiStatus, body)
	}
}

// admitLabel resolves printer availability and enqueues one label under the
// per-label admission budget.
func (h *PrintHandler) admitLabel(ctx context.Context, label core.PrintLabel, priority core.Priority) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, labelAdmissionTimeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)

	go func() {
		if _, ok := h.registry.Get(label.PrinterName); !ok {
			done <- result{err: fmt.Errorf("printer %q not found", label.PrinterName)}
			return
		}
		if !h.registry.IsAvailable(label.PrinterName) {
			done <- result{err: fmt.Errorf("printer %q is unavailable", label.PrinterName)}
			return
		}
		id, err := h.queue.Admit(&core.PrintRequest{
			Labels:      []core.PrintLabel{label},
			Priority:    priority,
			SubmittedAt: time.Now(),
		})
		done <- result{id: id, err: err}
	}()

	select {
	case r := <-done:
		return r.id, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("label admission timed out")
	}
}

func validateBatch(req *SubmitRequest) ([]core.PrintLabel, core.Priority, error) {
	if len(req.Labels) == 0 {
		return nil, "", fmt.Errorf("batch must contain at least one label")
	}

	priority := core.Priority(req.Metadata.Priority)
	if req.Metadata.Priority == "" {
		priority = core.PriorityMedium
	}
	if !priority.Valid() {
		return nil, "", fmt.Errorf("invalid priority %q (valid: low, medium, high)", req.Metadata.Priority)
	}

	labels := make([]core.PrintLabel, 0, len(req.Labels))
	for i, l := range req.Labels {
		if l.PrinterName == "" {
			return nil, "", fmt.Errorf("labels[%d]: printerName is required", i)
		}
		if l.Width == "" || l.Height == "" {
			return nil, "", fmt.Errorf("labels[%d]: width and height are required", i)
		}
		if l.Margin.Top == "" || l.Margin.Right == "" || l.Margin.Bottom == "" || l.Margin.Left == "" {
			return nil, "", fmt.Errorf("labels[%d]: all four margins are required", i)
		}
		if l.Copies < 1 || l.Copies > 10 {
			return nil, "", fmt.Errorf("labels[%d]: copies must be between 1 and 10", i)
		}
		media := core.MediaType(l.PrintMedia)
		if media != core.MediaWristband && media != core.MediaLabel {
			return nil, "", fmt.Errorf("labels[%d]: printMedia must be Wristband or Label", i)
		}
		html, err := base64.StdEncoding.DecodeString(l.HTMLContent)
		if err != nil {
			return nil, "", fmt.Errorf("labels[%d]: htmlContent is not valid base64", i)
		}
		if len(html) == 0 {
			return nil, "", fmt.Errorf("labels[%d]: htmlContent is empty", i)
		}

		labels = append(labels, core.PrintLabel{
			PrinterName: l.PrinterName,
			HTML:        html,
			Width:       l.Width,
			Height:      l.Height,
			Margins:     l.Margin,
			Orientation: l.Orientation,
			Copies:      l.Copies,
			UserID:      l.UserID,
			Name:        l.Name,
			Media:       media,
			Group:       l.MPGroup,
		})
	}
	return labels, priority, nil
}

func (h *PrintHandler) JobStatus(c *gin.Context) {
	id := c.Param("jobId")
	job, ok := h.queue.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (h *PrintHandler) Metrics(c *gin.Context) {
	snapshot := h.metrics.Snapshot()

	performance := gin.H{
		"avgProcessingTimeMs": snapshot.AvgProcessingMS,
	}
	if h.renderer != nil {
		performance["renderer"] = h.renderer.Status()
	}

	c.JSON(http.StatusOK, gin.H{
		"metrics":     snapshot,
		"performance": performance,
		"timestamp":   time.Now().UTC(),
	})
}

func (h *PrintHandler) QueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Stats())
}

func (h *PrintHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/submit", h.Submit)
	r.GET("/status/:jobId", h.JobStatus)
	r.GET("/metrics", h.Metrics)
	r.GET("/queue", h.QueueStatus)
}
