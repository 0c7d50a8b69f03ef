package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/labeld/internal/config"
	"github.com/orrn/labeld/internal/core"
)

type payload struct {
	Event     string        `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
	Data      core.JobEvent `json:"data"`
	Signature string        `json:"signature,omitempty"`
}

type task struct {
	endpoint config.WebhookEndpoint
	body     payload
	attempt  int
}

// Sender delivers job lifecycle events to configured HTTP endpoints.
// Delivery is fire-and-forget from the scheduler's point of view: a bounded
// task queue drops on overflow rather than back-pressuring completion paths.
type Sender struct {
	cfg        config.WebhooksConfig
	httpClient *http.Client
	tasks      chan *task
	stopCh     chan struct{}
	wg         sync.WaitGroup
	logger     *zap.Logger
}

func NewSender(cfg config.WebhooksConfig, logger *zap.Logger) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tasks:      make(chan *task, cfg.QueueSize),
		stopCh:     make(chan struct{}),
		logger:     logger.Named("webhook"),
	}
}

// Run consumes job events from the queue's subscription channel until it
// closes, fanning each event out to every configured endpoint.
func (s *Sender) Run(events <-chan core.JobEvent) {
	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range events {
			s.publish(ev)
		}
	}()
}

func (s *Sender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sender) publish(ev core.JobEvent) {
	for _, ep := range s.cfg.Endpoints {
		t := &task{
			endpoint: ep,
			body: payload{
				Event:     string(ev.Type),
				Timestamp: time.Now(),
				Data:      ev,
			},
		}
		select {
		case s.tasks <- t:
		default:
			s.logger.Warn("webhook queue full, dropping event",
				zap.String("event", string(ev.Type)),
				zap.String("url", ep.URL))
		}
	}
}

func (s *Sender) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.tasks:
			s.deliver(t)
		}
	}
}

func (s *Sender) deliver(t *task) {
	err := s.post(t)
	if err == nil {
		return
	}

	if t.attempt+1 < s.cfg.RetryCount {
		t.attempt++
		s.logger.Debug("webhook delivery failed, retrying",
			zap.String("url", t.endpoint.URL),
			zap.Int("attempt", t.attempt),
			zap.Error(err))
		time.AfterFunc(s.cfg.RetryDelay, func() {
			select {
			case s.tasks <- t:
			case <-s.stopCh:
			default:
			}
		})
		return
	}

	s.logger.Warn("webhook delivery gave up",
		zap.String("url", t.endpoint.URL),
		zap.String("event", t.body.Event),
		zap.Error(err))
}

func (s *Sender) post(t *task) error {
	body := t.body
	if t.endpoint.Secret != "" {
		unsigned, err := json.Marshal(body)
		if err != nil {
			return err
		}
		body.Signature = sign(unsigned, t.endpoint.Secret)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Signature != "" {
		req.Header.Set("X-Labeld-Signature", body.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func sign(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
