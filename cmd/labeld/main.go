package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/labeld/internal/api/handlers"
	"github.com/orrn/labeld/internal/api/middleware"
	"github.com/orrn/labeld/internal/config"
	"github.com/orrn/labeld/internal/core"
	"github.com/orrn/labeld/internal/events"
	"github.com/orrn/labeld/internal/logger"
	"github.com/orrn/labeld/internal/render"
	"github.com/orrn/labeld/internal/spooler"
	"github.com/orrn/labeld/internal/webhook"
)

func main() {
	configPath := flag.String("config", "labeld.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()

	if cfg.Server.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Server.Workers)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	breakers := core.NewBreakerSet(core.DefaultBreakerConfig())

	registry := core.NewRegistry(core.RegistryConfig{
		HealthCheckInterval: cfg.Printers.HealthCheckInterval,
		EnumerationTimeout:  cfg.Printers.EnumerationTimeout,
		ProbeTimeout:        cfg.Printers.ProbeTimeout,
	}, core.PowerShellEnumerator{}, breakers, log)
	registry.Start()
	defer registry.Stop()

	queue := core.NewQueue(core.QueueConfig{
		MaxSize:    cfg.Queue.MaxQueueSize,
		MaxRetries: cfg.Queue.MaxRetries,
		RetryDelay: cfg.Queue.RetryDelay,
	}, log)

	metrics := core.NewMetrics(queue, registry, breakers, log)
	metrics.Start()
	defer metrics.Stop()

	pool := render.NewPool(render.Config{
		ExecPath:           cfg.Renderer.ExecPath,
		ContentTimeout:     cfg.Renderer.ContentTimeout,
		ContentHardTimeout: cfg.Renderer.ContentHardLimit,
		PDFTimeout:         cfg.Renderer.PDFTimeout,
		CloseTimeout:       cfg.Renderer.CloseTimeout,
		LaunchTimeout:      cfg.Renderer.LaunchTimeout,
		HeartbeatInterval:  cfg.Renderer.HeartbeatInterval,
		Logger:             log,
	})
	defer pool.Close()

	invoker := spooler.NewInvoker(spooler.Config{
		BinPath:      cfg.Spooler.BinPath,
		WorkDir:      cfg.Spooler.WorkDir,
		Timeout:      cfg.Spooler.Timeout,
		CleanupDelay: cfg.Spooler.CleanupDelay,
		Logger:       log,
	})

	dispatcher := core.NewDispatcher(core.DispatcherConfig{
		MaxConcurrentJobs: cfg.Queue.MaxConcurrentJobs,
		BatchSize:         cfg.Queue.BatchSize,
		ProcessingTimeout: cfg.Queue.ProcessingTimeout,
		ShutdownGrace:     cfg.Queue.ShutdownGrace,
	}, queue, registry, breakers, pool, invoker, metrics, log)
	dispatcher.Start()

	hub := events.NewHub(func(*http.Request) bool { return true }, log)
	hub.Run(queue.Subscribe())

	var sender *webhook.Sender
	if len(cfg.Webhooks.Endpoints) > 0 {
		sender = webhook.NewSender(cfg.Webhooks, log)
		sender.Run(queue.Subscribe())
	}

	router := buildRouter(cfg, queue, registry, metrics, pool, invoker, hub, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}

	dispatcher.Stop()
	queue.Close()
	if sender != nil {
		sender.Stop()
	}
	return nil
}

func buildRouter(cfg *config.Config, queue *core.Queue, registry *core.Registry, metrics *core.Metrics, pool *render.Pool, invoker *spooler.Invoker, hub *events.Hub, log *zap.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitWindow, cfg.Server.RateLimitMax)

	api := r.Group("/api")
	api.Use(limiter.Handler())

	printGroup := api.Group("/print")
	printGroup.Use(middleware.Timeout(cfg.Server.RouteTimeout))

	printHandler := handlers.NewPrintHandler(queue, registry, metrics, pool, log)
	printHandler.RegisterRoutes(printGroup)

	printerHandler := handlers.NewPrinterHandler(registry, invoker, log)
	printerHandler.RegisterRoutes(printGroup)
	printGroup.GET("/health", printerHandler.Health)

	// Websocket upgrades bypass the timeout middleware; the hub manages its
	// own deadlines.
	api.GET("/print/events", func(c *gin.Context) {
		hub.Serve(c.Writer, c.Request)
	})

	return r
}
