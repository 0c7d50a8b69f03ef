package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Queue    QueueConfig    `yaml:"queue"`
	Printers PrintersConfig `yaml:"printers"`
	Renderer RendererConfig `yaml:"renderer"`
	Spooler  SpoolerConfig  `yaml:"spooler"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Workers         int           `yaml:"workers"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RouteTimeout    time.Duration `yaml:"route_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
}

type QueueConfig struct {
	MaxQueueSize      int           `yaml:"max_queue_size"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	BatchSize         int           `yaml:"batch_size"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

type PrintersConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	EnumerationTimeout  time.Duration `yaml:"enumeration_timeout"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
}

type RendererConfig struct {
	ExecPath          string        `yaml:"exec_path"`
	ContentTimeout    time.Duration `yaml:"content_timeout"`
	ContentHardLimit  time.Duration `yaml:"content_hard_limit"`
	PDFTimeout        time.Duration `yaml:"pdf_timeout"`
	CloseTimeout      time.Duration `yaml:"close_timeout"`
	LaunchTimeout     time.Duration `yaml:"launch_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type SpoolerConfig struct {
	BinPath      string        `yaml:"bin_path"`
	WorkDir      string        `yaml:"work_dir"`
	Timeout      time.Duration `yaml:"timeout"`
	CleanupDelay time.Duration `yaml:"cleanup_delay"`
}

type WebhookEndpoint struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type WebhooksConfig struct {
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
	Timeout     time.Duration     `yaml:"timeout"`
	RetryCount  int               `yaml:"retry_count"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	WorkerCount int               `yaml:"worker_count"`
	QueueSize   int               `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            3000,
			Workers:         0,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RouteTimeout:    15 * time.Second,
			AllowedOrigins:  []string{"*"},
			RateLimitWindow: 15 * time.Minute,
			RateLimitMax:    1000,
		},
		Queue: QueueConfig{
			MaxQueueSize:      1000,
			MaxConcurrentJobs: 5,
			BatchSize:         10,
			MaxRetries:        3,
			RetryDelay:        5 * time.Second,
			ProcessingTimeout: 30 * time.Second,
			ShutdownGrace:     10 * time.Second,
		},
		Printers: PrintersConfig{
			HealthCheckInterval: 60 * time.Second,
			EnumerationTimeout:  5 * time.Second,
			ProbeTimeout:        2 * time.Second,
		},
		Renderer: RendererConfig{
			ContentTimeout:    20 * time.Second,
			ContentHardLimit:  25 * time.Second,
			PDFTimeout:        8 * time.Second,
			CloseTimeout:      3 * time.Second,
			LaunchTimeout:     30 * time.Second,
			HeartbeatInterval: 60 * time.Second,
		},
		Spooler: SpoolerConfig{
			BinPath:      "PDFtoPrinter.exe",
			WorkDir:      "",
			Timeout:      10 * time.Second,
			CleanupDelay: 2 * time.Second,
		},
		Webhooks: WebhooksConfig{
			Timeout:     10 * time.Second,
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the optional YAML file, then applies environment overrides. A
// missing file is not an error; a malformed one is.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt("PORT", &c.Server.Port)
	envString("HOST", &c.Server.Host)
	envInt("WORKERS", &c.Server.Workers)
	envInt("MAX_QUEUE_SIZE", &c.Queue.MaxQueueSize)
	envInt("MAX_CONCURRENT_JOBS", &c.Queue.MaxConcurrentJobs)
	envInt("BATCH_SIZE", &c.Queue.BatchSize)
	envInt("MAX_RETRIES", &c.Queue.MaxRetries)
	envMillis("RETRY_DELAY", &c.Queue.RetryDelay)
	envMillis("PROCESSING_TIMEOUT", &c.Queue.ProcessingTimeout)
	envMillis("PRINTER_HEALTH_CHECK_INTERVAL", &c.Printers.HealthCheckInterval)
	envMillis("RATE_LIMIT_WINDOW_MS", &c.Server.RateLimitWindow)
	envInt("RATE_LIMIT_MAX", &c.Server.RateLimitMax)
	envString("SPOOLER_PATH", &c.Spooler.BinPath)
	envString("SPOOL_DIR", &c.Spooler.WorkDir)
	envString("CHROME_PATH", &c.Renderer.ExecPath)
	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		if len(origins) > 0 {
			c.Server.AllowedOrigins = origins
		}
	}

	// The health ticker has a hard lower bound; a shorter period saturates
	// the OS printer stack.
	if c.Printers.HealthCheckInterval < 60*time.Second {
		c.Printers.HealthCheckInterval = 60 * time.Second
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envMillis(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Queue.MaxQueueSize < 1 {
		return fmt.Errorf("max queue size must be at least 1")
	}
	if c.Queue.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max concurrent jobs must be at least 1")
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}
	if c.Queue.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	if c.Queue.ProcessingTimeout <= 0 {
		return fmt.Errorf("processing timeout must be positive")
	}
	if c.Server.RateLimitMax < 1 {
		return fmt.Errorf("rate limit max must be at least 1")
	}
	if c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.Spooler.BinPath == "" {
		return fmt.Errorf("spooler binary path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}

	for _, ep := range c.Webhooks.Endpoints {
		if !strings.HasPrefix(ep.URL, "http://") && !strings.HasPrefix(ep.URL, "https://") {
			return fmt.Errorf("webhook endpoint %q must be an http(s) URL", ep.URL)
		}
	}
	return nil
}
