package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// SetDefaults fills every unset option with its default.
func (c *Config) SetDefaults() {
	setString(&c.Redis.Addr, "localhost:6379")
	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "json")

	setString(&c.API.Host, "0.0.0.0")
	setInt(&c.API.Port, 8000)
	setDuration(&c.API.HeartbeatThreshold, 15*time.Second)
	setDuration(&c.API.CancelTTL, time.Hour)

	p := &c.Processor
	setInt(&p.Concurrency, 2)
	setDuration(&p.RequestTimeout, 12*time.Hour)
	setDuration(&p.IdleTimeout, 60*time.Second)
	setDuration(&p.TransferPoll, 500*time.Millisecond)
	setDuration(&p.FlagPoll, time.Second)
	if p.ProgressThreshold == 0 {
		p.ProgressThreshold = 256 * 1024
	}
	setInt(&p.MaxRedirects, 5)
	setInt(&p.MaxRetries, 3)
	setDuration(&p.RetryBackoff, 2*time.Minute)
	setDuration(&p.InventoryInterval, 30*time.Second)
	setDuration(&p.HeartbeatInterval, 5*time.Second)
	setDuration(&p.HeartbeatTTL, 15*time.Second)
	setDuration(&p.StatsInterval, 5*time.Second)
	setInt(&p.DiskHigh, 95)
	setInt(&p.DiskLow, 90)
	setDuration(&p.DiskInterval, time.Minute)

	setString(&c.Notifier.Channel, "download-events")
	setDuration(&c.Notifier.Timeout, 2*time.Second)
	setInt(&c.Notifier.BufferSize, 1024)

	if len(c.Backends) == 0 {
		c.Backends = map[string]map[string]interface{}{"redis": {}}
	}
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	p := c.Processor

	if p.StorageDir == "" {
		return errors.New("processor.storage_dir cannot be empty")
	}
	if p.Concurrency <= 0 {
		return fmt.Errorf("processor.concurrency must be positive: %d", p.Concurrency)
	}
	if p.ProgressThreshold <= 0 {
		return fmt.Errorf("processor.progress_threshold must be positive: %d", p.ProgressThreshold)
	}
	if p.MaxRedirects < 0 {
		return fmt.Errorf("processor.max_redirects cannot be negative: %d", p.MaxRedirects)
	}
	if p.MaxRetries <= 0 {
		return fmt.Errorf("processor.max_retries must be positive: %d", p.MaxRetries)
	}
	if p.DiskLow < 0 || p.DiskHigh > 100 || p.DiskLow >= p.DiskHigh {
		return fmt.Errorf("processor.disk_low and disk_high must satisfy 0 <= low < high <= 100: %d, %d",
			p.DiskLow, p.DiskHigh)
	}
	if p.HeartbeatTTL < p.HeartbeatInterval {
		return fmt.Errorf("processor.heartbeat_ttl (%s) must not be shorter than heartbeat_interval (%s)",
			p.HeartbeatTTL.D(), p.HeartbeatInterval.D())
	}

	for i, r := range p.Resolvers {
		if r.HostSuffix == "" {
			return fmt.Errorf("processor.resolvers[%d]: host_suffix cannot be empty", i)
		}
		switch r.Type {
		case "session":
			if r.CookieFile == "" {
				return fmt.Errorf("processor.resolvers[%d]: cookie_file cannot be empty", i)
			}
		case "service":
			if r.Endpoint == "" {
				return fmt.Errorf("processor.resolvers[%d]: endpoint cannot be empty", i)
			}
		default:
			return fmt.Errorf("processor.resolvers[%d]: unknown type %q", i, r.Type)
		}
	}

	if m := p.Hooks.Mirror; m != nil {
		switch m.Type {
		case "filesystem":
			if m.Root == "" {
				return errors.New("processor.hooks.mirror: root cannot be empty")
			}
		case "s3":
			if m.Region == "" || m.Bucket == "" {
				return errors.New("processor.hooks.mirror: region and bucket cannot be empty")
			}
		default:
			return fmt.Errorf("processor.hooks.mirror: unknown type %q", m.Type)
		}
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api.port: %d", c.API.Port)
	}

	for id := range c.Backends {
		switch id {
		case "redis", "http", "kafka", "sqs":
		default:
			return fmt.Errorf("unknown backend %q", id)
		}
	}

	return nil
}

// SetupLogger configures the global slog logger based on configuration.
// Supports "json" or "text" formats and log levels: debug, info, warn, error.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func setString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

func setInt(i *int, def int) {
	if *i == 0 {
		*i = def
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}
