package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes the environment variables overriding the config file,
// e.g. DOWNLOADQ_REDIS_ADDR or DOWNLOADQ_PROCESSOR_STORAGEDIR.
const EnvPrefix = "DOWNLOADQ"

// Config holds the app's configuration
type Config struct {
	Redis struct {
		Addr string `json:"addr"`
		// Sentinel settings
		// List of Sentinel Hosts
		Sentinel []string `json:"sentinel"`
		// Sentinel Master Name
		MasterName string `json:"master_name"`
	} `json:"redis"`

	Log struct {
		// Level is one of debug, info, warn, error
		Level string `json:"level"`
		// Format is json or text
		Format string `json:"format"`
	} `json:"log"`

	API struct {
		Host string `json:"host"`
		Port int    `json:"port"`

		// HeartbeatThreshold is the heartbeat age after which the worker is
		// reported stale.
		HeartbeatThreshold Duration `json:"heartbeat_threshold"`

		// CancelTTL is how long a cancel flag lives.
		CancelTTL Duration `json:"cancel_ttl"`
	} `json:"api"`

	Processor struct {
		StorageDir  string `json:"storage_dir"`
		Concurrency int    `json:"concurrency"`
		UserAgent   string `json:"user_agent"`

		RequestTimeout Duration `json:"request_timeout"`
		IdleTimeout    Duration `json:"idle_timeout"`
		TransferPoll   Duration `json:"transfer_poll"`
		FlagPoll       Duration `json:"flag_poll"`

		ProgressThreshold int64    `json:"progress_threshold"`
		MaxRedirects      int      `json:"max_redirects"`
		MaxRetries        int      `json:"max_retries"`
		RetryBackoff      Duration `json:"retry_backoff"`

		InventoryInterval Duration `json:"inventory_interval"`
		HeartbeatInterval Duration `json:"heartbeat_interval"`
		HeartbeatTTL      Duration `json:"heartbeat_ttl"`
		StatsInterval     Duration `json:"stats_interval"`

		DiskHigh     int      `json:"disk_high"`
		DiskLow      int      `json:"disk_low"`
		DiskInterval Duration `json:"disk_interval"`

		// MetricsAddr is the address Prometheus metrics are served on. Empty
		// disables the listener.
		MetricsAddr string `json:"metrics_addr"`

		Resolvers []Resolver `json:"resolvers" ignored:"true"`
		Hooks     Hooks      `json:"hooks" ignored:"true"`
	} `json:"processor"`

	Notifier struct {
		Channel    string   `json:"channel"`
		Timeout    Duration `json:"timeout"`
		BufferSize int      `json:"buffer_size"`
	} `json:"notifier"`

	// Backends maps a backend id (redis, http, kafka, sqs) to its options.
	Backends map[string]map[string]interface{} `json:"backends" ignored:"true"`
}

// Resolver configures the resolution of the URLs of hosts ending with
// HostSuffix.
type Resolver struct {
	HostSuffix string `json:"host_suffix"`

	// Type is session or service
	Type string `json:"type"`

	// session
	CookieFile string `json:"cookie_file"`
	UserAgent  string `json:"user_agent"`
	Referer    string `json:"referer"`

	// service
	Endpoint string   `json:"endpoint"`
	Timeout  Duration `json:"timeout"`
}

// Hooks configures the post-processing of completed downloads.
type Hooks struct {
	LibraryRefresh *LibraryRefresh `json:"library_refresh"`
	Mirror         *Mirror         `json:"mirror"`
}

// LibraryRefresh configures the media server to notify of new files.
type LibraryRefresh struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// Mirror configures the secondary storage completed files are copied to.
type Mirror struct {
	// Type is filesystem or s3
	Type   string `json:"type"`
	Root   string `json:"root"`
	Region string `json:"region"`
	Bucket string `json:"bucket"`
}

// Duration is a time.Duration read from strings like "1m30s". Plain numbers
// are seconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// UnmarshalJSON accepts "1m30s" or 90.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}

	var v interface{}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch val := v.(type) {
	case string:
		return d.Decode(val)
	case json.Number:
		secs, err := val.Float64()
		if err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	default:
		return fmt.Errorf("Invalid duration %s", b)
	}
}

// MarshalJSON encodes d as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("Invalid duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load builds a Config from filename, which may be empty, and the
// environment. Variables are read from a ".env" file first, if there is
// one, without overriding the ones already set. Environment variables take
// precedence over the file. Defaults fill what neither sets.
func Load(filename string) (Config, error) {
	cfg, err := Parse(filename)
	if err != nil {
		return cfg, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("Error loading .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("Error processing environment variables: %w", err)
	}

	cfg.SetDefaults()
	return cfg, cfg.Validate()
}

// Parse loads a given file name and creates a Configuration. The empty name
// yields an empty Configuration.
func Parse(filename string) (Config, error) {
	cfg := Config{}
	if filename == "" {
		return cfg, nil
	}

	f, err := os.Open(filename)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	err = dec.Decode(&cfg)
	return cfg, err
}
