package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
	"redis": {"addr": "redis:6379"},
	"log": {"level": "debug", "format": "text"},
	"processor": {
		"storage_dir": "/data",
		"concurrency": 4,
		"idle_timeout": "90s",
		"retry_backoff": 30,
		"resolvers": [
			{"host_suffix": "files.example", "type": "session", "cookie_file": "/data/cookies.json"},
			{"host_suffix": "videos.example", "type": "service", "endpoint": "http://resolver:3000/resolve", "timeout": "5m"}
		],
		"hooks": {
			"library_refresh": {"url": "http://jellyfin:8096", "api_key": "secret"},
			"mirror": {"type": "s3", "region": "eu-central-1", "bucket": "downloads"}
		}
	},
	"backends": {"redis": {}, "http": {"url": "http://hooks/events", "timeout": 3}}
}`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/data", cfg.Processor.StorageDir)
	assert.Equal(t, 4, cfg.Processor.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Processor.IdleTimeout.D())
	assert.Equal(t, 30*time.Second, cfg.Processor.RetryBackoff.D())

	require.Len(t, cfg.Processor.Resolvers, 2)
	assert.Equal(t, "session", cfg.Processor.Resolvers[0].Type)
	assert.Equal(t, 5*time.Minute, cfg.Processor.Resolvers[1].Timeout.D())

	require.NotNil(t, cfg.Processor.Hooks.LibraryRefresh)
	assert.Equal(t, "secret", cfg.Processor.Hooks.LibraryRefresh.APIKey)
	require.NotNil(t, cfg.Processor.Hooks.Mirror)
	assert.Equal(t, "downloads", cfg.Processor.Hooks.Mirror.Bucket)

	assert.Equal(t, json.Number("3"), cfg.Backends["http"]["timeout"])

	// defaults
	assert.Equal(t, 12*time.Hour, cfg.Processor.RequestTimeout.D())
	assert.Equal(t, 500*time.Millisecond, cfg.Processor.TransferPoll.D())
	assert.Equal(t, time.Second, cfg.Processor.FlagPoll.D())
	assert.Equal(t, int64(256*1024), cfg.Processor.ProgressThreshold)
	assert.Equal(t, 5, cfg.Processor.MaxRedirects)
	assert.Equal(t, 3, cfg.Processor.MaxRetries)
	assert.Equal(t, 95, cfg.Processor.DiskHigh)
	assert.Equal(t, 90, cfg.Processor.DiskLow)
	assert.Equal(t, "download-events", cfg.Notifier.Channel)
	assert.Equal(t, 8000, cfg.API.Port)
	assert.Equal(t, time.Hour, cfg.API.CancelTTL.D())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("DOWNLOADQ_REDIS_ADDR", "other:6380")
	t.Setenv("DOWNLOADQ_PROCESSOR_CONCURRENCY", "8")
	t.Setenv("DOWNLOADQ_PROCESSOR_FLAGPOLL", "250ms")

	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "other:6380", cfg.Redis.Addr)
	assert.Equal(t, 8, cfg.Processor.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Processor.FlagPoll.D())
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("DOWNLOADQ_PROCESSOR_STORAGEDIR", "/downloads")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/downloads", cfg.Processor.StorageDir)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Contains(t, cfg.Backends, "redis")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"processor": {"storage_dir": "/data", "idle_timeout": "soon"}}`))
	assert.Error(t, err)

	t.Setenv("DOWNLOADQ_PROCESSOR_CONCURRENCY", "many")
	_, err = Load(writeConfig(t, testConfig))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var c Config
		c.Processor.StorageDir = "/data"
		c.SetDefaults()
		return c
	}

	c := valid()
	require.NoError(t, c.Validate())

	cases := map[string]func(c *Config){
		"storage dir":     func(c *Config) { c.Processor.StorageDir = "" },
		"concurrency":     func(c *Config) { c.Processor.Concurrency = -1 },
		"disk thresholds": func(c *Config) { c.Processor.DiskLow = 96 },
		"heartbeat ttl":   func(c *Config) { c.Processor.HeartbeatTTL = Duration(time.Second) },
		"resolver type":   func(c *Config) { c.Processor.Resolvers = []Resolver{{HostSuffix: "x", Type: "browser"}} },
		"resolver host":   func(c *Config) { c.Processor.Resolvers = []Resolver{{Type: "service", Endpoint: "http://r"}} },
		"api port":        func(c *Config) { c.API.Port = 70000 },
		"backend":         func(c *Config) { c.Backends = map[string]map[string]interface{}{"smtp": {}} },
	}
	for name, breakIt := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			breakIt(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.D())

	require.NoError(t, json.Unmarshal([]byte(`1.5`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.D())

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	b, err := json.Marshal(Duration(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"2m0s"`, string(b))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	var c Config
	c.Log.Level = "warn"
	c.Log.Format = "text"

	logger := SetupLogger(&c, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "job_id", "42")

	assert.NotContains(t, buf.String(), "hidden")
	assert.True(t, strings.Contains(buf.String(), "job_id=42"))
}
