package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/glimte/rjr-go"
	"github.com/glimte/rjr-go/internal/reliability"
	"gopkg.in/yaml.v3"
)

// Config is the rjr-amqp configuration file
type Config struct {
	NodeID        string          `yaml:"node_id"`
	Broker        string          `yaml:"broker"`
	Transport     string          `yaml:"transport"`
	InvokeTimeout time.Duration   `yaml:"invoke_timeout"`
	DialTimeout   time.Duration   `yaml:"dial_timeout"`
	MaxHandlers   int             `yaml:"max_handlers"`
	HealthAddr    string          `yaml:"health_addr"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Retry         RetryConfig     `yaml:"retry"`
	Etcd          EtcdConfig      `yaml:"etcd"`
	Log           LogConfig       `yaml:"log"`
}

// RateLimitConfig limits inbound requests served by the node. A zero RPS
// disables the limit.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// RetryConfig retries invoke and notify after transient broker failures.
// An invoke that fails after the broker accepted its request is not
// retried. Zero attempts disables retrying.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
}

// EtcdConfig enables the etcd node directory when endpoints are set
type EtcdConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	TTL       time.Duration `yaml:"ttl"`
}

// LogConfig selects the log level and format, "text" or "json"
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() Config {
	return Config{
		Broker:    "localhost",
		Transport: rjr.TransportAMQP,
		Retry: RetryConfig{
			Initial: 200 * time.Millisecond,
			Max:     5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	if err := decodeConfig(file, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func decodeConfig(r io.Reader, cfg *Config) error {
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first invalid setting
func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node_id is required")
	}
	if c.Transport == rjr.TransportAMQP && c.Broker == "" {
		return errors.New("broker is required for the amqp transport")
	}
	if c.InvokeTimeout < 0 {
		return errors.New("invoke_timeout must not be negative")
	}
	if c.DialTimeout < 0 {
		return errors.New("dial_timeout must not be negative")
	}
	if c.MaxHandlers < 0 {
		return errors.New("max_handlers must not be negative")
	}
	if c.RateLimit.RPS < 0 || (c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0) {
		return errors.New("rate_limit needs a positive rps and burst")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("retry attempts must not be negative")
	}
	if c.Retry.Attempts > 0 && (c.Retry.Initial <= 0 || c.Retry.Max < c.Retry.Initial) {
		return errors.New("retry needs a positive initial delay not above max")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds the logger described by the config
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// RetryPolicy returns the policy for invoke and notify
func (c Config) RetryPolicy() *reliability.ExponentialBackoff {
	return reliability.NewExponentialBackoff(c.Retry.Initial, c.Retry.Max, 2, c.Retry.Attempts)
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
