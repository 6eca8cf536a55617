package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MMATE_BUS_"

// Config is the service configuration of mmate-bus
type Config struct {
	ServiceName       string
	Version           string
	HTTPAddr          string
	LogLevel          string
	LogFormat         string
	TopologyPath      string
	DefaultMaxRetries int
	ShutdownTimeout   time.Duration
	LoggingConsumer   bool
	AMQPURL           string
	AMQPMaxRetries    int
}

type configFile struct {
	Service struct {
		Name     string `yaml:"name"`
		Version  string `yaml:"version"`
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"service"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Bus struct {
		TopologyPath           string `yaml:"topology_path"`
		DefaultMaxRetries      *int   `yaml:"default_max_retries"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
		LoggingConsumer        *bool  `yaml:"logging_consumer"`
	} `yaml:"bus"`
	RabbitMQ struct {
		URL        string `yaml:"url"`
		MaxRetries *int   `yaml:"max_retries"`
	} `yaml:"rabbitmq"`
}

// Default returns the configuration used when no file or environment
// override is present
func Default() Config {
	return Config{
		ServiceName:       "mmate-bus",
		Version:           "0.1.0",
		HTTPAddr:          ":8080",
		LogLevel:          "info",
		LogFormat:         "json",
		DefaultMaxRetries: 3,
		ShutdownTimeout:   10 * time.Second,
		LoggingConsumer:   true,
		AMQPMaxRetries:    3,
	}
}

// Load reads path when it exists and applies environment overrides on top.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be corrected silently
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: http address is required")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("config: shutdown timeout must be positive")
	}
	return nil
}

// NewLogger builds the service logger. Every record carries the service
// name and version.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.EqualFold(c.LogFormat, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With(slog.String("service", c.ServiceName))
	if v := strings.TrimSpace(c.Version); v != "" {
		logger = logger.With(slog.String("version", v))
	}
	return logger
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if f.Service.Name != "" {
		c.ServiceName = f.Service.Name
	}
	if f.Service.Version != "" {
		c.Version = f.Service.Version
	}
	if f.Service.HTTPAddr != "" {
		c.HTTPAddr = f.Service.HTTPAddr
	}
	if f.Log.Level != "" {
		c.LogLevel = f.Log.Level
	}
	if f.Log.Format != "" {
		c.LogFormat = f.Log.Format
	}
	if f.Bus.TopologyPath != "" {
		c.TopologyPath = f.Bus.TopologyPath
	}
	if f.Bus.DefaultMaxRetries != nil {
		c.DefaultMaxRetries = *f.Bus.DefaultMaxRetries
	}
	if f.Bus.ShutdownTimeoutSeconds > 0 {
		c.ShutdownTimeout = time.Duration(f.Bus.ShutdownTimeoutSeconds) * time.Second
	}
	if f.Bus.LoggingConsumer != nil {
		c.LoggingConsumer = *f.Bus.LoggingConsumer
	}
	if f.RabbitMQ.URL != "" {
		c.AMQPURL = f.RabbitMQ.URL
	}
	if f.RabbitMQ.MaxRetries != nil {
		c.AMQPMaxRetries = *f.RabbitMQ.MaxRetries
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = envString("SERVICE_NAME", c.ServiceName)
	c.Version = envString("SERVICE_VERSION", c.Version)
	c.HTTPAddr = envString("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envString("LOG_FORMAT", c.LogFormat)
	c.TopologyPath = envString("TOPOLOGY", c.TopologyPath)
	c.DefaultMaxRetries = envInt("MAX_RETRIES", c.DefaultMaxRetries)
	c.ShutdownTimeout = time.Duration(envInt("SHUTDOWN_TIMEOUT_SECONDS", int(c.ShutdownTimeout.Seconds()))) * time.Second
	c.LoggingConsumer = envBool("LOGGING_CONSUMER", c.LoggingConsumer)
	c.AMQPURL = envString("AMQP_URL", c.AMQPURL)
	c.AMQPMaxRetries = envInt("AMQP_MAX_RETRIES", c.AMQPMaxRetries)
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(EnvPrefix + name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if raw := os.Getenv(EnvPrefix + name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envString(name, fallback string) string {
	if raw := os.Getenv(EnvPrefix + name); raw != "" {
		return raw
	}
	return fallback
}
