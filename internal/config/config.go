package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvDatabaseURL    = "BARCODE_DROP_DATABASE_CONNECTION_URI"
	EnvPort           = "PORT"
	EnvLogLevel       = "LOG_LEVEL"
	EnvAllowedOrigins = "BARCODE_DROP_ALLOWED_ORIGINS"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Listener   ListenerConfig   `yaml:"listener"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Durability DurabilityConfig `yaml:"durability"`
	Log        LogConfig        `yaml:"log"`
	Mock       MockConfig       `yaml:"mock"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type ListenerConfig struct {
	Channel     string        `yaml:"channel"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type WebSocketConfig struct {
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SendBuffer     int           `yaml:"send_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type DurabilityConfig struct {
	QueueSize int           `yaml:"queue_size"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// MockConfig drives the synthetic event generator used when no database is
// available.
type MockConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Users    []string      `yaml:"users"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Listener: ListenerConfig{
			Channel:     "barcodes",
			RetryDelay:  5 * time.Second,
			MaxAttempts: 10,
		},
		WebSocket: WebSocketConfig{
			SendBuffer:   64,
			WriteTimeout: 10 * time.Second,
		},
		Durability: DurabilityConfig{
			QueueSize: 256,
			OpTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Mock: MockConfig{
			Interval: 2 * time.Second,
			Users:    []string{"peter", "nicholas"},
		},
	}
}

// Load reads a YAML file over the defaults. Fields the file omits keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Annotatef(err, "parsing %s", path)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv in
// production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Database.URL = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.NotValidf("%s %q", EnvPort, v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvAllowedOrigins); ok {
		c.WebSocket.AllowedOrigins = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return errors.NotValidf("server.port %d", c.Server.Port)
	case c.Server.ShutdownTimeout <= 0:
		return errors.NotValidf("server.shutdown_timeout %s", c.Server.ShutdownTimeout)
	case strings.TrimSpace(c.Listener.Channel) == "":
		return errors.NotValidf("empty listener.channel")
	case c.Listener.RetryDelay <= 0:
		return errors.NotValidf("listener.retry_delay %s", c.Listener.RetryDelay)
	case c.Listener.MaxAttempts <= 0:
		return errors.NotValidf("listener.max_attempts %d", c.Listener.MaxAttempts)
	case c.WebSocket.SendBuffer <= 0:
		return errors.NotValidf("websocket.send_buffer %d", c.WebSocket.SendBuffer)
	case c.WebSocket.WriteTimeout <= 0:
		return errors.NotValidf("websocket.write_timeout %s", c.WebSocket.WriteTimeout)
	case c.Durability.QueueSize <= 0:
		return errors.NotValidf("durability.queue_size %d", c.Durability.QueueSize)
	case c.Durability.OpTimeout <= 0:
		return errors.NotValidf("durability.op_timeout %s", c.Durability.OpTimeout)
	}
	if c.Mock.Enabled {
		if c.Mock.Interval <= 0 {
			return errors.NotValidf("mock.interval %s", c.Mock.Interval)
		}
		if len(c.Mock.Users) == 0 {
			return errors.NotValidf("empty mock.users")
		}
		return nil
	}
	if c.Database.URL == "" {
		return errors.NotValidf("missing database URL (set %s)", EnvDatabaseURL)
	}
	return nil
}
