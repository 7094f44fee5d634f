// Package config handles hub configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level hub configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Session SessionConfig `json:"session"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"`                        // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // CORS and WebSocket origins; default ["*"]
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty"`    // max request body size; default 1MB
	FileStoragePath string   `json:"file_storage_path,omitempty"` // path for uploaded files; default "./converso-files"
	MaxFileBytes    int64    `json:"max_file_bytes,omitempty"`    // max file size; default 10MB
}

// StorageConfig defines session-metadata database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "converso.db", ":memory:", or a postgres URL
}

// SessionConfig defines broker behavior.
type SessionConfig struct {
	GraceWindow     Duration `json:"grace_window,omitempty"`     // reconnect window; default 30s
	OutboundBuffer  int      `json:"outbound_buffer,omitempty"`  // durable queue per connection; default 256
	TypingBuffer    int      `json:"typing_buffer,omitempty"`    // typing side-channel per connection; default 4
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket frame from client; default 64KB
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. A CONVERSO_DSN environment
// variable overrides storage.dsn.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if dsn := os.Getenv("CONVERSO_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be \"sqlite\" or \"postgres\", got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres driver")
	}
	if c.Session.GraceWindow.Duration < 0 {
		return fmt.Errorf("session.grace_window must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "converso.db"
	}
	if c.Session.GraceWindow.Duration == 0 {
		c.Session.GraceWindow.Duration = 30 * time.Second
	}
	if c.Session.OutboundBuffer == 0 {
		c.Session.OutboundBuffer = 256
	}
	if c.Session.TypingBuffer == 0 {
		c.Session.TypingBuffer = 4
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 64 * 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Server.FileStoragePath == "" {
		c.Server.FileStoragePath = "./converso-files"
	}
	if c.Server.MaxFileBytes == 0 {
		c.Server.MaxFileBytes = 10 * 1024 * 1024
	}
}
