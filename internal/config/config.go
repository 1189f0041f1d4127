// Package config holds the daemon configuration: built-in defaults, an
// optional config file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// TLS modes.
const (
	TLSOff        = "off"
	TLSSelfSigned = "self-signed"
)

// Config is the full daemon configuration.
type Config struct {
	Server  ServerConfig  `toml:"server" yaml:"server" json:"server"`
	Agent   AgentConfig   `toml:"agent" yaml:"agent" json:"agent"`
	Storage StorageConfig `toml:"storage" yaml:"storage" json:"storage"`
	Admin   AdminConfig   `toml:"admin" yaml:"admin" json:"admin"`
	Logging LoggingConfig `toml:"logging" yaml:"logging" json:"logging"`
}

type ServerConfig struct {
	Host            string   `toml:"host" yaml:"host" json:"host"`
	Port            string   `toml:"port" yaml:"port" json:"port"`
	TLS             string   `toml:"tls" yaml:"tls" json:"tls"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// AllowedOrigin is echoed in Access-Control-Allow-Origin.
	AllowedOrigin string `toml:"allowed_origin" yaml:"allowed_origin" json:"allowed_origin"`
}

// AgentConfig selects and configures the query strategy.
type AgentConfig struct {
	Stub         bool     `toml:"stub" yaml:"stub" json:"stub"`
	Runtime      string   `toml:"runtime" yaml:"runtime" json:"runtime"`
	Endpoint     string   `toml:"endpoint" yaml:"endpoint" json:"endpoint"`
	AgentID      string   `toml:"agent_id" yaml:"agent_id" json:"agent_id"`
	APIKey       string   `toml:"api_key" yaml:"api_key" json:"api_key"`
	APIVersion   string   `toml:"api_version" yaml:"api_version" json:"api_version"`
	TenantID     string   `toml:"tenant_id" yaml:"tenant_id" json:"tenant_id"`
	ClientID     string   `toml:"client_id" yaml:"client_id" json:"client_id"`
	ClientSecret string   `toml:"client_secret" yaml:"client_secret" json:"client_secret"`
	Timeout      Duration `toml:"timeout" yaml:"timeout" json:"timeout"`
}

type StorageConfig struct {
	// DatabaseURL is empty for ephemeral-only operation.
	DatabaseURL string `toml:"database_url" yaml:"database_url" json:"database_url"`
}

type AdminConfig struct {
	// APIKey guards /api/admin. Empty disables the check.
	APIKey string `toml:"api_key" yaml:"api_key" json:"api_key"`
}

type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

// Duration decodes from strings like "60s" in every config format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in configuration: stub answers, no durable
// store, plain HTTP on 0.0.0.0:8000.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8000",
			TLS:             TLSOff,
			ShutdownTimeout: Duration(10 * time.Second),
			AllowedOrigin:   "*",
		},
		Agent: AgentConfig{
			Stub:       true,
			Runtime:    "project",
			APIVersion: "v1",
			Timeout:    Duration(60 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ParseBool accepts 1, true and yes (any case) as true.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// ApplyEnvOverrides overlays environment variables onto c.
func (c *Config) ApplyEnvOverrides() {
	// Server
	if v := os.Getenv("APP_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("APP_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("COPILOT_TLS"); v != "" {
		c.Server.TLS = strings.ToLower(v)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGIN"); v != "" {
		c.Server.AllowedOrigin = v
	}

	// Agent
	if v := os.Getenv("STUB_MODE"); v != "" {
		c.Agent.Stub = ParseBool(v)
	}
	if v := os.Getenv("AGENT_RUNTIME"); v != "" {
		c.Agent.Runtime = strings.ToLower(v)
	}
	if v := firstEnv("PROJECT_ENDPOINT", "AI_FOUNDRY_ENDPOINT"); v != "" {
		c.Agent.Endpoint = v
	}
	// FOUNDARY_AGENT_ID is the historical spelling; still honored.
	if v := firstEnv("AI_FOUNDRY_AGENT_ID", "FOUNDARY_AGENT_ID"); v != "" {
		c.Agent.AgentID = v
	}
	if v := os.Getenv("AI_FOUNDRY_API_KEY"); v != "" {
		c.Agent.APIKey = v
	}
	if v := os.Getenv("AI_FOUNDRY_API_VERSION"); v != "" {
		c.Agent.APIVersion = v
	}
	if v := os.Getenv("AZURE_TENANT_ID"); v != "" {
		c.Agent.TenantID = v
	}
	if v := os.Getenv("AZURE_CLIENT_ID"); v != "" {
		c.Agent.ClientID = v
	}
	if v := os.Getenv("AZURE_CLIENT_SECRET"); v != "" {
		c.Agent.ClientSecret = v
	}
	if v := os.Getenv("AGENT_TIMEOUT"); v != "" {
		var d Duration
		if err := d.UnmarshalText([]byte(v)); err == nil {
			c.Agent.Timeout = d
		}
	}

	// Storage and admin
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		c.Admin.APIKey = v
	}

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks that c is usable. It reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	} else if p, err := strconv.Atoi(c.Server.Port); err != nil || p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("server.port %q is not a valid port", c.Server.Port))
	}
	switch c.Server.TLS {
	case "", TLSOff, TLSSelfSigned:
	default:
		errs = append(errs, fmt.Errorf("server.tls must be %q or %q, got %q", TLSOff, TLSSelfSigned, c.Server.TLS))
	}
	switch c.Agent.Runtime {
	case "", "project", "rest":
	default:
		errs = append(errs, fmt.Errorf("agent.runtime must be \"project\" or \"rest\", got %q", c.Agent.Runtime))
	}
	if c.Agent.Timeout <= 0 {
		errs = append(errs, errors.New("agent.timeout must be positive"))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ListenAddr is host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, c.Server.Port)
}

// SetListenAddr splits a --listen flag value. A bare ":port" keeps the host.
func (c *Config) SetListenAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", addr, err)
	}
	if host != "" {
		c.Server.Host = host
	}
	c.Server.Port = port
	return nil
}

// ParseLevel maps debug, info, warn(ing) and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds the process logger writing to w.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(l.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
