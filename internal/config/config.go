// ABOUTME: Configuration loading and parsing for agent-fleet
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty
const (
	DefaultHTTPAddr        = "0.0.0.0:9500"
	DefaultAgentHost       = "localhost"
	DefaultBasePort        = 10000
	DefaultMaxPort         = 65535
	DefaultMaxStartRetries = 5
	DefaultRetryDelay      = time.Second
	DefaultProbeTimeout    = 500 * time.Millisecond
	DefaultStatusSweep     = "@every 30s"
	DefaultShutdownDelay   = time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultPushMaxRetries  = 3
	DefaultMaxToolRounds   = 5
	DefaultBreakerTimeout  = 30 * time.Second
	DefaultBreakerFailures = 5
)

// Config represents the complete agent-fleet configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Push     PushConfig     `yaml:"push"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`

	// SharedConfigPath points at the JSON config shared with other processes.
	// ENGINE_PORT from that file overrides the port of server.http_addr.
	SharedConfigPath string `yaml:"shared_config"`
}

// ServerConfig holds server address configuration.
// GRPCAddr is optional; when empty the gRPC health service is not started.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent task server placement and timing configuration
type AgentsConfig struct {
	Host            string  `yaml:"host"`
	BasePort        int     `yaml:"base_port"`
	MaxPort         int     `yaml:"max_port"`
	MaxStartRetries int     `yaml:"max_start_retries"`
	StatusSweep     string  `yaml:"status_sweep"` // cron spec, e.g. "@every 30s"
	RateLimit       float64 `yaml:"rate_limit"`   // RPC requests per second per agent, 0 disables
	RateBurst       int     `yaml:"rate_burst"`

	RetryDelay      time.Duration `yaml:"-"`
	ProbeTimeout    time.Duration `yaml:"-"`
	ShutdownDelay   time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RetryDelayRaw      string `yaml:"retry_delay"`
	ProbeTimeoutRaw    string `yaml:"probe_timeout"`
	ShutdownDelayRaw   string `yaml:"shutdown_delay"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// PushConfig holds push notification delivery configuration
type PushConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// EngineConfig holds reasoning engine configuration
type EngineConfig struct {
	MaxToolRounds   int    `yaml:"max_tool_rounds"`
	BreakerFailures uint32 `yaml:"breaker_failures"`

	BreakerTimeout    time.Duration `yaml:"-"`
	BreakerTimeoutRaw string        `yaml:"breaker_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config content, applying env expansion, durations, defaults and validation.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and the given database path.
func Default(dbPath string) *Config {
	cfg := &Config{Database: DatabaseConfig{Path: dbPath}}
	cfg.ApplyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Agents.Host == "" {
		c.Agents.Host = DefaultAgentHost
	}
	if c.Agents.BasePort == 0 {
		c.Agents.BasePort = DefaultBasePort
	}
	if c.Agents.MaxPort == 0 {
		c.Agents.MaxPort = DefaultMaxPort
	}
	if c.Agents.MaxStartRetries == 0 {
		c.Agents.MaxStartRetries = DefaultMaxStartRetries
	}
	if c.Agents.RetryDelay == 0 {
		c.Agents.RetryDelay = DefaultRetryDelay
	}
	if c.Agents.ProbeTimeout == 0 {
		c.Agents.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Agents.StatusSweep == "" {
		c.Agents.StatusSweep = DefaultStatusSweep
	}
	if c.Agents.ShutdownDelay == 0 {
		c.Agents.ShutdownDelay = DefaultShutdownDelay
	}
	if c.Agents.ShutdownTimeout == 0 {
		c.Agents.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Agents.RateLimit > 0 && c.Agents.RateBurst == 0 {
		c.Agents.RateBurst = int(c.Agents.RateLimit)
		if c.Agents.RateBurst < 1 {
			c.Agents.RateBurst = 1
		}
	}
	if c.Push.MaxRetries == 0 {
		c.Push.MaxRetries = DefaultPushMaxRetries
	}
	if c.Engine.MaxToolRounds == 0 {
		c.Engine.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.Engine.BreakerFailures == 0 {
		c.Engine.BreakerFailures = DefaultBreakerFailures
	}
	if c.Engine.BreakerTimeout == 0 {
		c.Engine.BreakerTimeout = DefaultBreakerTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agents.BasePort < 1 || c.Agents.BasePort > 65535 {
		return fmt.Errorf("agents.base_port %d out of range", c.Agents.BasePort)
	}
	if c.Agents.MaxPort < c.Agents.BasePort || c.Agents.MaxPort > 65535 {
		return fmt.Errorf("agents.max_port %d must be between base_port and 65535", c.Agents.MaxPort)
	}
	if c.Agents.MaxStartRetries < 1 {
		return fmt.Errorf("agents.max_start_retries must be at least 1")
	}
	if c.Agents.RateLimit < 0 {
		return fmt.Errorf("agents.rate_limit must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be stdout or noop, got %q", c.Tracing.Exporter)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"retry_delay", cfg.Agents.RetryDelayRaw, &cfg.Agents.RetryDelay},
		{"probe_timeout", cfg.Agents.ProbeTimeoutRaw, &cfg.Agents.ProbeTimeout},
		{"shutdown_delay", cfg.Agents.ShutdownDelayRaw, &cfg.Agents.ShutdownDelay},
		{"shutdown_timeout", cfg.Agents.ShutdownTimeoutRaw, &cfg.Agents.ShutdownTimeout},
		{"breaker_timeout", cfg.Engine.BreakerTimeoutRaw, &cfg.Engine.BreakerTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
