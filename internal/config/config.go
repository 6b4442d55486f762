// Package config provides configuration parsing and validation for Synapse.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Control ControlConfig `yaml:"control"`
	Punch   EngineConfig  `yaml:"punch"`
	Relay   EngineConfig  `yaml:"relay"`
	Health  HealthConfig  `yaml:"health"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ControlConfig defines the session-control HTTP listener.
type ControlConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RateLimit    float64       `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst    int           `yaml:"rate_burst"`
}

// EngineConfig defines one UDP protocol engine (punch coordinator or relay
// forwarder). Each engine owns its own socket and address registry.
type EngineConfig struct {
	Address      string        `yaml:"address"`
	StaleAfter   time.Duration `yaml:"stale_after"`   // idle eviction threshold
	CleanupEvery time.Duration `yaml:"cleanup_every"` // sweep interval
	ReadBuffer   string        `yaml:"read_buffer"`   // human-readable size, e.g. "2 KiB"
}

// HealthConfig defines health/metrics server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values. The listener ports match
// the conventional synapse deployment: control on 3000, punch on 9000,
// relay on 9001.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Control: ControlConfig{
			Address:      ":3000",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			RateLimit:    100,
			RateBurst:    200,
		},
		Punch: EngineConfig{
			Address:      ":9000",
			StaleAfter:   60 * time.Second,
			CleanupEvery: 5 * time.Second,
			ReadBuffer:   "2 KiB",
		},
		Relay: EngineConfig{
			Address:      ":9001",
			StaleAfter:   60 * time.Second,
			CleanupEvery: 5 * time.Second,
			ReadBuffer:   "2 KiB",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Server.LogLevel))
	}
	if !isValidLogFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Server.LogFormat))
	}

	if c.Control.Address == "" {
		errs = append(errs, "control.address is required")
	}
	if c.Control.RateLimit < 0 {
		errs = append(errs, "control.rate_limit must not be negative")
	}
	if c.Control.RateLimit > 0 && c.Control.RateBurst < 1 {
		errs = append(errs, "control.rate_burst must be positive when rate limiting is enabled")
	}

	if err := validateEngine("punch", c.Punch); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateEngine("relay", c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Punch.Address != "" && c.Punch.Address == c.Relay.Address && !hasEphemeralPort(c.Punch.Address) {
		errs = append(errs, "punch.address and relay.address must be distinct sockets")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// hasEphemeralPort reports whether address asks the OS to pick the port.
// Two listeners on port 0 always bind distinct sockets, so equal address
// strings are not a collision.
func hasEphemeralPort(address string) bool {
	_, port, err := net.SplitHostPort(address)
	return err == nil && port == "0"
}

func validateEngine(name string, e EngineConfig) error {
	if e.Address == "" {
		return fmt.Errorf("%s.address is required", name)
	}
	if e.StaleAfter <= 0 {
		return fmt.Errorf("%s.stale_after must be positive", name)
	}
	if e.CleanupEvery <= 0 {
		return fmt.Errorf("%s.cleanup_every must be positive", name)
	}
	if e.CleanupEvery > e.StaleAfter {
		return fmt.Errorf("%s.cleanup_every must not exceed stale_after", name)
	}
	if _, err := e.ReadBufferBytes(); err != nil {
		return fmt.Errorf("%s.read_buffer: %v", name, err)
	}
	return nil
}

// ReadBufferBytes parses the human-readable read buffer size. Sizes below
// 512 bytes are rejected: the punch probe alone needs 16 bytes and relay
// payloads are expected to be MTU-sized.
func (e EngineConfig) ReadBufferBytes() (int, error) {
	n, err := humanize.ParseBytes(e.ReadBuffer)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", e.ReadBuffer, err)
	}
	if n < 512 || n > 1<<20 {
		return 0, fmt.Errorf("size %q out of range (512 B to 1 MiB)", e.ReadBuffer)
	}
	return int(n), nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns the YAML representation of the config (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
