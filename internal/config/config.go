// Package config provides configuration parsing and validation for the
// rendezvous daemon.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/netsteria/rendezvous/internal/embed"
	"github.com/netsteria/rendezvous/internal/identity"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent              AgentConfig              `yaml:"agent"`
	Listen             ListenConfig             `yaml:"listen"`
	Registration       RegistrationConfig       `yaml:"registration"`
	RegistrationServer RegistrationServerConfig `yaml:"registration_server"`
	Metrics            MetricsConfig            `yaml:"metrics"`
}

// AgentConfig contains host identity and logging settings.
type AgentConfig struct {
	DataDir   string `yaml:"data_dir"`   // directory holding the persisted identity blob
	AppName   string `yaml:"app_name"`   // identity file prefix, see internal/identity.Store
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ListenConfig is the UDP socket the host's secure-channel traffic binds to.
type ListenConfig struct {
	Address string `yaml:"address"` // "host:port"; empty host binds all interfaces
}

// ProfileConfig is the searchable metadata a host publishes about itself
// when it registers, mapped onto regwire.Profile's attribute tags.
type ProfileConfig struct {
	Hostname      string `yaml:"hostname"`
	OwnerNickname string `yaml:"owner_nickname"`
	City          string `yaml:"city"`
	Region        string `yaml:"region"`
	Country       string `yaml:"country"`
}

// RegistrationConfig controls this host's RegistrationClient: whether it
// publishes its own reachability to a rendezvous server, and how.
type RegistrationConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ServerEID  string        `yaml:"server_eid"`  // hex-encoded EID of the registration server
	ServerAddr string        `yaml:"server_addr"` // "host:port"
	Persistent bool          `yaml:"persistent"`
	Retransmit time.Duration `yaml:"retransmit"`
	MaxRetries int           `yaml:"max_retries"`
	Profile    ProfileConfig `yaml:"profile"`
}

// RegistrationServerConfig enables and tunes this host's RegistrationServer
// role: hosting the directory other peers publish to, resolve through, and
// search by keyword.
type RegistrationServerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"` // "host:port" for the registration socket
	RecordLifetime    time.Duration `yaml:"record_lifetime"`
	Insert1RatePerSec float64       `yaml:"insert1_rate_per_sec"`
	Insert1RateBurst  int           `yaml:"insert1_rate_burst"`
}

// MetricsConfig exposes the daemon's Prometheus metrics over HTTP.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"` // "host:port" for the /metrics endpoint
	BasicAuthUser string `yaml:"basic_auth_user"`
	BasicAuthPass string `yaml:"basic_auth_pass"`
}

// ParseEID parses RegistrationConfig's ServerEID field, returning an error
// that names the offending field if the config holds something unparsable.
func (r RegistrationConfig) ParseEID() (identity.EID, error) {
	eid, err := identity.ParseEID(r.ServerEID)
	if err != nil {
		return identity.ZeroEID, fmt.Errorf("registration.server_eid: %w", err)
	}
	return eid, nil
}

// Default returns the configuration a freshly installed host starts from.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			AppName:   "rendezvousd",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listen: ListenConfig{
			Address: ":9660",
		},
		Registration: RegistrationConfig{
			Enabled:    false,
			Persistent: true,
			Retransmit: 500 * time.Millisecond,
			MaxRetries: 5,
		},
		RegistrationServer: RegistrationServerConfig{
			Enabled:           false,
			Address:           ":9669",
			RecordLifetime:    1 * time.Hour,
			Insert1RatePerSec: 5,
			Insert1RateBurst:  10,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9690",
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

// LoadOrEmbedded loads configuration from embedded binary data if present,
// otherwise falls back to loading from the specified file path. Returns the
// config, a boolean indicating if it was embedded, and any error. When
// embedded config is present, the path argument is ignored.
func LoadOrEmbedded(path string) (*Config, bool, error) {
	if embed.HasEmbeddedConfigSelf() {
		data, err := embed.ReadFromSelf()
		if err != nil {
			return nil, false, fmt.Errorf("failed to read embedded config: %w", err)
		}
		cfg, err := Parse(data)
		if err != nil {
			return nil, false, fmt.Errorf("failed to parse embedded config: %w", err)
		}
		return cfg, true, nil
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// Parse parses configuration from YAML bytes, starting from Default and
// overlaying whatever the document sets.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} and $VAR patterns.
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
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}
	if c.Listen.Address == "" {
		errs = append(errs, "listen.address is required")
	}

	if err := c.validateRegistration(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRegistrationServer(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMetrics(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateRegistration() error {
	r := c.Registration
	if !r.Enabled {
		return nil
	}
	if r.ServerAddr == "" {
		return fmt.Errorf("registration.server_addr is required when registration.enabled is true")
	}
	if _, err := r.ParseEID(); err != nil {
		return err
	}
	if r.Retransmit <= 0 {
		return fmt.Errorf("registration.retransmit must be positive")
	}
	if r.MaxRetries < 1 {
		return fmt.Errorf("registration.max_retries must be at least 1")
	}
	return nil
}

func (c *Config) validateRegistrationServer() error {
	s := c.RegistrationServer
	if !s.Enabled {
		return nil
	}
	if s.Address == "" {
		return fmt.Errorf("registration_server.address is required when registration_server.enabled is true")
	}
	if s.RecordLifetime <= 0 {
		return fmt.Errorf("registration_server.record_lifetime must be positive")
	}
	if s.Insert1RatePerSec <= 0 {
		return fmt.Errorf("registration_server.insert1_rate_per_sec must be positive")
	}
	if s.Insert1RateBurst < 1 {
		return fmt.Errorf("registration_server.insert1_rate_burst must be at least 1")
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics.enabled is true")
	}
	if c.Metrics.BasicAuthUser != "" && c.Metrics.BasicAuthPass == "" {
		return fmt.Errorf("metrics.basic_auth_pass is required when metrics.basic_auth_user is set")
	}
	return nil
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

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// String returns a string representation of the config, for debugging.
// WARNING: this method redacts sensitive values. Use StringUnsafe for the
// full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution: do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Redacted returns a deep copy of the config with sensitive values blanked
// out, safe to log or display.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Metrics.BasicAuthPass != "" {
		redacted.Metrics.BasicAuthPass = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Metrics.BasicAuthPass != ""
}
