package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the eSTUDNA bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Accounts  []AccountConfig `yaml:"accounts"`
	HTTP      HTTPConfig      `yaml:"http"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BridgeConfig contains bridge identity and scheduling settings.
type BridgeConfig struct {
	// ID identifies the bridge in health and discovery messages.
	ID string `yaml:"id"`

	// PollInterval is how often telemetry is fetched from the cloud.
	// Default: 60s
	PollInterval time.Duration `yaml:"poll_interval"`

	// HealthInterval is how often health status is published.
	// Default: 30s
	HealthInterval time.Duration `yaml:"health_interval"`

	// CommandTimeout bounds a single relay command round trip.
	// Default: 10s
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// AccountConfig is one SEA cloud account. Each account gets its own
// authenticated client.
type AccountConfig struct {
	// ID is the registry key for the account (stable, unique).
	ID string `yaml:"id"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DeviceType selects the API family: "estudna" or "estudna2".
	DeviceType string `yaml:"device_type"`

	// BaseURL overrides the family's default host (testing, proxies).
	BaseURL string `yaml:"base_url,omitempty"`
}

// HTTPConfig contains outbound HTTP settings for the cloud API.
type HTTPConfig struct {
	// Timeout bounds each request. Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// MaxIdleConns is the idle connection pool size of the shared transport.
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains local HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
// Used when Output is "file"; sizes are in megabytes, age in days.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Supported device types for accounts.
const (
	DeviceTypeEstudna  = "estudna"
	DeviceTypeEstudna2 = "estudna2"
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ESTUDNA_SECTION_KEY
// For example: ESTUDNA_MQTT_HOST, ESTUDNA_API_PORT.
// Account credentials use ESTUDNA_ACCOUNT_{ID}_USERNAME / _PASSWORD, where
// {ID} is the account id upper-cased with non-alphanumerics replaced by "_".
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "estudna-bridge-01",
			PollInterval:   60 * time.Second,
			HealthInterval: 30 * time.Second,
			CommandTimeout: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:      30 * time.Second,
			MaxIdleConns: 10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "estudna-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8095,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/estudna-bridge.log",
				MaxSize:    10,
				MaxBackups: 3,
				MaxAge:     28,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ESTUDNA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge
	if v := os.Getenv("ESTUDNA_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("ESTUDNA_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bridge.PollInterval = d
		}
	}

	// Accounts
	for i := range cfg.Accounts {
		prefix := "ESTUDNA_ACCOUNT_" + envKey(cfg.Accounts[i].ID) + "_"
		if v := os.Getenv(prefix + "USERNAME"); v != "" {
			cfg.Accounts[i].Username = v
		}
		if v := os.Getenv(prefix + "PASSWORD"); v != "" {
			cfg.Accounts[i].Password = v
		}
	}

	// MQTT
	if v := os.Getenv("ESTUDNA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ESTUDNA_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("ESTUDNA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ESTUDNA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("ESTUDNA_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("ESTUDNA_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Logging
	if v := os.Getenv("ESTUDNA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// envKey converts an account id to its environment variable form.
// Example: "home-well" → "HOME_WELL"
func envKey(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Bridge validation
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.PollInterval < time.Second {
		errs = append(errs, "bridge.poll_interval must be at least 1s")
	}

	// Account validation
	if len(c.Accounts) == 0 {
		errs = append(errs, "at least one account is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		field := fmt.Sprintf("accounts[%d]", i)
		switch {
		case acc.ID == "":
			errs = append(errs, field+".id is required")
		case seen[acc.ID]:
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", field, acc.ID))
		}
		seen[acc.ID] = true

		if acc.Username == "" {
			errs = append(errs, field+".username is required")
		}
		if acc.Password == "" {
			errs = append(errs, field+".password is required (set ESTUDNA_ACCOUNT_"+envKey(acc.ID)+"_PASSWORD)")
		}
		switch strings.ToLower(acc.DeviceType) {
		case DeviceTypeEstudna, DeviceTypeEstudna2:
		default:
			errs = append(errs, fmt.Sprintf("%s.device_type must be %q or %q", field, DeviceTypeEstudna, DeviceTypeEstudna2))
		}
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Logging validation
	if strings.EqualFold(c.Logging.Output, "file") && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when logging.output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Account returns the account with the given id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, acc := range c.Accounts {
		if acc.ID == id {
			return acc, true
		}
	}
	return AccountConfig{}, false
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}
