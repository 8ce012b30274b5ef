package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "LOXONE2MQTT_CONFIG"

// DefaultPath is used when EnvConfigPath is unset.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration structure for loxone2mqtt.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge     BridgeConfig     `yaml:"bridge"`
	Miniserver MiniserverConfig `yaml:"miniserver"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	History    HistoryConfig    `yaml:"history"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BridgeConfig contains bridge identity settings.
type BridgeConfig struct {
	// Name is the root of every MQTT topic the bridge uses.
	Name string `yaml:"name"`
}

// MiniserverConfig contains Loxone Miniserver connection settings.
type MiniserverConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// KeepaliveInterval is in seconds.
	KeepaliveInterval int `yaml:"keepalive_interval"`

	// CommandTimeout bounds a single command write, in seconds.
	CommandTimeout int `yaml:"command_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig contains backoff settings, in seconds.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig `yaml:"broker"`
	Auth      MQTTAuthConfig   `yaml:"auth"`
	QoS       int              `yaml:"qos"`
	Reconnect ReconnectConfig  `yaml:"reconnect"`
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

// HistoryConfig contains the SQLite state history settings.
type HistoryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionHours is how long rows are kept before pruning.
	RetentionHours int `yaml:"retention_hours"`

	// PruneInterval is in minutes.
	PruneInterval int `yaml:"prune_interval"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	TLS       TLSConfig        `yaml:"tls"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
	Security  SecurityConfig   `yaml:"security"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains live-feed settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// SecurityConfig contains API authentication settings.
type SecurityConfig struct {
	// JWTSecret enables bearer authentication when non-empty.
	JWTSecret string `yaml:"jwt_secret"`

	// TokenTTL is in minutes.
	TokenTTL int `yaml:"token_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Path returns the config file path from EnvConfigPath, or DefaultPath.
func Path() string {
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LOXONE2MQTT_SECTION_KEY
// For example: LOXONE2MQTT_MINISERVER_HOST, LOXONE2MQTT_MQTT_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

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

// Default returns a Config with sensible defaults. It does not validate:
// miniserver.host has no default.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Name: "loxone",
		},
		Miniserver: MiniserverConfig{
			Port:              80,
			KeepaliveInterval: 120,
			CommandTimeout:    5,
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		History: HistoryConfig{
			Path:           "./data/loxone2mqtt.db",
			WALMode:        true,
			BusyTimeout:    5,
			RetentionHours: 168,
			PruneInterval:  60,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
			Security: SecurityConfig{
				TokenTTL: 60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LOXONE2MQTT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOXONE2MQTT_BRIDGE_NAME"); v != "" {
		cfg.Bridge.Name = v
	}

	// Miniserver
	if v := os.Getenv("LOXONE2MQTT_MINISERVER_HOST"); v != "" {
		cfg.Miniserver.Host = v
	}
	if v := os.Getenv("LOXONE2MQTT_MINISERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Miniserver.Port = port
		}
	}
	if v := os.Getenv("LOXONE2MQTT_MINISERVER_USERNAME"); v != "" {
		cfg.Miniserver.Username = v
	}
	if v := os.Getenv("LOXONE2MQTT_MINISERVER_PASSWORD"); v != "" {
		cfg.Miniserver.Password = v
	}

	// MQTT
	if v := os.Getenv("LOXONE2MQTT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LOXONE2MQTT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LOXONE2MQTT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("LOXONE2MQTT_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("LOXONE2MQTT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("LOXONE2MQTT_JWT_SECRET"); v != "" {
		cfg.API.Security.JWTSecret = v
	}
	if v := os.Getenv("LOXONE2MQTT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.Name == "" {
		errs = append(errs, "bridge.name is required")
	} else if strings.ContainsAny(c.Bridge.Name, "+#/") {
		errs = append(errs, "bridge.name must not contain '+', '#' or '/'")
	}

	// Miniserver
	if c.Miniserver.Host == "" {
		errs = append(errs, "miniserver.host is required (set LOXONE2MQTT_MINISERVER_HOST environment variable)")
	}
	if c.Miniserver.Port < 1 || c.Miniserver.Port > 65535 {
		errs = append(errs, "miniserver.port must be between 1 and 65535")
	}
	if c.Miniserver.KeepaliveInterval < 1 {
		errs = append(errs, "miniserver.keepalive_interval must be positive")
	}
	if c.Miniserver.CommandTimeout < 1 {
		errs = append(errs, "miniserver.command_timeout must be positive")
	}

	// MQTT
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.History.Enabled {
		if c.History.Path == "" {
			errs = append(errs, "history.path is required when history is enabled")
		}
		if c.History.RetentionHours < 1 {
			errs = append(errs, "history.retention_hours must be positive")
		}
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
			errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
		}
	}

	// A short secret makes forged tokens practical.
	const minJWTSecretLength = 32
	if s := c.API.Security.JWTSecret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "api.security.jwt_secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// KeepaliveInterval returns the Miniserver keepalive period as a Duration.
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Miniserver.KeepaliveInterval) * time.Second
}

// CommandTimeout returns the Miniserver command timeout as a Duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Miniserver.CommandTimeout) * time.Second
}

// HistoryRetention returns the history retention window as a Duration.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionHours) * time.Hour
}

// PruneInterval returns the history prune period as a Duration.
func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.History.PruneInterval) * time.Minute
}

// TokenTTL returns the API token lifetime as a Duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.API.Security.TokenTTL) * time.Minute
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
