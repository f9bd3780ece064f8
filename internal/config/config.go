package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// sectorSize is the SPI flash erase granularity chunk sizes must align to.
const sectorSize = 0x1000

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Web      WebConfig      `yaml:"web"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	JWT      JWTConfig      `yaml:"jwt"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Serial   SerialConfig   `yaml:"serial"`
	Backend  BackendConfig  `yaml:"backend"`
	Flash    FlashConfig    `yaml:"flash"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// WebConfig represents web UI configuration
type WebConfig struct {
	StaticDir string `yaml:"static_dir"`
}

// DatabaseConfig represents database configuration. An empty DSN keeps the
// audit trail in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT configuration
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	TLS      bool   `yaml:"tls"`
}

// WebhookConfig represents the action outcome webhook
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// AuthConfig holds the console operator account.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password_hash"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SerialConfig represents the serial programmer configuration
type SerialConfig struct {
	Port           string        `yaml:"port"`
	BaudRate       int           `yaml:"baud_rate"`
	StubPath       string        `yaml:"stub_path"`
	SyncAttempts   int           `yaml:"sync_attempts"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// BackendConfig represents the patch service configuration
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// FlashConfig represents transfer tuning
type FlashConfig struct {
	ReadChunkSize  int `yaml:"read_chunk_size"`
	WriteChunkSize int `yaml:"write_chunk_size"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if port := os.Getenv("SERIAL_PORT"); port != "" {
		c.Serial.Port = port
	}

	if backendURL := os.Getenv("BACKEND_URL"); backendURL != "" {
		c.Backend.URL = backendURL
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "flash-console"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	// Bounds handlers only. Actions run in the background.
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = 60 * time.Second
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"*"}
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 5
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "flash"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "flash-console"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "flash-console"
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 30 * time.Second
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 12 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.Serial.SyncAttempts == 0 {
		c.Serial.SyncAttempts = 7
	}
	if c.Serial.CommandTimeout == 0 {
		c.Serial.CommandTimeout = 3 * time.Second
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 2 * time.Minute
	}
	if c.Flash.ReadChunkSize == 0 {
		c.Flash.ReadChunkSize = 0x40000
	}
	if c.Flash.WriteChunkSize == 0 {
		c.Flash.WriteChunkSize = 0x40000
	}
}

// Validate checks values that defaults cannot repair
func (c *Config) Validate() error {
	var errs []error

	if c.Flash.ReadChunkSize <= 0 || c.Flash.ReadChunkSize%sectorSize != 0 {
		errs = append(errs, fmt.Errorf("flash.read_chunk_size %d must be a positive multiple of %d", c.Flash.ReadChunkSize, sectorSize))
	}
	if c.Flash.WriteChunkSize <= 0 || c.Flash.WriteChunkSize%sectorSize != 0 {
		errs = append(errs, fmt.Errorf("flash.write_chunk_size %d must be a positive multiple of %d", c.Flash.WriteChunkSize, sectorSize))
	}

	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.url %q is not an http(s) URL", c.Backend.URL))
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}

	if c.Webhook.URL != "" {
		if u, err := url.Parse(c.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhook.url %q is not an http(s) URL", c.Webhook.URL))
		}
	}

	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}

	if c.Auth.Enabled {
		if c.Auth.AdminUsername == "" || c.Auth.AdminPassword == "" {
			errs = append(errs, errors.New("auth.admin_username and auth.admin_password_hash are required when auth is enabled"))
		}
	}

	return errors.Join(errs...)
}

// LogLevel returns the configured zerolog level, falling back to info
func (c *Config) LogLevel() (zerolog.Level, bool) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil || c.Log.Level == "" {
		return zerolog.InfoLevel, false
	}
	return level, true
}

// APIAddr returns the listen address of the API server
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// PrintConfigSummary prints a configuration summary
func (c *Config) PrintConfigSummary() {
	storage := "memory"
	if c.Database.DSN != "" {
		storage = "postgres"
	}

	fmt.Printf("=== %s Configuration ===\n", c.Server.Name)
	fmt.Printf("Version: %s\n", c.Server.Version)
	fmt.Printf("API: %s (auth enabled: %v)\n", c.APIAddr(), c.Auth.Enabled)
	fmt.Printf("Static UI: %s\n", orNone(c.Web.StaticDir))
	fmt.Printf("Storage: %s\n", storage)
	fmt.Printf("NATS: %s (prefix %s)\n", orNone(c.NATS.URL), c.NATS.SubjectPrefix)
	fmt.Printf("MQTT: %s (topic %s)\n", orNone(c.MQTT.Broker), c.MQTT.Topic)
	fmt.Printf("Webhook: %s\n", orNone(c.Webhook.URL))
	fmt.Printf("Serial: %s @ %d baud, stub %s\n", orNone(c.Serial.Port), c.Serial.BaudRate, orNone(c.Serial.StubPath))
	fmt.Printf("Backend: %s (timeout %s)\n", c.Backend.URL, c.Backend.Timeout)
	fmt.Printf("Chunks: read 0x%X, write 0x%X\n", c.Flash.ReadChunkSize, c.Flash.WriteChunkSize)
	fmt.Printf("==========================================\n")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
