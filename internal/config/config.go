// Package config provides Viper-based configuration loading for the relay.
package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport kinds accepted by relay.transport.
const (
	TransportWebTransport = "webtransport"
	TransportWebSocket    = "websocket"
)

// DefaultPort is the relay port used when neither configuration nor the
// PORT environment variable supplies a usable value.
const DefaultPort = 4433

// RelayConfig holds the session relay settings.
type RelayConfig struct {
	// Host is the bind address for the relay endpoint.
	Host string `mapstructure:"host"`
	// Port is the UDP (webtransport) or TCP (websocket) port.
	Port int `mapstructure:"port"`
	// Transport selects the endpoint implementation: "webtransport" or "websocket".
	Transport string `mapstructure:"transport"`
	// Path is the HTTP path sessions are requested on.
	Path string `mapstructure:"path"`
	// WebSocketTLS serves the websocket transport over TLS using the server identity.
	WebSocketTLS bool `mapstructure:"websocket_tls"`
	// SubscriberCapacity is the per-connection fanout buffer; older events are
	// dropped once a slow connection falls this far behind.
	SubscriberCapacity int `mapstructure:"subscriber_capacity"`
	// MaxMessageBytes caps one inbound stream or datagram payload.
	MaxMessageBytes int `mapstructure:"max_message_bytes"`
	// MaxChatBytes caps chat text length; 0 disables the check.
	MaxChatBytes int `mapstructure:"max_chat_bytes"`
	// MaxViolations closes a connection after this many discarded messages;
	// 0 keeps it open regardless.
	MaxViolations int `mapstructure:"max_violations"`
	// SpawnX and SpawnY are the starting position of every admitted player.
	SpawnX float64 `mapstructure:"spawn_x"`
	SpawnY float64 `mapstructure:"spawn_y"`
	// SendTimeout bounds opening and writing one outbound stream.
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// ReadTimeout bounds reading one inbound stream to its end. A stream that
	// has not finished in time is cancelled and counted as invalid.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// IdentityConfig holds TLS identity settings for the relay endpoint.
type IdentityConfig struct {
	// Hosts are the subject alternative names of a generated certificate.
	Hosts []string `mapstructure:"hosts"`
	// Validity is the lifetime of a generated certificate.
	Validity time.Duration `mapstructure:"validity"`
	// CertFile and KeyFile, when both set, load a PEM identity instead of
	// generating a self-signed one.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// AdminConfig holds the operational HTTP and gRPC health endpoints.
type AdminConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	HTTPPort int    `mapstructure:"http_port"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// HTTPAddr returns the "host:port" admin HTTP address.
func (a AdminConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.HTTPPort)
}

// GRPCAddr returns the "host:port" gRPC health address.
func (a AdminConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File, when set, also writes JSON logs to a rotated file.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the top-level application configuration.
type Config struct {
	Relay    RelayConfig    `mapstructure:"relay"`
	Identity IdentityConfig `mapstructure:"identity"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateIdentity(c.Identity); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAdmin(c.Admin); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Sprintf("relay.port must be 1-65535, got %d", r.Port))
	}
	switch r.Transport {
	case TransportWebTransport, TransportWebSocket:
	default:
		errs = append(errs, fmt.Sprintf("relay.transport must be one of [webtransport, websocket], got %q", r.Transport))
	}
	if !strings.HasPrefix(r.Path, "/") {
		errs = append(errs, fmt.Sprintf("relay.path must start with '/', got %q", r.Path))
	}
	if r.SubscriberCapacity < 1 {
		errs = append(errs, fmt.Sprintf("relay.subscriber_capacity must be >= 1, got %d", r.SubscriberCapacity))
	}
	if r.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("relay.max_message_bytes must be >= 1, got %d", r.MaxMessageBytes))
	}
	if r.MaxChatBytes < 0 {
		errs = append(errs, "relay.max_chat_bytes must not be negative")
	}
	if r.MaxViolations < 0 {
		errs = append(errs, "relay.max_violations must not be negative")
	}
	if math.IsNaN(r.SpawnX) || math.IsInf(r.SpawnX, 0) || math.IsNaN(r.SpawnY) || math.IsInf(r.SpawnY, 0) {
		errs = append(errs, "relay.spawn_x and relay.spawn_y must be finite")
	}
	if r.SendTimeout <= 0 {
		errs = append(errs, "relay.send_timeout must be positive")
	}
	if r.ReadTimeout <= 0 {
		errs = append(errs, "relay.read_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateIdentity(i IdentityConfig) error {
	if (i.CertFile == "") != (i.KeyFile == "") {
		return fmt.Errorf("identity.cert_file and identity.key_file must be set together")
	}
	if i.CertFile != "" {
		return nil
	}
	var errs []string
	if len(i.Hosts) == 0 {
		errs = append(errs, "identity.hosts must not be empty")
	}
	if i.Validity <= 0 {
		errs = append(errs, "identity.validity must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	var errs []string
	if a.HTTPPort < 0 || a.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.http_port must be 0-65535, got %d", a.HTTPPort))
	}
	if a.GRPCPort < 0 || a.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 0-65535, got %d", a.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and the
// environment only.
//
// Precondition: path must be empty or a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.Relay.Port = resolvePort(v.GetString("port"), cfg.Relay.Port)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolvePort applies the bare PORT variable. An absent or malformed value
// leaves configured unchanged, and a zero configured port becomes DefaultPort.
func resolvePort(raw string, configured int) int {
	if configured == 0 {
		configured = DefaultPort
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return configured
	}
	p, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || p == 0 {
		return configured
	}
	return int(p)
}

func newViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", "PORT")

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", DefaultPort)
	v.SetDefault("relay.transport", TransportWebTransport)
	v.SetDefault("relay.path", "/")
	v.SetDefault("relay.websocket_tls", false)
	v.SetDefault("relay.subscriber_capacity", 100)
	v.SetDefault("relay.max_message_bytes", 64*1024)
	v.SetDefault("relay.max_chat_bytes", 0)
	v.SetDefault("relay.max_violations", 0)
	v.SetDefault("relay.spawn_x", 50.0)
	v.SetDefault("relay.spawn_y", 50.0)
	v.SetDefault("relay.send_timeout", "5s")
	v.SetDefault("relay.read_timeout", "10s")

	v.SetDefault("identity.hosts", []string{"localhost"})
	v.SetDefault("identity.validity", "312h")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.http_port", 8080)
	v.SetDefault("admin.grpc_port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
}
