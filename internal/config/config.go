// Package config provides Viper-based configuration loading for the signaling server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. ROOMSIGNAL_WEBSOCKET_PORT.
const EnvPrefix = "ROOMSIGNAL"

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	// Name identifies this instance in logs.
	Name string `mapstructure:"name"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WebsocketConfig holds the websocket endpoint settings.
type WebsocketConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Path is the route that upgrades to a signaling connection.
	Path string `mapstructure:"path"`
	// ReadLimit is the maximum inbound message size in bytes.
	ReadLimit int64         `mapstructure:"read_limit"`
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait is how long a connection may stay silent; pings go out at 9/10 of it.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// AllowedOrigins lists the browser origins allowed to upgrade. Empty means the
	// origin must match the request host; "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
func (w WebsocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// ListenerConfig holds the newline-delimited JSON TCP listener settings.
type ListenerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// ReadTimeout is the per-read timeout; zero disables it.
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (l ListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// SignalingConfig holds protocol policy settings.
type SignalingConfig struct {
	// UnknownSignal is "reject" or "pass".
	UnknownSignal string `mapstructure:"unknown_signal"`
	// Unhandled is "drop" or "error".
	Unhandled string `mapstructure:"unhandled"`
	// OutboundBuffer bounds each peer's outbound queue.
	OutboundBuffer int `mapstructure:"outbound_buffer"`
	// ExtraSignals maps additional signal tags to an existing payload key,
	// e.g. call_invite: call_cmd.
	ExtraSignals map[string]string `mapstructure:"extra_signals"`
}

// StorageConfig selects the recording store.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `mapstructure:"driver"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// ScriptingConfig holds Lua hook settings. An empty Dir disables scripting.
type ScriptingConfig struct {
	Dir              string `mapstructure:"dir"`
	InstructionLimit int    `mapstructure:"instruction_limit"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// Service, when set, is attached to every entry as the "service" field.
	Service string `mapstructure:"service"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	Health    HealthConfig    `mapstructure:"health"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scripting ScriptingConfig `mapstructure:"scripting"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants. Database settings are only
// checked when the postgres storage driver is selected.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	check := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	check(validateServer(c.Server))
	check(validateWebsocket(c.Websocket))
	if c.Listener.Enabled {
		check(validateListener(c.Listener))
	}
	check(validatePort("health.grpc_port", c.Health.GRPCPort))
	check(validateSignaling(c.Signaling))
	check(validateStorage(c.Storage))
	if c.Storage.Driver == "postgres" {
		check(validateDatabase(c.Database))
	}
	if c.Scripting.InstructionLimit < 0 {
		errs = append(errs, "scripting.instruction_limit must be >= 0")
	}
	check(validateLogging(c.Logging))

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", key, port)
	}
	return nil
}

func joined(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	return joined(errs)
}

func validateWebsocket(w WebsocketConfig) error {
	var errs []string
	if err := validatePort("websocket.port", w.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
	}
	if w.ReadLimit < 1 {
		errs = append(errs, "websocket.read_limit must be >= 1")
	}
	if w.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be positive")
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	for _, o := range w.AllowedOrigins {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("websocket.allowed_origins entry %q must be \"*\" or scheme://host", o))
		}
	}
	return joined(errs)
}

func validateListener(l ListenerConfig) error {
	var errs []string
	if err := validatePort("listener.port", l.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if l.ReadTimeout < 0 {
		errs = append(errs, "listener.read_timeout must not be negative")
	}
	if l.WriteTimeout < 0 {
		errs = append(errs, "listener.write_timeout must not be negative")
	}
	return joined(errs)
}

var payloadKeys = map[string]bool{"room_msg": true, "record_cmd": true, "process_cmd_list": true, "call_cmd": true}

func validateSignaling(s SignalingConfig) error {
	var errs []string
	if s.UnknownSignal != "reject" && s.UnknownSignal != "pass" {
		errs = append(errs, fmt.Sprintf("signaling.unknown_signal must be one of [reject, pass], got %q", s.UnknownSignal))
	}
	if s.Unhandled != "drop" && s.Unhandled != "error" {
		errs = append(errs, fmt.Sprintf("signaling.unhandled must be one of [drop, error], got %q", s.Unhandled))
	}
	if s.OutboundBuffer < 1 {
		errs = append(errs, fmt.Sprintf("signaling.outbound_buffer must be >= 1, got %d", s.OutboundBuffer))
	}
	for sig, key := range s.ExtraSignals {
		if !payloadKeys[key] {
			errs = append(errs, fmt.Sprintf("signaling.extra_signals.%s must name a payload key, got %q", sig, key))
		}
	}
	return joined(errs)
}

func validateStorage(s StorageConfig) error {
	if s.Driver != "memory" && s.Driver != "postgres" {
		return fmt.Errorf("storage.driver must be one of [memory, postgres], got %q", s.Driver)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if err := validatePort("database.port", d.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	return joined(errs)
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
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// New returns a Viper instance with defaults and ROOMSIGNAL_ environment
// overrides installed.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	if v == nil {
		return Config{}, errors.New("nil viper instance")
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "signald")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_limit", 64*1024)
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")

	v.SetDefault("listener.enabled", false)
	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.port", 7000)
	v.SetDefault("listener.read_timeout", "5m")
	v.SetDefault("listener.write_timeout", "30s")

	v.SetDefault("health.grpc_host", "0.0.0.0")
	v.SetDefault("health.grpc_port", 50051)

	v.SetDefault("signaling.unknown_signal", "reject")
	v.SetDefault("signaling.unhandled", "drop")
	v.SetDefault("signaling.outbound_buffer", 64)

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "roomsignal")
	v.SetDefault("database.password", "roomsignal")
	v.SetDefault("database.name", "roomsignal")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("scripting.dir", "")
	v.SetDefault("scripting.instruction_limit", 100000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "")
}
