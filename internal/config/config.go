package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/BioHazard786/meshrelay/internal/logging"
	"github.com/BioHazard786/meshrelay/internal/registry"
)

// Config keys. Each is also a flag name (with '_' as '-') and an
// environment variable (MESHRELAY_ prefix, upper case).
const (
	KeyListen            = "listen"
	KeyPort              = "port"
	KeyAllowedOrigins    = "allowed_origins"
	KeyMaxRooms          = "max_rooms"
	KeyMaxMembersPerRoom = "max_members_per_room"
	KeySendQueueSize     = "send_queue_size"
	KeyMaxMessageBytes   = "max_message_bytes"
	KeyWriteWait         = "write_wait"
	KeyPongWait          = "pong_wait"
	KeyShutdownTimeout   = "shutdown_timeout"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
)

// Default configuration values
const (
	DefaultPort            = "8001"
	DefaultSendQueueSize   = 256
	DefaultMaxMessageBytes = 64 * 1024
	DefaultWriteWait       = 10 * time.Second
	DefaultPongWait        = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = logging.FormatText

	envPrefix = "MESHRELAY"
)

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid config")

// Config holds the relay server configuration
type Config struct {
	// ListenAddr is the TCP address the HTTP server binds.
	ListenAddr string

	// AllowedOrigins lists browser origins allowed to connect. Empty or "*"
	// allows every origin.
	AllowedOrigins []string

	// Capacity limits, zero means unlimited
	MaxRooms          int
	MaxMembersPerRoom int

	// Per-connection transport settings
	SendQueueSize   int
	MaxMessageBytes int64
	WriteWait       time.Duration
	PongWait        time.Duration

	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// New returns a viper instance with defaults and environment bindings.
// Flags and a config file are layered on by the caller.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyListen, "")
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyAllowedOrigins, []string{})
	v.SetDefault(KeyMaxRooms, 0)
	v.SetDefault(KeyMaxMembersPerRoom, 0)
	v.SetDefault(KeySendQueueSize, DefaultSendQueueSize)
	v.SetDefault(KeyMaxMessageBytes, DefaultMaxMessageBytes)
	v.SetDefault(KeyWriteWait, DefaultWriteWait)
	v.SetDefault(KeyPongWait, DefaultPongWait)
	v.SetDefault(KeyShutdownTimeout, DefaultShutdownTimeout)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, DefaultLogFormat)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Plain PORT, FRONTEND_URL and LOG_LEVEL are what hosting platforms and
	// the browser frontend deployment already set.
	_ = v.BindEnv(KeyPort, envPrefix+"_PORT", "PORT")
	_ = v.BindEnv(KeyAllowedOrigins, envPrefix+"_ALLOWED_ORIGINS", "FRONTEND_URL")
	_ = v.BindEnv(KeyLogLevel, envPrefix+"_LOG_LEVEL", "LOG_LEVEL")

	return v
}

// FlagName returns the command-line flag name for a config key.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// ReadFile layers a YAML/TOML/JSON config file onto v.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration with the following priority:
// 1. CLI flags bound to v - highest priority
// 2. Environment variables
// 3. Config file
// 4. Defaults - lowest priority
func Load(v *viper.Viper) (*Config, error) {
	listen := strings.TrimSpace(v.GetString(KeyListen))
	if listen == "" {
		port := strings.TrimSpace(v.GetString(KeyPort))
		if port == "" {
			port = DefaultPort
		}
		listen = ":" + port
	}

	cfg := &Config{
		ListenAddr:        listen,
		AllowedOrigins:    stringList(v.Get(KeyAllowedOrigins)),
		MaxRooms:          v.GetInt(KeyMaxRooms),
		MaxMembersPerRoom: v.GetInt(KeyMaxMembersPerRoom),
		SendQueueSize:     v.GetInt(KeySendQueueSize),
		MaxMessageBytes:   v.GetInt64(KeyMaxMessageBytes),
		WriteWait:         v.GetDuration(KeyWriteWait),
		PongWait:          v.GetDuration(KeyPongWait),
		ShutdownTimeout:   v.GetDuration(KeyShutdownTimeout),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFormat:         strings.ToLower(v.GetString(KeyLogFormat)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch {
	case c.MaxRooms < 0:
		return fmt.Errorf("%w: %s must be >= 0", ErrInvalid, KeyMaxRooms)
	case c.MaxMembersPerRoom < 0:
		return fmt.Errorf("%w: %s must be >= 0", ErrInvalid, KeyMaxMembersPerRoom)
	case c.SendQueueSize < 1:
		return fmt.Errorf("%w: %s must be >= 1", ErrInvalid, KeySendQueueSize)
	case c.MaxMessageBytes < 1024:
		return fmt.Errorf("%w: %s must be >= 1024", ErrInvalid, KeyMaxMessageBytes)
	case c.WriteWait <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyWriteWait)
	case c.PongWait <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyPongWait)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyShutdownTimeout)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.LogFormat != logging.FormatText && c.LogFormat != logging.FormatJSON {
		return fmt.Errorf("%w: %s must be %q or %q", ErrInvalid, KeyLogFormat, logging.FormatText, logging.FormatJSON)
	}
	return nil
}

// Limits returns the registry capacity limits.
func (c *Config) Limits() registry.Limits {
	return registry.Limits{
		MaxRooms:          c.MaxRooms,
		MaxMembersPerRoom: c.MaxMembersPerRoom,
	}
}

// AllowsAnyOrigin reports whether the origin allowlist is open.
func (c *Config) AllowsAnyOrigin() bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// Watch reloads the config file on change and passes each valid result to
// onChange. Invalid edits are logged and ignored. It does nothing when v has
// no config file.
func Watch(v *viper.Viper, logger *slog.Logger, onChange func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(v)
		if err != nil {
			logger.Warn("ignoring config change", "file", e.Name, "err", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name, "op", e.Op.String())
		onChange(cfg)
	})
	v.WatchConfig()
}

// stringList accepts the shapes a list takes across viper sources: a
// comma-separated string from env or a flag, or a YAML sequence.
func stringList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []any:
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		// Browsers never send a trailing slash in Origin.
		if p = strings.TrimRight(strings.TrimSpace(p), "/"); p != "" {
			out = append(out, p)
		}
	}
	return out
}
