// Package config provides configuration management for the collabd service.
//
// This package handles loading configuration from multiple sources with proper precedence:
//   - YAML configuration files
//   - Environment variables (COLLABD_ prefix)
//   - Default values
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (set via setDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.collabd/config.yaml,
//     /etc/collabd/config.yaml)
//  3. Environment variables
//
// Environment variables override all other configuration sources. Use the
// prefix and underscores for nested keys:
//   - COLLABD_SERVER_PORT=8095
//   - COLLABD_DATABASE_URL=postgresql://localhost:5432/collab
//   - COLLABD_COLLAB_ROOM_IDLE_TTL=120s
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8095)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the wall-clock budget for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AllowedOrigins restricts websocket and CORS origins ("*" allows all)
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Debug enables debug logging
	Debug bool `mapstructure:"debug"`
}

// DatabaseConfig contains document store settings.
type DatabaseConfig struct {
	// Driver selects the store backend: "postgres" or "bolt"
	Driver string `mapstructure:"driver"`

	// URL is the PostgreSQL connection string (postgres driver)
	URL string `mapstructure:"url"`

	// Path is the database file location (bolt driver)
	Path string `mapstructure:"path"`
}

// RedisConfig contains the optional metadata cache settings.
type RedisConfig struct {
	// URL is the redis connection URL; empty disables the cache
	URL string `mapstructure:"url"`

	// TTL is the metadata cache entry lifetime
	TTL time.Duration `mapstructure:"ttl"`
}

// AuthConfig contains token verification settings.
type AuthConfig struct {
	// Secret is the HMAC signing key for access tokens
	Secret string `mapstructure:"secret"`

	// TokenExpiration is the lifetime of issued tokens
	TokenExpiration time.Duration `mapstructure:"token_expiration"`

	// Issuer is the iss claim on issued tokens
	Issuer string `mapstructure:"issuer"`
}

// CollabConfig contains the collaboration tuning knobs.
type CollabConfig struct {
	// PersistInterval is the room TICK cadence
	PersistInterval time.Duration `mapstructure:"persist_interval"`

	// SnapshotUpdateThreshold is the number of merged updates between forced snapshots
	SnapshotUpdateThreshold int `mapstructure:"snapshot_update_threshold"`

	// SnapshotTimeThreshold forces a snapshot after this long when dirty
	SnapshotTimeThreshold time.Duration `mapstructure:"snapshot_time_threshold"`

	// RoomIdleTTL is how long an empty, clean room survives before destruction
	RoomIdleTTL time.Duration `mapstructure:"room_idle_ttl"`

	// SessionOutboundCapacity bounds the per-session outbound queue (frames)
	SessionOutboundCapacity int `mapstructure:"session_outbound_capacity"`

	// SessionOutboundBytes bounds the per-session outbound queue (bytes)
	SessionOutboundBytes int64 `mapstructure:"session_outbound_bytes"`

	// HeartbeatInterval is the server ping cadence
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// HeartbeatMissLimit closes the socket after this many missed pongs
	HeartbeatMissLimit int `mapstructure:"heartbeat_miss_limit"`

	// AuthDeadline closes sockets that have not authenticated in time
	AuthDeadline time.Duration `mapstructure:"auth_deadline"`

	// JoinDeadline bounds a join operation including the state load
	JoinDeadline time.Duration `mapstructure:"join_deadline"`
}

// Config is the root configuration for collabd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Collab   CollabConfig   `mapstructure:"collab"`
	LogLevel string         `mapstructure:"log_level"`
	LogJSON  bool           `mapstructure:"log_json"`
}

// setDefaults applies the documented default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8095)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.debug", false)

	v.SetDefault("database.driver", "bolt")
	v.SetDefault("database.path", "collabd.db")

	v.SetDefault("redis.ttl", 30*time.Second)

	v.SetDefault("auth.token_expiration", 24*time.Hour)
	v.SetDefault("auth.issuer", "collab.evalgo.org")

	v.SetDefault("collab.persist_interval", 2*time.Second)
	v.SetDefault("collab.snapshot_update_threshold", 100)
	v.SetDefault("collab.snapshot_time_threshold", 5*time.Minute)
	v.SetDefault("collab.room_idle_ttl", 60*time.Second)
	v.SetDefault("collab.session_outbound_capacity", 1024)
	v.SetDefault("collab.session_outbound_bytes", int64(4*1024*1024))
	v.SetDefault("collab.heartbeat_interval", 15*time.Second)
	v.SetDefault("collab.heartbeat_miss_limit", 2)
	v.SetDefault("collab.auth_deadline", 10*time.Second)
	v.SetDefault("collab.join_deadline", 15*time.Second)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// LoadConfig loads the collabd configuration. cfgFile may be empty, in
// which case the default search paths are used.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.collabd")
		}
		v.AddConfigPath("/etc/collabd")
	}

	v.SetEnvPrefix("COLLABD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config files are fine: defaults plus env are enough.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			if _, statErr := os.Stat(cfgFile); cfgFile != "" && statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	case "bolt":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the bolt driver")
		}
	default:
		return fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}
	if c.Collab.SessionOutboundCapacity <= 0 {
		return errors.New("collab.session_outbound_capacity must be positive")
	}
	if c.Collab.HeartbeatMissLimit <= 0 {
		return errors.New("collab.heartbeat_miss_limit must be positive")
	}
	if c.Collab.PersistInterval <= 0 {
		return errors.New("collab.persist_interval must be positive")
	}
	return nil
}

// Address returns the host:port the server binds to.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
