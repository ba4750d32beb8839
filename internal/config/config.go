// Package config loads runtime settings for the GoChat service from an
// optional .env file, an optional YAML file, and GOCHAT_ environment
// variables, then applies sane defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. GOCHAT_SERVER_PORT.
const EnvPrefix = "GOCHAT"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
)

// RateLimitConfig defines per-connection inbound message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// ServerConfig holds HTTP and WebSocket settings.
type ServerConfig struct {
	Port            string          `mapstructure:"port"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	MaxMessageSize  int64           `mapstructure:"max_message_size"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	VerifyHandshake bool   `mapstructure:"verify_handshake"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// KafkaConfig enables message events when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Store   StoreConfig   `mapstructure:"store"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

var defaults = map[string]any{
	"server.port":                       ":8080",
	"server.allowed_origins":            []string{"http://localhost:8080"},
	"server.max_message_size":           4096,
	"server.rate_limit.burst":           5,
	"server.rate_limit.refill_interval": time.Second,
	"server.shutdown_timeout":           10 * time.Second,
	"log.level":                         "info",
	"log.development":                   false,
	"auth.jwt_secret":                   "",
	"auth.verify_handshake":             false,
	"store.driver":                      DriverMemory,
	"mongo.uri":                         "mongodb://localhost:27017",
	"mongo.database":                    "gochat",
	"redis.addr":                        "",
	"redis.password":                    "",
	"redis.db":                          0,
	"redis.prefix":                      "gochat",
	"kafka.brokers":                     []string{},
	"kafka.topic":                       "chat.message.sent",
	"metrics.enabled":                   true,
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: decoding defaults: %v", err))
	}
	return cfg
}

// Load reads .env from the working directory if present, then the YAML
// file at path if path is non-empty, then GOCHAT_ environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.sanitize()
	return &cfg, nil
}

// sanitize replaces out-of-range values with defaults.
func (c *Config) sanitize() {
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	} else if !strings.Contains(c.Server.Port, ":") {
		c.Server.Port = ":" + c.Server.Port
	}

	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = 4096
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = 5
	}
	if c.Server.RateLimit.RefillInterval <= 0 {
		c.Server.RateLimit.RefillInterval = time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	c.Server.AllowedOrigins = splitList(c.Server.AllowedOrigins)
	c.Kafka.Brokers = splitList(c.Kafka.Brokers)

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "gochat"
	}
}

// Validate reports settings that cannot be repaired by defaults.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverMongo:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == DriverMongo && c.Mongo.URI == "" {
		return errors.New("mongo.uri is required for the mongo store driver")
	}
	if c.Auth.VerifyHandshake && c.Auth.JWTSecret == "" {
		return errors.New("auth.verify_handshake requires auth.jwt_secret")
	}
	return nil
}

// splitList trims entries, drops blanks and expands comma separated values
// that arrive as a single element from the environment.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
