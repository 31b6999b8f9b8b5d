// Package config loads the backplane host configuration from config.yml,
// an optional .env file and BACKPLANE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/itskum47/Backplane/backplane/logger"
)

// EnvPrefix prefixes every environment override, e.g. BACKPLANE_REDIS_ADDR.
const EnvPrefix = "BACKPLANE"

// Relay transports.
const (
	TransportSocket = "socket"
	TransportHub    = "hub"
)

type ServiceConfig struct {
	ID    string `mapstructure:"id"`
	Stamp string `mapstructure:"stamp"`
	Type  string `mapstructure:"type"`
}

type LoopConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type PostgresConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DSN          string        `mapstructure:"dsn"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RelayConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	Transport      string            `mapstructure:"transport"`
	Address        string            `mapstructure:"address"`
	HubURL         string            `mapstructure:"hub_url"`
	HubHeaders     map[string]string `mapstructure:"hub_headers"`
	ConnectTimeout time.Duration     `mapstructure:"connect_timeout"`
	MaxAttempts    int               `mapstructure:"max_attempts"`
	RetryDelay     time.Duration     `mapstructure:"retry_delay"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type RelayServerConfig struct {
	SocketAddr     string        `mapstructure:"socket_addr"`
	HubAddr        string        `mapstructure:"hub_addr"`
	MaxConnections int           `mapstructure:"max_connections"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ClientTimeout  time.Duration `mapstructure:"client_timeout"`
}

// Config is the full host configuration.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Logging     logger.Config     `mapstructure:"logging"`
	Loop        LoopConfig        `mapstructure:"loop"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Relay       RelayConfig       `mapstructure:"relay"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	RelayServer RelayServerConfig `mapstructure:"relay_server"`
}

// defaults are registered with viper so that every key can be overridden
// from the environment.
var defaults = map[string]any{
	"service.id":    "",
	"service.stamp": "",
	"service.type":  "backplane",

	"logging.level":     "info",
	"logging.format":    "console",
	"logging.output":    "stdout",
	"logging.no_color":  false,
	"logging.timestamp": true,

	"loop.tick_interval":    5 * time.Second,
	"loop.metrics_interval": 45 * time.Second,
	"loop.health_interval":  60 * time.Second,
	"loop.shutdown_timeout": 10 * time.Second,

	"redis.enabled":  false,
	"redis.addr":     "localhost:6379",
	"redis.password": "",
	"redis.db":       0,
	"redis.prefix":   "backplane",

	"postgres.enabled":       false,
	"postgres.dsn":           "",
	"postgres.poll_interval": 2 * time.Second,

	"relay.enabled":         false,
	"relay.transport":       TransportSocket,
	"relay.address":         "localhost:7070",
	"relay.hub_url":         "ws://localhost:7071/hub",
	"relay.connect_timeout": 2 * time.Second,
	"relay.max_attempts":    5,
	"relay.retry_delay":     2 * time.Second,

	"http.addr": ":9090",

	"relay_server.socket_addr": ":7070",
	"relay_server.hub_addr":    ":7071",

	"relay_server.max_connections": 200,
	"relay_server.keep_alive":      15 * time.Second,
	"relay_server.client_timeout":  2 * time.Minute,
}

// Load reads the configuration. An empty path searches for config.yml in
// the working directory and ./config; a missing file is not an error.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyDefaults fills values that depend on the host.
func (c *Config) ApplyDefaults() {
	if c.Service.ID == "" {
		c.Service.ID = uuid.NewString()
	}
	if c.Service.Stamp == "" {
		if host, err := os.Hostname(); err == nil {
			c.Service.Stamp = host
		} else {
			c.Service.Stamp = "unknown"
		}
	}
	c.Logging.ApplyDefaults()
}

// Validate checks the configuration for values the host cannot start with.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Loop.TickInterval <= 0 {
		return fmt.Errorf("loop.tick_interval must be positive (got: %s)", c.Loop.TickInterval)
	}
	if c.Loop.MetricsInterval < c.Loop.TickInterval || c.Loop.HealthInterval < c.Loop.TickInterval {
		return errors.New("loop.metrics_interval and loop.health_interval must not be shorter than loop.tick_interval")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required when postgres is enabled")
	}
	if c.Relay.Enabled {
		switch c.Relay.Transport {
		case TransportSocket:
			if c.Relay.Address == "" {
				return errors.New("relay.address is required for the socket transport")
			}
		case TransportHub:
			if c.Relay.HubURL == "" {
				return errors.New("relay.hub_url is required for the hub transport")
			}
		default:
			return fmt.Errorf("relay.transport must be one of [socket, hub] (got: %s)", c.Relay.Transport)
		}
		if c.Relay.MaxAttempts < 1 {
			return fmt.Errorf("relay.max_attempts must be at least 1 (got: %d)", c.Relay.MaxAttempts)
		}
	}
	if c.RelayServer.MaxConnections < 0 {
		return fmt.Errorf("relay_server.max_connections must not be negative (got: %d)", c.RelayServer.MaxConnections)
	}
	if c.RelayServer.KeepAlive > 0 && c.RelayServer.ClientTimeout > 0 && c.RelayServer.ClientTimeout <= c.RelayServer.KeepAlive {
		return errors.New("relay_server.client_timeout must be longer than relay_server.keep_alive")
	}
	return nil
}
