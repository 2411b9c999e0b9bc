package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPServerConfig represents HTTP server configuration
type HTTPServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WSConfig represents websocket configuration
type WSConfig struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SendQueueSize   int           `mapstructure:"send_queue_size"`
}

// DatabaseConfig represents ledger database configuration
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents order book cache configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig represents token issuance and verification configuration
type JWTConfig struct {
	Secret          string `mapstructure:"secret"`
	ExpirationHours int    `mapstructure:"expiration_hours"`
}

// AuctionConfig represents matching scheduler configuration
type AuctionConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

// Config represents the application configuration
type Config struct {
	LogLevel string           `mapstructure:"log_level"`
	HTTP     HTTPServerConfig `mapstructure:"http"`
	WS       WSConfig         `mapstructure:"websocket"`
	Database DatabaseConfig   `mapstructure:"database"`
	Redis    RedisConfig      `mapstructure:"redis"`
	JWT      JWTConfig        `mapstructure:"jwt"`
	Auction  AuctionConfig    `mapstructure:"auction"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.pong_timeout", 60*time.Second)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.send_queue_size", 256)

	v.SetDefault("database.dsn", "host=localhost user=openbrick password=openbrick dbname=openbrick port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiration_hours", 24)

	// Production auctions run on the order of minutes.
	v.SetDefault("auction.interval", 5*time.Minute)
	v.SetDefault("auction.history_limit", 100)
}

// LoadConfig loads the application configuration from openbrick.yaml (if
// present) with OPENBRICK_* environment variable overrides.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("openbrick")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/openbrick")

	v.SetEnvPrefix("OPENBRICK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		// No file is fine: defaults plus environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	return &cfg, nil
}
