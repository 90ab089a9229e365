package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/whisper/companion/internal/messaging"
	"github.com/whisper/companion/internal/ws"
)

// Config is the gateway configuration assembled by viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Listen            string        `mapstructure:"listen"`
	Name              string        `mapstructure:"name"`
	Workers           int           `mapstructure:"workers"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxFrameSize      int64         `mapstructure:"max_frame_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	HistoryBuffer     int           `mapstructure:"history_buffer"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// NATSConfig leaves URL empty to run a single instance without NATS.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// PostgresConfig leaves DSN empty to keep history in memory.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	d := ws.DefaultServerConfig()
	v.SetDefault("server.listen", d.ListenAddr)
	v.SetDefault("server.name", "")
	v.SetDefault("server.workers", d.WorkerPoolSize)
	v.SetDefault("server.max_connections", d.MaxConnections)
	v.SetDefault("server.read_timeout", d.ReadTimeout)
	v.SetDefault("server.write_timeout", d.WriteTimeout)
	v.SetDefault("server.max_frame_size", d.MaxFrameSize)
	v.SetDefault("server.heartbeat_interval", d.Heartbeat.Interval)
	v.SetDefault("server.heartbeat_timeout", d.Heartbeat.Timeout)
	v.SetDefault("server.history_buffer", 100)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("nats.url", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig unmarshals v into a Config, filling defaults.
func LoadConfig(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name, _ = os.Hostname()
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = "ws-1"
	}
	if cfg.Server.Workers <= 0 {
		return nil, fmt.Errorf("server.workers must be positive, got %d", cfg.Server.Workers)
	}
	return &cfg, nil
}

func (c *Config) wsConfig() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:     c.Server.Listen,
		WorkerPoolSize: c.Server.Workers,
		MaxConnections: c.Server.MaxConnections,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxFrameSize:   c.Server.MaxFrameSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.Server.HeartbeatInterval,
			Timeout:  c.Server.HeartbeatTimeout,
		},
	}
}

func (c *Config) natsConfig() messaging.NATSConfig {
	n := messaging.DefaultNATSConfig()
	n.URL = c.NATS.URL
	n.Name = "whisper-gateway-" + c.Server.Name
	return n
}

// newLogger builds a production logger, or a console logger for the text
// format.
func newLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level := zap.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "text" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build(zap.AddStacktrace(zap.ErrorLevel))
}
