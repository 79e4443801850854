package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/PortProxy/PortProxy-Server/internal/relay"
	"github.com/PortProxy/PortProxy-Server/internal/server"
	"github.com/PortProxy/PortProxy-Server/internal/state"
)

// Config holds all runtime configuration. Environment variables (optionally
// from a .env file) provide the defaults and flags override them.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9100"`
	Debug       bool   `env:"DEBUG"`
	LogPretty   bool   `env:"LOG_PRETTY"`

	IDLength      int           `env:"RELAY_ID_LENGTH" envDefault:"60"`
	DataKeyLength int           `env:"RELAY_DATA_KEY_LENGTH" envDefault:"300"`
	ConnGrace     time.Duration `env:"RELAY_CONN_GRACE" envDefault:"10m"`
	EventBacklog  int           `env:"RELAY_EVENT_BACKLOG" envDefault:"1024"`

	GlobalConnRate int `env:"RATE_GLOBAL" envDefault:"0"`
	PerIPConnRate  int `env:"RATE_PER_IP" envDefault:"20"`
	ConnBurst      int `env:"RATE_BURST" envDefault:"40"`

	MaxMessageSize  int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"16777216"`
	MaxQueuedFrames int           `env:"WS_MAX_QUEUED_FRAMES" envDefault:"4096"`
	WriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`

	RedisURL           string        `env:"REDIS_URL"`
	DirectoryTTL       time.Duration `env:"DIRECTORY_TTL" envDefault:"2m"`
	DirectoryHeartbeat time.Duration `env:"DIRECTORY_HEARTBEAT" envDefault:"30s"`
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: .env: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	fl := flag.NewFlagSet("portproxy-server", flag.ContinueOnError)
	fl.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "WebSocket listen address")
	fl.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics and health listen address")
	fl.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs and request logging")
	fl.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "human readable console logs")
	fl.IntVar(&cfg.IDLength, "id-length", cfg.IDLength, "base length of connection and session ids")
	fl.IntVar(&cfg.DataKeyLength, "data-key-length", cfg.DataKeyLength, "length of session data keys")
	fl.DurationVar(&cfg.ConnGrace, "conn-grace", cfg.ConnGrace, "how long a closed connection id stays reserved")
	fl.IntVar(&cfg.EventBacklog, "event-backlog", cfg.EventBacklog, "event loop queue size")
	fl.IntVar(&cfg.GlobalConnRate, "rate-global", cfg.GlobalConnRate, "max new connections per second overall (0 = unlimited)")
	fl.IntVar(&cfg.PerIPConnRate, "rate-per-ip", cfg.PerIPConnRate, "max new connections per second per remote IP (0 = unlimited)")
	fl.IntVar(&cfg.ConnBurst, "rate-burst", cfg.ConnBurst, "rate limiter burst")
	fl.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "largest accepted frame in bytes")
	fl.IntVar(&cfg.MaxQueuedFrames, "max-queued-frames", cfg.MaxQueuedFrames, "outbound frames buffered per connection before it is dropped")
	fl.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per-frame write deadline")
	fl.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "redis URL for the shared session directory (empty = in-memory)")
	fl.DurationVar(&cfg.DirectoryTTL, "directory-ttl", cfg.DirectoryTTL, "TTL of directory records")
	fl.DurationVar(&cfg.DirectoryHeartbeat, "directory-heartbeat", cfg.DirectoryHeartbeat, "directory TTL refresh interval")
	if err := fl.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) relayConfig() relay.Config {
	return relay.Config{
		IDLength:      c.IDLength,
		DataKeyLength: c.DataKeyLength,
		ConnGrace:     c.ConnGrace,
		EventBacklog:  c.EventBacklog,
	}
}

func (c Config) serverConfig() server.Config {
	return server.Config{
		Transport: relay.WSConfig{
			WriteTimeout:    c.WriteTimeout,
			MaxQueuedFrames: c.MaxQueuedFrames,
			MaxMessageSize:  c.MaxMessageSize,
		},
		GlobalConnRate: c.GlobalConnRate,
		PerIPConnRate:  c.PerIPConnRate,
		ConnBurst:      c.ConnBurst,
		Debug:          c.Debug,
	}
}

func (c Config) redisConfig() state.RedisConfig {
	return state.RedisConfig{
		URL:       c.RedisURL,
		KeyTTL:    c.DirectoryTTL,
		Heartbeat: c.DirectoryHeartbeat,
	}
}
