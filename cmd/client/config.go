package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds client runtime configuration.
type Config struct {
	ServerURL        string        `env:"PORTPROXY_SERVER" envDefault:"ws://127.0.0.1:8080"`
	Mode             string        `env:"PORTPROXY_MODE" envDefault:"host"`
	Target           string        `env:"PORTPROXY_TARGET" envDefault:"127.0.0.1:3000"`
	Session          string        `env:"PORTPROXY_SESSION"`
	ListenAddr       string        `env:"PORTPROXY_LISTEN" envDefault:"127.0.0.1:4000"`
	KeepAlive        time.Duration `env:"PORTPROXY_KEEPALIVE" envDefault:"30s"`
	MaxRetryInterval time.Duration `env:"PORTPROXY_MAX_RETRY_INTERVAL" envDefault:"5m"`
	MaxRetryCount    int           `env:"PORTPROXY_MAX_RETRY_COUNT" envDefault:"0"`
	Debug            bool          `env:"PORTPROXY_DEBUG"`
	LogPretty        bool          `env:"PORTPROXY_LOG_PRETTY" envDefault:"true"`
}

const (
	modeHost    = "host"
	modeConnect = "connect"
)

func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: .env: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	fl := flag.NewFlagSet("portproxy", flag.ContinueOnError)
	fl.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "relay base URL")
	fl.StringVar(&cfg.Mode, "mode", cfg.Mode, "host (expose -target) or connect (join -session on -listen)")
	fl.StringVar(&cfg.Target, "target", cfg.Target, "local address to expose in host mode")
	fl.StringVar(&cfg.Session, "session", cfg.Session, "session id to join in connect mode")
	fl.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "local listen address in connect mode")
	fl.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "keep_alive interval in host mode")
	fl.DurationVar(&cfg.MaxRetryInterval, "max-retry-interval", cfg.MaxRetryInterval, "maximum reconnect wait")
	fl.IntVar(&cfg.MaxRetryCount, "max-retry-count", cfg.MaxRetryCount, "give up after this many reconnects (0 = never)")
	fl.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	fl.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "human readable console logs")
	if err := fl.Parse(args); err != nil {
		return cfg, err
	}
	switch cfg.Mode {
	case modeHost:
	case modeConnect:
		if cfg.Session == "" {
			return cfg, errors.New("config: -session is required in connect mode")
		}
	default:
		return cfg, fmt.Errorf("config: unknown mode %q", cfg.Mode)
	}
	return cfg, nil
}
