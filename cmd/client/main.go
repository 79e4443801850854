package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/PortProxy/PortProxy-Server/internal/agent"
	"github.com/PortProxy/PortProxy-Server/internal/obs"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	obs.SetOutput(os.Stderr, cfg.LogPretty)
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	switch cfg.Mode {
	case modeConnect:
		obs.Info("client.start", obs.Fields{"mode": cfg.Mode, "server": cfg.ServerURL, "session": cfg.Session, "listen": cfg.ListenAddr})
		return agent.NewConnector(agent.ConnectorConfig{
			ServerURL:  cfg.ServerURL,
			SessionID:  cfg.Session,
			ListenAddr: cfg.ListenAddr,
		}).Run(ctx)
	default:
		obs.Info("client.start", obs.Fields{"mode": cfg.Mode, "server": cfg.ServerURL, "target": cfg.Target})
		return agent.NewHost(agent.HostConfig{
			ServerURL:        cfg.ServerURL,
			Target:           cfg.Target,
			KeepAlive:        cfg.KeepAlive,
			MaxRetryInterval: cfg.MaxRetryInterval,
			MaxRetryCount:    cfg.MaxRetryCount,
			OnSession: func(id, key string) {
				fmt.Printf("session %s\n", id)
			},
		}).Run(ctx)
	}
}
