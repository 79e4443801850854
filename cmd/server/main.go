package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
	"github.com/PortProxy/PortProxy-Server/internal/relay"
	"github.com/PortProxy/PortProxy-Server/internal/server"
	"github.com/PortProxy/PortProxy-Server/internal/state"
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
	obs.SetOutput(os.Stdout, cfg.LogPretty)
	obs.EnableDebug(cfg.Debug)
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr, "redis": cfg.RedisURL != ""})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, err := state.NewStore(ctx, cfg.redisConfig())
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	r := relay.New(cfg.relayConfig(), dir)
	loopDone := make(chan error, 1)
	go func() { loopDone <- r.Run(ctx) }()

	srv := server.New(r, cfg.serverConfig())
	if err := srv.Start(cfg.ListenAddr); err != nil {
		obs.Error("listen", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		r.Close()
		_ = dir.Close()
		os.Exit(1)
	}

	var ready atomic.Bool
	metricsSrv := startMetricsServer(cfg.MetricsAddr, newMetricsHandler(r, &ready))
	ready.Store(true)
	obs.Info("server.ready", nil)

	<-ctx.Done()
	obs.Info("server.shutdown.signal", nil)
	ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		obs.Error("server.stop", obs.Fields{"err": err.Error()})
	}
	r.Close()
	<-loopDone
	if err := dir.Close(); err != nil {
		obs.Error("state.close", obs.Fields{"err": err.Error()})
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	obs.Info("server.shutdown.complete", nil)
}
