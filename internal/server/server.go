// Package server exposes the relay on an HTTP listener. Every request is
// upgraded to a WebSocket and its URL path is used as the attach path.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
	"github.com/PortProxy/PortProxy-Server/internal/ratelimit"
	"github.com/PortProxy/PortProxy-Server/internal/relay"
)

var (
	ErrAlreadyRunning = errors.New("server: already running")
	ErrNotRunning     = errors.New("server: not running")
)

// Config holds the listener settings.
type Config struct {
	Transport       relay.WSConfig
	GlobalConnRate  int
	PerIPConnRate   int
	ConnBurst       int
	LimiterIdle     time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	Debug           bool
}

// Server accepts WebSocket attaches and hands them to a relay.
type Server struct {
	relay    *relay.Relay
	cfg      Config
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader
	handler  http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	stopSweep  chan struct{}
}

func New(r *relay.Relay, cfg Config) *Server {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 4096
	}
	if cfg.LimiterIdle <= 0 {
		cfg.LimiterIdle = 5 * time.Minute
	}
	s := &Server{
		relay:   r,
		cfg:     cfg,
		limiter: ratelimit.NewLimiter(cfg.GlobalConnRate, cfg.PerIPConnRate, cfg.ConnBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h := http.Handler(s)
	if cfg.Debug {
		h = requestlog.Wrap(h)
	}
	s.handler = h
	return s
}

// Handler is the HTTP entry point, including debug request logging.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := remoteIP(r.RemoteAddr)
	if !s.limiter.Allow(key) {
		obs.RateLimitedTotal.Inc()
		obs.Debug("server.rate_limited", obs.Fields{"remote": key})
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Debug("server.upgrade", obs.Fields{"remote": r.RemoteAddr, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		return
	}
	relay.NewWSTransport(ws, s.cfg.Transport).Serve(s.relay, r.URL.Path)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return ErrAlreadyRunning
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.httpServer = srv
	s.listener = ln
	s.stopSweep = make(chan struct{})
	go s.sweep(s.stopSweep)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("server.serve", obs.Fields{"err": err.Error(), "addr": addr})
		}
	}()
	obs.Info("server.listening", obs.Fields{"addr": ln.Addr().String()})
	return nil
}

// Addr is the bound address while running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener. Upgraded connections belong to the relay and
// end when it is closed.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	if srv == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.httpServer = nil
	s.listener = nil
	close(s.stopSweep)
	s.mu.Unlock()

	err := srv.Shutdown(ctx)
	obs.Info("server.stopped", nil)
	return err
}

func (s *Server) sweep(stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.LimiterIdle)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if n := s.limiter.Sweep(s.cfg.LimiterIdle); n > 0 {
				obs.Debug("server.limiter_sweep", obs.Fields{"removed": n})
			}
		}
	}
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
