package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
	"github.com/PortProxy/PortProxy-Server/internal/proto"
)

// ErrNoSession is returned when no session id is configured.
var ErrNoSession = errors.New("agent: session id required")

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	ServerURL  string
	SessionID  string
	ListenAddr string
	// PairTimeout bounds the wait for client_connected.
	PairTimeout time.Duration
	Dialer      *websocket.Dialer
}

// Connector accepts local TCP connections and joins each one to the
// session as a client.
type Connector struct {
	cfg ConnectorConfig

	mu sync.Mutex
	ln net.Listener
}

func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = defaultDialer
	}
	return &Connector{cfg: cfg}
}

// Listen binds the local address.
func (c *Connector) Listen() error {
	if c.cfg.SessionID == "" {
		return ErrNoSession
	}
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()
	obs.Info("agent.connector.listening", obs.Fields{"addr": ln.Addr().String(), "session": c.cfg.SessionID})
	return nil
}

// Addr is the bound local address, nil before Listen.
func (c *Connector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Serve accepts until ctx is done. Listen must have succeeded.
func (c *Connector) Serve(ctx context.Context) error {
	c.mu.Lock()
	ln := c.ln
	c.mu.Unlock()
	if ln == nil {
		return errors.New("agent: connector not listening")
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go c.handle(ctx, conn)
	}
}

// Run is Listen followed by Serve.
func (c *Connector) Run(ctx context.Context) error {
	if err := c.Listen(); err != nil {
		return err
	}
	return c.Serve(ctx)
}

func (c *Connector) handle(ctx context.Context, local net.Conn) {
	ws, err := c.join(ctx)
	if err != nil {
		obs.Warn("agent.connector.join", obs.Fields{"err": err.Error(), "remote": local.RemoteAddr().String()})
		_ = local.Close()
		return
	}
	in, out := pipe(ws, local)
	obs.Info("agent.connector.closed", obs.Fields{"remote": local.RemoteAddr().String(), "in": sizestr.ToString(in), "out": sizestr.ToString(out)})
}

// join attaches as a client and waits for the pair to form.
func (c *Connector) join(ctx context.Context) (*websocket.Conn, error) {
	u, err := attachURL(c.cfg.ServerURL, "client", c.cfg.SessionID)
	if err != nil {
		return nil, err
	}
	ws, _, err := c.cfg.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PairTimeout))
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var env proto.Envelope
		if json.Unmarshal(data, &env) == nil && env.PacketID == proto.ClientConnected {
			_ = ws.SetReadDeadline(time.Time{})
			return ws, nil
		}
	}
}
