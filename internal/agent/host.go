package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
	"github.com/PortProxy/PortProxy-Server/internal/proto"
)

// HostConfig configures a Host.
type HostConfig struct {
	// ServerURL is the relay base URL, e.g. ws://relay:8080.
	ServerURL string
	// Target is the local TCP address exposed to clients.
	Target string
	// KeepAlive is the keep_alive period on the control channel.
	KeepAlive time.Duration
	// MaxRetryInterval caps the reconnect backoff.
	MaxRetryInterval time.Duration
	// MaxRetryCount stops Run after that many consecutive retries. Zero
	// retries forever.
	MaxRetryCount int
	// OnSession is called each time the relay assigns a session.
	OnSession func(id, key string)
	Dialer    *websocket.Dialer
}

// Host keeps a host-control channel open and serves every announced client
// by bridging a new host-data channel to Target.
type Host struct {
	cfg HostConfig

	mu        sync.Mutex
	sessionID string
	dataKey   string
}

func NewHost(cfg HostConfig) *Host {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	if cfg.Dialer == nil {
		cfg.Dialer = defaultDialer
	}
	return &Host{cfg: cfg}
}

// Session returns the current session id and data key, empty before the
// first session_details.
func (h *Host) Session() (id, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID, h.dataKey
}

// Run connects and reconnects until ctx is done or the retry limit is hit.
// Every reconnect yields a new session.
func (h *Host) Run(ctx context.Context) error {
	b := &backoff.Backoff{Max: h.cfg.MaxRetryInterval}
	for {
		established, err := h.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			b.Reset()
		}
		attempt := int(b.Attempt())
		if h.cfg.MaxRetryCount > 0 && attempt >= h.cfg.MaxRetryCount {
			return fmt.Errorf("agent: giving up after %d attempts: %w", attempt, err)
		}
		d := b.Duration()
		obs.Warn("agent.host.reconnect", obs.Fields{"err": errString(err), "attempt": attempt + 1, "in": d.String()})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

func (h *Host) runOnce(ctx context.Context) (bool, error) {
	u, err := attachURL(h.cfg.ServerURL, "host")
	if err != nil {
		return false, err
	}
	ws, _, err := h.cfg.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return false, err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()
	defer ws.Close()

	var details proto.SessionDetailsPacket
	if err := ws.ReadJSON(&details); err != nil {
		return false, err
	}
	if details.PacketID != proto.SessionDetails || details.ID == "" {
		return false, fmt.Errorf("agent: unexpected first packet %q", details.PacketID)
	}
	h.mu.Lock()
	h.sessionID, h.dataKey = details.ID, details.Key
	h.mu.Unlock()
	obs.Info("agent.host.session", obs.Fields{"session": details.ID, "target": h.cfg.Target})
	if h.cfg.OnSession != nil {
		h.cfg.OnSession(details.ID, details.Key)
	}

	var wmu sync.Mutex
	send := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return ws.WriteJSON(v)
	}
	if err := send(proto.ConnectionTypePacket{PacketID: proto.ConnectionType, Type: "host"}); err != nil {
		return true, err
	}
	go func() {
		t := time.NewTicker(h.cfg.KeepAlive)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := send(proto.Envelope{PacketID: proto.KeepAlive}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			obs.Debug("agent.host.packet", obs.Fields{"err": err.Error()})
			continue
		}
		switch env.PacketID {
		case proto.NewClient:
			var nc proto.NewClientPacket
			if err := json.Unmarshal(data, &nc); err != nil || nc.ID == "" {
				continue
			}
			go h.serveClient(ctx, details.ID, details.Key, nc.ID)
		case proto.KeepAlive:
		default:
			obs.Debug("agent.host.packet", obs.Fields{"packet": env.PacketID})
		}
	}
}

func (h *Host) serveClient(ctx context.Context, sessionID, key, clientID string) {
	u, err := attachURL(h.cfg.ServerURL, "host", sessionID, key, clientID)
	if err != nil {
		obs.Error("agent.host.data", obs.Fields{"err": err.Error()})
		return
	}
	local, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, "tcp", h.cfg.Target)
	if err != nil {
		obs.Error("agent.host.target", obs.Fields{"err": err.Error(), "target": h.cfg.Target, "client": clientID})
		return
	}
	ws, _, err := h.cfg.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		_ = local.Close()
		obs.Error("agent.host.data", obs.Fields{"err": err.Error(), "client": clientID})
		return
	}
	obs.Debug("agent.host.client", obs.Fields{"client": clientID})
	in, out := pipe(ws, local)
	obs.Info("agent.host.client_closed", obs.Fields{"client": clientID, "in": sizestr.ToString(in), "out": sizestr.ToString(out)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
