package relay

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
)

// WSConfig tunes a WebSocket transport.
type WSConfig struct {
	WriteTimeout    time.Duration
	MaxQueuedFrames int
	MaxMessageSize  int64
}

func (c *WSConfig) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxQueuedFrames <= 0 {
		c.MaxQueuedFrames = 4096
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 << 20
	}
}

// WSTransport adapts a gorilla WebSocket to Transport. Sends are queued and
// written by a dedicated goroutine, so the event loop never blocks on the
// network. A peer that lets more than MaxQueuedFrames pile up is dropped.
type WSTransport struct {
	ws     *websocket.Conn
	cfg    WSConfig
	remote string

	mu      sync.Mutex
	out     *queue.Queue
	closing bool
	wake    chan struct{}
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport wraps ws and starts its writer.
func NewWSTransport(ws *websocket.Conn, cfg WSConfig) *WSTransport {
	cfg.applyDefaults()
	ws.SetReadLimit(cfg.MaxMessageSize)
	t := &WSTransport{
		ws:     ws,
		cfg:    cfg,
		remote: ws.RemoteAddr().String(),
		out:    queue.New(),
		wake:   make(chan struct{}, 1),
	}
	go t.writeLoop()
	return t
}

func (t *WSTransport) RemoteAddr() string { return t.remote }

func (t *WSTransport) Send(f Frame) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	if t.out.Length() >= t.cfg.MaxQueuedFrames {
		t.closing = true
		for t.out.Length() > 0 {
			t.out.Remove()
		}
		t.mu.Unlock()
		obs.Error("transport.overflow", obs.Fields{"remote": t.remote, "limit": t.cfg.MaxQueuedFrames})
		obs.ErrorsTotal.WithLabelValues("send_overflow").Inc()
		t.signal()
		return
	}
	t.out.Add(f)
	t.mu.Unlock()
	t.signal()
}

func (t *WSTransport) Close() {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	t.signal()
}

func (t *WSTransport) Closing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

func (t *WSTransport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// next pops a queued frame. When the queue is empty it reports whether the
// transport is closing.
func (t *WSTransport) next() (f Frame, ok bool, closing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out.Length() > 0 {
		return t.out.Remove().(Frame), true, false
	}
	return Frame{}, false, t.closing
}

func (t *WSTransport) writeLoop() {
	for range t.wake {
		for {
			f, ok, closing := t.next()
			if closing {
				deadline := time.Now().Add(t.cfg.WriteTimeout)
				_ = t.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				_ = t.ws.Close()
				return
			}
			if !ok {
				break
			}
			_ = t.ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := t.ws.WriteMessage(int(f.Type), f.Data); err != nil {
				obs.Debug("transport.write", obs.Fields{"remote": t.remote, "err": err.Error()})
				t.mu.Lock()
				t.closing = true
				t.mu.Unlock()
				_ = t.ws.Close()
				return
			}
		}
	}
}

// Serve attaches the transport to r under path and pumps inbound frames into
// the event loop until the connection ends.
func (t *WSTransport) Serve(r *Relay, path string) {
	attached := make(chan *Conn, 1)
	if !r.Post(func() { attached <- r.Attach(t, path) }) {
		t.Close()
		return
	}
	var c *Conn
	select {
	case c = <-attached:
	case <-r.done:
		t.Close()
		return
	}
	for {
		mt, data, err := t.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				obs.Debug("transport.read", obs.Fields{"conn": c.ID(), "err": err.Error()})
			}
			t.mu.Lock()
			t.closing = true
			t.mu.Unlock()
			t.signal()
			r.Post(func() { r.TransportClosed(c) })
			return
		}
		f := Frame{Type: MessageType(mt), Data: data}
		if !r.Post(func() { c.HandleFrame(f) }) {
			t.Close()
			return
		}
	}
}
