package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
	"github.com/PortProxy/PortProxy-Server/internal/proto"
	"github.com/PortProxy/PortProxy-Server/internal/schema"
)

// ListenerFunc handles one validated control packet. A nil packet is passed
// to close listeners.
type ListenerFunc func(packet map[string]any) error

// ListenerHandle identifies a registration for Off.
type ListenerHandle struct {
	event string
	token uint64
}

const closeEvent = "\x00close"

type listener struct {
	token  uint64
	fields schema.Fields
	fn     ListenerFunc
}

var envelopeFields = schema.Fields{proto.PacketIDField: schema.Leaf(schema.String)}

// Conn wraps one transport connection. It is owned by the event loop; none
// of its methods are safe for concurrent use.
type Conn struct {
	id        string
	role      Role
	transport Transport
	listeners map[string][]*listener
	nextToken uint64
	closed    bool
	pair      *Pair
}

func newConn(t Transport) *Conn {
	return &Conn{transport: t, listeners: make(map[string][]*listener)}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) Role() Role         { return c.role }
func (c *Conn) Closed() bool       { return c.closed }
func (c *Conn) RemoteAddr() string { return c.transport.RemoteAddr() }

func (c *Conn) assignRole(r Role) {
	if c.role != RoleUndecided {
		panic(fmt.Errorf("%w: %s -> %s", ErrRoleAssigned, c.role, r))
	}
	c.role = r
}

// On registers fn for packetID. Each invocation first validates the packet
// against fields; a mismatch skips only this listener.
func (c *Conn) On(packetID string, fields schema.Fields, fn ListenerFunc) ListenerHandle {
	return c.add(packetID, fields, fn)
}

// OnClose registers fn to run once, synchronously, when c first closes.
func (c *Conn) OnClose(fn func()) ListenerHandle {
	return c.add(closeEvent, nil, func(map[string]any) error {
		fn()
		return nil
	})
}

func (c *Conn) add(event string, fields schema.Fields, fn ListenerFunc) ListenerHandle {
	c.nextToken++
	c.listeners[event] = append(c.listeners[event], &listener{token: c.nextToken, fields: fields, fn: fn})
	return ListenerHandle{event: event, token: c.nextToken}
}

// Off removes the registration behind h. It reports whether one was found.
func (c *Conn) Off(h ListenerHandle) bool {
	ls := c.listeners[h.event]
	for i, l := range ls {
		if l.token != h.token {
			continue
		}
		ls = append(ls[:i:i], ls[i+1:]...)
		if len(ls) == 0 {
			delete(c.listeners, h.event)
		} else {
			c.listeners[h.event] = ls
		}
		return true
	}
	return false
}

// Send writes a control packet. payload must not set packetId; doing so is
// a programming error and panics.
func (c *Conn) Send(packetID string, payload map[string]any) {
	if _, ok := payload[proto.PacketIDField]; ok {
		panic(fmt.Errorf("%w: %s", ErrPacketIDInPayload, packetID))
	}
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg[proto.PacketIDField] = packetID
	b, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Errorf("relay: encode %s: %w", packetID, err))
	}
	c.transport.Send(Frame{Type: TextMessage, Data: b})
}

// HandleFrame processes one inbound frame. Paired connections forward it to
// their peer untouched; host-control connections dispatch it as a control
// packet; everything else is dropped.
func (c *Conn) HandleFrame(f Frame) {
	if c.closed {
		return
	}
	if c.pair != nil {
		c.pair.forward(c, f)
		return
	}
	if c.role != RoleHostControl {
		obs.Debug("conn.frame_dropped", obs.Fields{"conn": c.id, "role": c.role.String(), "bytes": len(f.Data)})
		return
	}
	if err := c.dispatch(f.Data); err != nil {
		obs.Error("conn.packet_dropped", obs.Fields{"conn": c.id, "err": err.Error()})
		var pe *ProtocolError
		if errors.As(err, &pe) {
			obs.ErrorsTotal.WithLabelValues(pe.Kind.String()).Inc()
		}
	}
}

func (c *Conn) dispatch(data []byte) error {
	var msg any
	if err := json.Unmarshal(data, &msg); err != nil {
		return &ProtocolError{Kind: Unparseable, Err: err}
	}
	env, err := schema.Object(msg, envelopeFields)
	if err != nil {
		return &ProtocolError{Kind: MissingPacketID, Err: err}
	}
	packetID := env[proto.PacketIDField].(string)
	ls := append([]*listener(nil), c.listeners[packetID]...)
	if len(ls) == 0 {
		obs.Debug("conn.packet_unhandled", obs.Fields{"conn": c.id, "packet": packetID})
		return nil
	}
	for _, l := range ls {
		if err := c.invoke(l, msg); err != nil {
			pe := &ProtocolError{Kind: ListenerFailed, PacketID: packetID, Err: err}
			var ve schema.ValidationError
			if errors.As(err, &ve) {
				pe.Kind = SchemaMismatch
			}
			obs.Debug("conn.listener_skipped", obs.Fields{"conn": c.id, "err": pe.Error()})
		}
	}
	return nil
}

// invoke runs one listener in isolation: a validation failure, an error or
// a panic affects this invocation only.
func (c *Conn) invoke(l *listener, msg any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	var packet map[string]any
	if l.fields != nil {
		packet, err = schema.Object(msg, l.fields)
		if err != nil {
			return err
		}
	}
	return l.fn(packet)
}

// Close is idempotent. The first call runs the close listeners; every call
// closes the transport if needed and drops all listeners.
func (c *Conn) Close() {
	if !c.closed {
		c.closed = true
		for _, l := range append([]*listener(nil), c.listeners[closeEvent]...) {
			if err := c.invoke(l, nil); err != nil {
				obs.Error("conn.close_listener", obs.Fields{"conn": c.id, "err": err.Error()})
			}
		}
	}
	if !c.transport.Closing() {
		c.transport.Close()
	}
	c.listeners = make(map[string][]*listener)
}

func (c *Conn) installControlListeners() {
	c.On(proto.KeepAlive, nil, func(map[string]any) error {
		c.Send(proto.KeepAlive, nil)
		return nil
	})
	c.On(proto.ConnectionType, schema.Fields{"type": schema.Leaf(schema.String)}, func(p map[string]any) error {
		obs.Debug("conn.connection_type", obs.Fields{"conn": c.id, "type": p["type"]})
		return nil
	})
}
