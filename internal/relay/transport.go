package relay

// MessageType mirrors the WebSocket data frame opcodes.
type MessageType int

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

// Frame is one transport message. Data is owned by the receiver once handed over.
type Frame struct {
	Type MessageType
	Data []byte
}

// Transport is the network half of a Conn. All methods are called from the
// event loop and must not block.
type Transport interface {
	// Send queues f for delivery. Frames sent after Close are dropped.
	Send(f Frame)
	// Close starts an orderly shutdown of the underlying connection.
	Close()
	// Closing reports whether Close was called or the peer went away.
	Closing() bool
	RemoteAddr() string
}
