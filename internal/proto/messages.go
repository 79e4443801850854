// Package proto names the control packets exchanged on a host-control
// channel. Every packet is one JSON object per text frame, tagged with
// PacketIDField.
package proto

// PacketIDField is the key carrying the packet id in every control packet.
const PacketIDField = "packetId"

// Peer -> server.
const (
	ConnectionType = "connection_type"
	KeepAlive      = "keep_alive"
)

// Server -> peer.
const (
	SessionDetails  = "session_details"
	NewClient       = "new_client"
	ClientConnected = "client_connected"
)

// Envelope is the minimal shape shared by every control packet.
type Envelope struct {
	PacketID string `json:"packetId"`
}

// SessionDetailsPacket tells a host its session id and data key.
type SessionDetailsPacket struct {
	PacketID string `json:"packetId"`
	ID       string `json:"id"`
	Key      string `json:"key"`
}

// NewClientPacket announces a pending client to its host.
type NewClientPacket struct {
	PacketID string `json:"packetId"`
	ID       string `json:"id"`
}

// ConnectionTypePacket is accepted from peers but carries no routing weight;
// roles come from the attach path.
type ConnectionTypePacket struct {
	PacketID string `json:"packetId"`
	Type     string `json:"type"`
}
