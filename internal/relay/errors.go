package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrBadAttachPath is returned for attach paths outside the role table.
	ErrBadAttachPath = errors.New("relay: malformed attach path")
	// ErrUnknownSession covers both a missing session and a wrong data key.
	ErrUnknownSession = errors.New("relay: unknown session")
	// ErrPacketIDInPayload is raised (as a panic) when an outbound payload
	// already sets the packetId field.
	ErrPacketIDInPayload = errors.New("relay: outbound payload already carries packetId")
	// ErrRoleAssigned is raised (as a panic) on a second role assignment.
	ErrRoleAssigned = errors.New("relay: connection role already assigned")
	// ErrStopped is returned once the event loop has exited.
	ErrStopped = errors.New("relay: event loop stopped")
)

// ProtocolErrorKind classifies a malformed control packet.
type ProtocolErrorKind uint8

const (
	Unparseable ProtocolErrorKind = iota + 1
	MissingPacketID
	SchemaMismatch
	ListenerFailed
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case Unparseable:
		return "unparseable"
	case MissingPacketID:
		return "missing_packet_id"
	case SchemaMismatch:
		return "schema_mismatch"
	case ListenerFailed:
		return "listener_failed"
	default:
		return "unknown"
	}
}

// ProtocolError is a recoverable per-message failure. The message is
// dropped and the connection stays open.
type ProtocolError struct {
	Kind     ProtocolErrorKind
	PacketID string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.PacketID == "" {
		return fmt.Sprintf("relay: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("relay: %s packet=%s: %v", e.Kind, e.PacketID, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
