package relay

import (
	"fmt"
	"strings"
)

// Role is fixed once at attach time.
type Role uint8

const (
	RoleUndecided Role = iota
	RoleHostControl
	RoleHostData
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHostControl:
		return "host-control"
	case RoleHostData:
		return "host-data"
	case RoleClient:
		return "client"
	default:
		return "undecided"
	}
}

// AttachPath is the routing information carried by the upgrade request path.
type AttachPath struct {
	Role      Role
	SessionID string
	DataKey   string
	ClientID  string
}

// ParseAttachPath maps a request path onto a role:
//
//	/host                                   host-control
//	/host/{sessionId}/{dataKey}/{clientId}  host-data
//	/client/{sessionId}                     client
//
// Any query string is ignored. Every other shape, including empty segments,
// is ErrBadAttachPath.
func ParseAttachPath(raw string) (AttachPath, error) {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if !strings.HasPrefix(raw, "/") {
		return AttachPath{}, fmt.Errorf("%w: %q", ErrBadAttachPath, raw)
	}
	parts := strings.Split(raw[1:], "/")
	for _, p := range parts {
		if p == "" {
			return AttachPath{}, fmt.Errorf("%w: %q", ErrBadAttachPath, raw)
		}
	}
	switch {
	case parts[0] == "host" && len(parts) == 1:
		return AttachPath{Role: RoleHostControl}, nil
	case parts[0] == "host" && len(parts) == 4:
		return AttachPath{Role: RoleHostData, SessionID: parts[1], DataKey: parts[2], ClientID: parts[3]}, nil
	case parts[0] == "client" && len(parts) == 2:
		return AttachPath{Role: RoleClient, SessionID: parts[1]}, nil
	}
	return AttachPath{}, fmt.Errorf("%w: %q", ErrBadAttachPath, raw)
}
