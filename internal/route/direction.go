package route

import (
	"fmt"
	"strings"
)

// Role is the side of the link a device plays.
type Role int

const (
	// Host owns the hardware behind its gates.
	Host Role = iota
	// Remote mirrors a host's gates over the network.
	Remote
)

func (r Role) String() string {
	switch r {
	case Host:
		return "host"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole accepts "host" or "remote" in any case.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host":
		return Host, nil
	case "remote":
		return Remote, nil
	default:
		return 0, fmt.Errorf("unknown role %q: expected host or remote", s)
	}
}

// Direction states which side may originate updates on a route.
type Direction int

const (
	// HostOnly routes carry host state to remotes.
	HostOnly Direction = iota
	// RemoteOnly routes carry remote commands to the host.
	RemoteOnly
	// Bidirectional routes may be written from either side.
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case HostOnly:
		return "host-only"
	case RemoteOnly:
		return "remote-only"
	case Bidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func (d Direction) valid() bool {
	return d == HostOnly || d == RemoteOnly || d == Bidirectional
}

// CanSend reports whether a device in role r may send on the route.
func (d Direction) CanSend(r Role) bool {
	switch d {
	case HostOnly:
		return r == Host
	case RemoteOnly:
		return r == Remote
	case Bidirectional:
		return true
	}
	return false
}

// CanReceive reports whether a device in role r listens on the route.
func (d Direction) CanReceive(r Role) bool {
	switch d {
	case HostOnly:
		return r == Remote
	case RemoteOnly:
		return r == Host
	case Bidirectional:
		return true
	}
	return false
}
