package peer

import "errors"

// Status describes the transport's connection lifecycle.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Role is which side of the pairing this transport plays.
type Role string

const (
	RoleHost   Role = "host"
	RoleJoiner Role = "joiner"
)

// ConnectionState describes the transport's current condition, independent of
// any sync operation running on top of it.
type ConnectionState struct {
	Status    Status
	Code      string
	Role      Role
	PeerCount int
	Err       string
}

var (
	// ErrInitTimeout means hosting gave up waiting for a peer to connect.
	ErrInitTimeout = errors.New("peer: no connection established before timeout")

	// ErrPeerUnavailable means the session code does not resolve to a live host.
	ErrPeerUnavailable = errors.New("peer: no live host for session code")

	// ErrTimeout means connecting to the relay or host timed out.
	ErrTimeout = errors.New("peer: connect timeout")

	// ErrNotConnected means a send was attempted with no open channel.
	ErrNotConnected = errors.New("peer: no open channel")
)
