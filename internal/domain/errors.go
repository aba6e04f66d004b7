package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrBackendUnavailable indicates tunnel creation or termination
	// failed upstream. Never swallowed into a success state.
	ErrBackendUnavailable = errors.New("tunnel backend unavailable")

	// ErrNoCapacity is returned when the target sharer is over its
	// daily quota.
	ErrNoCapacity = errors.New("sharer over daily quota")

	// ErrNoneAvailable means no eligible sharer exists right now.
	ErrNoneAvailable = errors.New("no eligible sharer available")

	// ErrPoolExhausted is returned when no port in the configured
	// range is free among active tunnels.
	ErrPoolExhausted = errors.New("proxy port pool exhausted")

	// ErrProbeFailed means a quality measurement failed. Recovered
	// locally via fallback defaults, never surfaced to peers.
	ErrProbeFailed = errors.New("quality probe failed")

	// ErrPeerNotFound means the requested peer ID is not registered.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrPeerExists means the peer ID is already registered.
	ErrPeerExists = errors.New("peer already registered")

	// ErrTunnelNotFound means the requested tunnel ID does not exist.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrTunnelBusy means another client is already bound to the
	// tunnel. The loser of a concurrent bind race sees this.
	ErrTunnelBusy = errors.New("tunnel already bound to another client")

	// ErrNotConnected means the client has no bound tunnel.
	ErrNotConnected = errors.New("client not connected")

	// ErrAlreadySharing means sharing is already enabled for the peer.
	ErrAlreadySharing = errors.New("sharing already enabled")

	// ErrNotSharing means sharing is not currently enabled.
	ErrNotSharing = errors.New("sharing not enabled")

	// ErrPortInUse means the allocated port was claimed concurrently
	// by another active tunnel. Callers retry allocation.
	ErrPortInUse = errors.New("port already in use by an active tunnel")

	// ErrWrongRole means the operation does not apply to the peer's role.
	ErrWrongRole = errors.New("operation not valid for peer role")
)

// TunnelError wraps an underlying error with tunnel context.
type TunnelError struct {
	TunnelID string
	Op       string
	Err      error
}

func (e *TunnelError) Error() string {
	if e.TunnelID != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.TunnelID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
