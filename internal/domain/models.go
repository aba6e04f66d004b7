// Package domain defines the core data types shared across the netshare
// broker, store, and backend layers.
package domain

import "time"

// Peer role constants. A peer's role is fixed at registration.
const (
	RoleSharer = "sharer"
	RoleClient = "client"
)

// Tunnel status constants. The only legal transition is active -> terminated.
const (
	TunnelStatusActive     = "active"
	TunnelStatusTerminated = "terminated"
)

// Daily share limit bounds in GB, enforced on sharer settings updates.
const (
	MinDailyLimitGB = 1
	MaxDailyLimitGB = 100
)

// Peer represents a registered participant, identified by a stable
// opaque 10-character identifier supplied by the identity layer.
type Peer struct {
	ID             string
	Role           string
	DailyLimitGB   int
	SharedTodayGB  float64
	SharingEnabled bool
	ActiveTunnelID string // client only; empty when not bound
	LastReset      time.Time
	CreatedAt      time.Time
}

// LoadRatio returns the sharer's used fraction of its daily quota.
// A sharer with no usable quota reports 1 (fully loaded).
func (p Peer) LoadRatio() float64 {
	if p.DailyLimitGB <= 0 {
		return 1
	}
	r := p.SharedTodayGB / float64(p.DailyLimitGB)
	if r > 1 {
		return 1
	}
	return r
}

// RemainingGB returns the sharer's remaining daily quota, floored at zero.
func (p Peer) RemainingGB() float64 {
	left := float64(p.DailyLimitGB) - p.SharedTodayGB
	if left < 0 {
		return 0
	}
	return left
}

// OverQuota reports whether the sharer has exhausted its daily quota.
func (p Peer) OverQuota() bool {
	return p.SharedTodayGB >= float64(p.DailyLimitGB)
}

// Tunnel represents a proxy session bound to exactly one sharer and at
// most one client. Port and proxy credentials are fixed for the
// tunnel's life; the port is unique among active tunnels.
type Tunnel struct {
	ID              string
	SharerID        string
	ClientID        string // empty when no client is bound
	Status          string
	Instance        string // opaque backend instance reference
	Port            int
	ProxyUser       string
	ProxyPass       string
	BandwidthUsedGB float64
	LatencyMs       float64
	ThroughputMbps  float64
	CreatedAt       time.Time
	LastActiveAt    time.Time
}

// Active reports whether the tunnel is still usable for client bindings.
func (t Tunnel) Active() bool {
	return t.Status == TunnelStatusActive
}

// QualitySample is one latency/throughput measurement for a tunnel
// instance. Samples may be stale; MeasuredAt says how stale.
type QualitySample struct {
	LatencyMs      float64   `json:"latency_ms"`
	ThroughputMbps float64   `json:"throughput_mbps"`
	MeasuredAt     time.Time `json:"measured_at"`
}
