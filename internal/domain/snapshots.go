package domain

import "time"

// Read-only status payloads consumed by the dashboard/API collaborators.

// ClientStatus is the per-client view of its bound tunnel, if any.
type ClientStatus struct {
	PeerID string            `json:"peer_id"`
	Role   string            `json:"role"`
	Tunnel *ClientTunnelView `json:"tunnel,omitempty"`
}

// ClientTunnelView describes the client's side of a tunnel binding.
type ClientTunnelView struct {
	TunnelID        string  `json:"tunnel_id"`
	SharerID        string  `json:"sharer_id"`
	Status          string  `json:"status"`
	BandwidthUsedGB float64 `json:"bandwidth_used_gb"`
	ProxyEndpoint   string  `json:"proxy_endpoint"`
	ProxyUser       string  `json:"proxy_user"`
	ProxyPass       string  `json:"proxy_pass"`
}

// SharerStatus is the per-sharer view of its active tunnels and quota.
type SharerStatus struct {
	PeerID         string             `json:"peer_id"`
	Role           string             `json:"role"`
	SharingEnabled bool               `json:"sharing_enabled"`
	DailyLimitGB   int                `json:"daily_limit_gb"`
	SharedTodayGB  float64            `json:"shared_today_gb"`
	Tunnels        []SharerTunnelView `json:"tunnels"`
}

// SharerTunnelView describes one active tunnel owned by a sharer.
type SharerTunnelView struct {
	TunnelID        string    `json:"tunnel_id"`
	ClientID        string    `json:"client_id,omitempty"`
	BandwidthUsedGB float64   `json:"bandwidth_used_gb"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// Network is one entry of the discovery query: an eligible sharer with
// a privacy-redacted identifier and a coarse quality label.
type Network struct {
	SharerID    string  `json:"sharer_id"` // last 4 characters only
	AvailableGB float64 `json:"available_gb"`
	Quality     string  `json:"signal_quality"` // good | fair
}

// QualityLabel returns the coarse label used by the discovery query.
func QualityLabel(remainingGB float64) string {
	if remainingGB > 2 {
		return "good"
	}
	return "fair"
}

// RedactPeerID keeps only the last four characters of a peer identifier.
func RedactPeerID(id string) string {
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}
