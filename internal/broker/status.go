package broker

import (
	"context"
	"net"
	"strconv"

	"github.com/netshare/netshare/internal/domain"
)

// ClientStatus returns the client's view of its bound tunnel, if any.
// An unbound client gets a status with a nil tunnel, not an error.
func (b *Broker) ClientStatus(ctx context.Context, clientID string) (domain.ClientStatus, error) {
	client, err := b.store.PeerByID(ctx, clientID)
	if err != nil {
		return domain.ClientStatus{}, err
	}
	if client.Role != domain.RoleClient {
		return domain.ClientStatus{}, domain.ErrWrongRole
	}

	status := domain.ClientStatus{PeerID: client.ID, Role: client.Role}
	if client.ActiveTunnelID == "" {
		return status, nil
	}
	tun, err := b.store.TunnelByID(ctx, client.ActiveTunnelID)
	if err != nil {
		return domain.ClientStatus{}, err
	}
	status.Tunnel = &domain.ClientTunnelView{
		TunnelID:        tun.ID,
		SharerID:        domain.RedactPeerID(tun.SharerID),
		Status:          tun.Status,
		BandwidthUsedGB: tun.BandwidthUsedGB,
		ProxyEndpoint:   b.proxyEndpoint(tun),
		ProxyUser:       tun.ProxyUser,
		ProxyPass:       tun.ProxyPass,
	}
	return status, nil
}

// SharerStatus returns the sharer's quota counters and active tunnels.
// Client identifiers in the tunnel list are redacted to their last
// four characters.
func (b *Broker) SharerStatus(ctx context.Context, sharerID string) (domain.SharerStatus, error) {
	sharer, err := b.store.PeerByID(ctx, sharerID)
	if err != nil {
		return domain.SharerStatus{}, err
	}
	if sharer.Role != domain.RoleSharer {
		return domain.SharerStatus{}, domain.ErrWrongRole
	}

	tunnels, err := b.store.ActiveTunnelsBySharer(ctx, sharerID)
	if err != nil {
		return domain.SharerStatus{}, err
	}
	views := make([]domain.SharerTunnelView, 0, len(tunnels))
	for _, tun := range tunnels {
		clientID := ""
		if tun.ClientID != "" {
			clientID = domain.RedactPeerID(tun.ClientID)
		}
		views = append(views, domain.SharerTunnelView{
			TunnelID:        tun.ID,
			ClientID:        clientID,
			BandwidthUsedGB: tun.BandwidthUsedGB,
			CreatedAt:       tun.CreatedAt,
			LastActiveAt:    tun.LastActiveAt,
		})
	}
	return domain.SharerStatus{
		PeerID:         sharer.ID,
		Role:           sharer.Role,
		SharingEnabled: sharer.SharingEnabled,
		DailyLimitGB:   sharer.DailyLimitGB,
		SharedTodayGB:  sharer.SharedTodayGB,
		Tunnels:        views,
	}, nil
}

// AvailableNetworks is the discovery query: every eligible sharer with
// a redacted identifier, remaining quota, and a coarse quality label.
func (b *Broker) AvailableNetworks(ctx context.Context) ([]domain.Network, error) {
	sharers, err := b.store.EligibleSharers(ctx)
	if err != nil {
		return nil, err
	}
	networks := make([]domain.Network, 0, len(sharers))
	for _, s := range sharers {
		remaining := s.RemainingGB()
		networks = append(networks, domain.Network{
			SharerID:    domain.RedactPeerID(s.ID),
			AvailableGB: remaining,
			Quality:     domain.QualityLabel(remaining),
		})
	}
	return networks, nil
}

func (b *Broker) proxyEndpoint(tun domain.Tunnel) string {
	return net.JoinHostPort(tun.Instance+"."+b.instanceDomain, strconv.Itoa(tun.Port))
}
