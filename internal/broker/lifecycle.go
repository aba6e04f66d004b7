package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/netshare/netshare/internal/domain"
)

// createTunnel retries allocation this many times when a concurrent
// create wins the same port.
const portRetries = 3

// StartSharing provisions a tunnel instance for the sharer and enables
// sharing. The flag only flips after the backend and registry both
// succeed, so a backend outage leaves the sharer exactly as it was.
func (b *Broker) StartSharing(ctx context.Context, sharerID string) (domain.Tunnel, error) {
	sharer, err := b.store.PeerByID(ctx, sharerID)
	if err != nil {
		return domain.Tunnel{}, err
	}
	if sharer.Role != domain.RoleSharer {
		return domain.Tunnel{}, domain.ErrWrongRole
	}
	if sharer.SharingEnabled {
		return domain.Tunnel{}, domain.ErrAlreadySharing
	}

	tun, err := b.provisionTunnel(ctx, sharerID)
	if err != nil {
		return domain.Tunnel{}, err
	}
	if err := b.store.SetSharing(ctx, sharerID, true); err != nil {
		b.destroyInstance(tun.Instance)
		_ = b.store.SetTunnelTerminated(ctx, tun.ID)
		return domain.Tunnel{}, err
	}
	b.log.Info("sharing started",
		"sharer", domain.RedactPeerID(sharerID), "tunnel", tun.ID, "port", tun.Port)
	return tun, nil
}

// StopSharing disables sharing and tears down every active tunnel the
// sharer serves, including bound ones. Backend destroy failures are
// logged; the registry is cleaned up regardless.
func (b *Broker) StopSharing(ctx context.Context, sharerID string) error {
	sharer, err := b.store.PeerByID(ctx, sharerID)
	if err != nil {
		return err
	}
	if sharer.Role != domain.RoleSharer {
		return domain.ErrWrongRole
	}
	if !sharer.SharingEnabled {
		return domain.ErrNotSharing
	}

	if err := b.store.SetSharing(ctx, sharerID, false); err != nil {
		return err
	}
	tunnels, err := b.store.ActiveTunnelsBySharer(ctx, sharerID)
	if err != nil {
		return err
	}
	for _, tun := range tunnels {
		if err := b.Terminate(ctx, tun.ID); err != nil {
			b.log.Error("terminate tunnel on stop", "tunnel", tun.ID, "error", err)
		}
	}
	b.log.Info("sharing stopped",
		"sharer", domain.RedactPeerID(sharerID), "tunnels_closed", len(tunnels))
	return nil
}

// Connect binds the client to a tunnel served by the given sharer. The
// capacity check happens before anything else; a sharer that is
// disabled or over quota returns [domain.ErrNoCapacity] with the
// client's existing binding untouched. An existing binding to another
// tunnel is released, and the old tunnel stays active for reuse.
func (b *Broker) Connect(ctx context.Context, clientID, sharerID string) (domain.Tunnel, error) {
	client, err := b.store.PeerByID(ctx, clientID)
	if err != nil {
		return domain.Tunnel{}, err
	}
	if client.Role != domain.RoleClient {
		return domain.Tunnel{}, domain.ErrWrongRole
	}
	sharer, err := b.store.PeerByID(ctx, sharerID)
	if err != nil {
		return domain.Tunnel{}, err
	}
	if sharer.Role != domain.RoleSharer {
		return domain.Tunnel{}, domain.ErrWrongRole
	}
	if !sharer.SharingEnabled || sharer.OverQuota() {
		return domain.Tunnel{}, domain.ErrNoCapacity
	}

	if client.ActiveTunnelID != "" {
		if _, err := b.store.UnbindClient(ctx, clientID); err != nil && !errors.Is(err, domain.ErrNotConnected) {
			return domain.Tunnel{}, err
		}
	}

	tun, err := b.bindToSharer(ctx, clientID, sharerID)
	if err != nil {
		return domain.Tunnel{}, err
	}
	b.log.Info("client connected",
		"client", domain.RedactPeerID(clientID),
		"sharer", domain.RedactPeerID(sharerID), "tunnel", tun.ID)
	return tun, nil
}

// bindToSharer reuses the sharer's free tunnel or provisions a new
// one, then binds. Losing a bind race on the reused tunnel falls back
// to provisioning a fresh one.
func (b *Broker) bindToSharer(ctx context.Context, clientID, sharerID string) (domain.Tunnel, error) {
	tun, err := b.store.UnboundActiveTunnelBySharer(ctx, sharerID)
	switch {
	case err == nil:
		err = b.store.BindClient(ctx, tun.ID, clientID)
		if err == nil {
			return b.store.TunnelByID(ctx, tun.ID)
		}
		if !errors.Is(err, domain.ErrTunnelBusy) && !errors.Is(err, domain.ErrTunnelNotFound) {
			return domain.Tunnel{}, err
		}
		// Lost the race for the free tunnel; provision our own.
	case errors.Is(err, domain.ErrTunnelNotFound):
	default:
		return domain.Tunnel{}, err
	}

	tun, err = b.provisionTunnel(ctx, sharerID)
	if err != nil {
		return domain.Tunnel{}, err
	}
	if err := b.store.BindClient(ctx, tun.ID, clientID); err != nil {
		b.destroyInstance(tun.Instance)
		_ = b.store.SetTunnelTerminated(ctx, tun.ID)
		return domain.Tunnel{}, err
	}
	return b.store.TunnelByID(ctx, tun.ID)
}

// ConnectBest picks a sharer under the policy and connects. Candidates
// that lose capacity or bind races between ranking and binding are
// skipped in rank order; [domain.ErrNoneAvailable] when every
// candidate is gone.
func (b *Broker) ConnectBest(ctx context.Context, clientID, policy string) (domain.Tunnel, error) {
	ranked, err := b.rankedSharers(ctx, policy, "")
	if err != nil {
		return domain.Tunnel{}, err
	}
	for _, cand := range ranked {
		tun, err := b.Connect(ctx, clientID, cand.ID)
		if errors.Is(err, domain.ErrNoCapacity) || errors.Is(err, domain.ErrTunnelBusy) {
			continue
		}
		return tun, err
	}
	return domain.Tunnel{}, domain.ErrNoneAvailable
}

// Disconnect releases the client's binding. The tunnel stays active
// and reusable by the next client; only reconciliation or the sharer
// stopping tears it down. Returns [domain.ErrNotConnected] when the
// client holds no tunnel.
func (b *Broker) Disconnect(ctx context.Context, clientID string) error {
	client, err := b.store.PeerByID(ctx, clientID)
	if err != nil {
		return err
	}
	if client.Role != domain.RoleClient {
		return domain.ErrWrongRole
	}
	tun, err := b.store.UnbindClient(ctx, clientID)
	if err != nil {
		return err
	}
	b.log.Info("client disconnected",
		"client", domain.RedactPeerID(clientID), "tunnel", tun.ID)
	return nil
}

// ReportUsage ingests a bandwidth report from a tunnel instance,
// authenticated as the serving sharer. It adds to the tunnel and
// sharer counters and refreshes the tunnel's activity timestamp, which
// is what keeps a healthy tunnel out of the reconciler's stale set.
func (b *Broker) ReportUsage(ctx context.Context, sharerID, tunnelID string, gb float64) error {
	tun, err := b.store.TunnelByID(ctx, tunnelID)
	if err != nil {
		return err
	}
	if tun.SharerID != sharerID || !tun.Active() {
		return domain.ErrTunnelNotFound
	}
	return b.store.RecordUsage(ctx, tunnelID, gb)
}

// Terminate tears a tunnel down: backend instance destroyed, status
// flipped to terminated, any client binding cleared on both sides.
// Destroy failures are logged and tolerated so a dead backend cannot
// pin registry state. Idempotent.
func (b *Broker) Terminate(ctx context.Context, tunnelID string) error {
	tun, err := b.store.TunnelByID(ctx, tunnelID)
	if err != nil {
		return err
	}
	if !tun.Active() {
		return nil
	}

	b.destroyInstance(tun.Instance)
	if err := b.store.SetTunnelTerminated(ctx, tunnelID); err != nil {
		return &domain.TunnelError{TunnelID: tunnelID, Op: "terminate", Err: err}
	}
	if b.quality != nil {
		if err := b.quality.Invalidate(ctx, tun.Instance); err != nil {
			b.log.Debug("invalidate quality sample", "instance", tun.Instance, "error", err)
		}
	}
	b.log.Info("tunnel terminated", "tunnel", tunnelID, "instance", tun.Instance)
	return nil
}

// provisionTunnel creates a backend instance and registers an active
// unbound tunnel for it, retrying port collisions. The instance is
// destroyed again if registration ultimately fails.
func (b *Broker) provisionTunnel(ctx context.Context, sharerID string) (domain.Tunnel, error) {
	bctx, cancel := context.WithTimeout(ctx, b.backendTimeout)
	instance, err := b.backend.CreateInstance(bctx, sharerID)
	cancel()
	if err != nil {
		return domain.Tunnel{}, err
	}

	var lastErr error
	for attempt := 0; attempt < portRetries; attempt++ {
		creds, err := b.alloc.Allocate(ctx)
		if err != nil {
			lastErr = err
			break
		}
		now := b.now()
		tun := domain.Tunnel{
			ID:           uuid.NewString(),
			SharerID:     sharerID,
			Status:       domain.TunnelStatusActive,
			Instance:     instance,
			Port:         creds.Port,
			ProxyUser:    creds.User,
			ProxyPass:    creds.Pass,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		err = b.store.CreateTunnel(ctx, tun)
		if err == nil {
			return tun, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrPortInUse) {
			break
		}
	}

	b.destroyInstance(instance)
	return domain.Tunnel{}, fmt.Errorf("provision tunnel for sharer %s: %w",
		domain.RedactPeerID(sharerID), lastErr)
}

// destroyInstance is the best-effort backend teardown used by cleanup
// paths. It runs on a fresh timeout so a cancelled request context
// cannot leak instances.
func (b *Broker) destroyInstance(instance string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.backendTimeout)
	defer cancel()
	if err := b.backend.DestroyInstance(ctx, instance); err != nil {
		b.log.Warn("destroy instance", "instance", instance, "error", err)
	}
}
