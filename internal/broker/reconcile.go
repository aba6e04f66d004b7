package broker

import (
	"context"
	"errors"
	"time"

	"github.com/netshare/netshare/internal/domain"
)

const (
	defaultReconcileInterval = time.Minute
	defaultStaleness         = 5 * time.Minute

	reconcileBackoffBase = 10 * time.Second
	reconcileBackoffMax  = 5 * time.Minute
)

// RunReconciler periodically sweeps every bound client, terminates
// unstable tunnels, and rebinds affected clients to the least-loaded
// remaining sharer. It blocks until ctx is cancelled. Whole-pass
// failures back off exponentially; per-client failures never abort a
// pass.
func (b *Broker) RunReconciler(ctx context.Context, interval, staleness time.Duration) {
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if staleness <= 0 {
		staleness = defaultStaleness
	}

	b.log.Info("reconciler started", "interval", interval, "staleness", staleness)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	backoff := reconcileBackoffBase
	for {
		select {
		case <-ctx.Done():
			b.log.Info("reconciler stopped")
			return
		case <-ticker.C:
		}

		if err := b.ReconcileOnce(ctx, staleness); err != nil {
			if ctx.Err() != nil {
				b.log.Info("reconciler stopped")
				return
			}
			b.log.Error("reconcile pass failed", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				b.log.Info("reconciler stopped")
				return
			}
			backoff *= 2
			if backoff > reconcileBackoffMax {
				backoff = reconcileBackoffMax
			}
			continue
		}
		backoff = reconcileBackoffBase
	}
}

// ReconcileOnce runs a single reconciliation pass: a tunnel is
// unstable when it is no longer active or has not reported activity
// within the staleness window. Unstable tunnels are terminated and
// their clients rebound least-loaded, preferring a different sharer.
// Clients that cannot be rebound stay unbound until the next pass.
func (b *Broker) ReconcileOnce(ctx context.Context, staleness time.Duration) error {
	clients, err := b.store.BoundClients(ctx)
	if err != nil {
		return err
	}

	now := b.now()
	for _, client := range clients {
		tun, err := b.store.TunnelByID(ctx, client.ActiveTunnelID)
		if err != nil {
			b.log.Error("reconcile: load tunnel",
				"client", domain.RedactPeerID(client.ID), "tunnel", client.ActiveTunnelID, "error", err)
			continue
		}
		if tun.Active() && now.Sub(tun.LastActiveAt) <= staleness {
			continue
		}

		b.log.Warn("tunnel unstable",
			"tunnel", tun.ID, "sharer", domain.RedactPeerID(tun.SharerID),
			"client", domain.RedactPeerID(client.ID),
			"idle", now.Sub(tun.LastActiveAt).Truncate(time.Second), "status", tun.Status)

		if err := b.Terminate(ctx, tun.ID); err != nil {
			b.log.Error("reconcile: terminate", "tunnel", tun.ID, "error", err)
			continue
		}
		b.rebind(ctx, client.ID, tun.SharerID)
	}
	return nil
}

// rebind connects the client to the least-loaded sharer, avoiding the
// sharer whose tunnel just failed when any other candidate exists.
func (b *Broker) rebind(ctx context.Context, clientID, failedSharer string) {
	cand, err := b.SelectSharer(ctx, PolicyLeastLoaded, failedSharer)
	if errors.Is(err, domain.ErrNoneAvailable) {
		cand, err = b.SelectSharer(ctx, PolicyLeastLoaded, "")
	}
	if errors.Is(err, domain.ErrNoneAvailable) {
		b.log.Info("no sharer available for rebind", "client", domain.RedactPeerID(clientID))
		return
	}
	if err != nil {
		b.log.Error("reconcile: select sharer", "client", domain.RedactPeerID(clientID), "error", err)
		return
	}

	if _, err := b.Connect(ctx, clientID, cand.ID); err != nil {
		b.log.Error("reconcile: rebind failed",
			"client", domain.RedactPeerID(clientID), "sharer", domain.RedactPeerID(cand.ID), "error", err)
		return
	}
	b.log.Info("client rebound",
		"client", domain.RedactPeerID(clientID), "sharer", domain.RedactPeerID(cand.ID))
}

// sleepCtx sleeps for d or until ctx is done; reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
