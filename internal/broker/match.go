package broker

import (
	"context"
	"sort"

	"github.com/netshare/netshare/internal/domain"
)

// Matching policies.
const (
	// PolicyLeastLoaded ranks sharers by used fraction of their daily
	// quota, ascending. Used by reconciliation rebinds.
	PolicyLeastLoaded = "least_loaded"
	// PolicyScored ranks sharers by a weighted quality/load score.
	// The default for client connects.
	PolicyScored = "scored"
)

// Fallback quality assumed for sharers with no measurements.
const (
	fallbackLatencyMs      = 100
	fallbackThroughputMbps = 5
)

// Normalization ceilings for the scored policy.
const (
	latencyCeilingMs      = 300
	throughputCeilingMbps = 50
)

// Score computes the scored-policy rank of a candidate. Higher is
// better. Latency above the ceiling scores as the ceiling; throughput
// normalizes against 50 Mbps and saturates at 1.
func Score(latencyMs, throughputMbps, loadRatio float64) float64 {
	tn := throughputMbps / throughputCeilingMbps
	if tn > 1 {
		tn = 1
	}
	l := latencyMs
	if l > latencyCeilingMs {
		l = latencyCeilingMs
	}
	ln := l / latencyCeilingMs
	return 0.5*tn + 0.3*(1-ln) + 0.2*(1-loadRatio)
}

// SelectSharer picks the best eligible sharer under the given policy,
// skipping exclude (pass "" to consider everyone). Returns
// [domain.ErrNoneAvailable] when no eligible sharer remains.
func (b *Broker) SelectSharer(ctx context.Context, policy, exclude string) (domain.Peer, error) {
	ranked, err := b.rankedSharers(ctx, policy, exclude)
	if err != nil {
		return domain.Peer{}, err
	}
	return ranked[0], nil
}

// rankedSharers returns the eligible sharers ordered best-first under
// the policy. Connect fallbacks walk the whole ranking.
func (b *Broker) rankedSharers(ctx context.Context, policy, exclude string) ([]domain.Peer, error) {
	candidates, err := b.store.EligibleSharers(ctx)
	if err != nil {
		return nil, err
	}
	if exclude != "" {
		kept := candidates[:0]
		for _, c := range candidates {
			if c.ID != exclude {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoneAvailable
	}

	switch policy {
	case PolicyScored:
		scores := make(map[string]float64, len(candidates))
		for _, c := range candidates {
			q := b.sharerQuality(ctx, c)
			scores[c.ID] = Score(q.LatencyMs, q.ThroughputMbps, c.LoadRatio())
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, z := candidates[i], candidates[j]
			if scores[a.ID] != scores[z.ID] {
				return scores[a.ID] > scores[z.ID]
			}
			if a.LoadRatio() != z.LoadRatio() {
				return a.LoadRatio() < z.LoadRatio()
			}
			return a.ID < z.ID
		})
	default: // PolicyLeastLoaded
		sort.Slice(candidates, func(i, j int) bool {
			a, z := candidates[i], candidates[j]
			if a.LoadRatio() != z.LoadRatio() {
				return a.LoadRatio() < z.LoadRatio()
			}
			return a.ID < z.ID
		})
	}
	return candidates, nil
}

// sharerQuality returns the freshest quality estimate for a sharer:
// cached sample, then a live probe of its most recent tunnel, then the
// tunnel's last stored measurement, then the fallback defaults. A
// sharer with no tunnel yet scores on the defaults alone.
func (b *Broker) sharerQuality(ctx context.Context, sharer domain.Peer) domain.QualitySample {
	fallback := domain.QualitySample{LatencyMs: fallbackLatencyMs, ThroughputMbps: fallbackThroughputMbps}

	tunnels, err := b.store.ActiveTunnelsBySharer(ctx, sharer.ID)
	if err != nil || len(tunnels) == 0 {
		return fallback
	}
	tun := tunnels[0]

	if b.quality != nil {
		if sample, ok := b.quality.Get(ctx, tun.Instance); ok {
			return sample
		}
	}

	pctx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()
	sample, err := b.prober.Probe(pctx, tun.Instance)
	if err != nil {
		b.log.Debug("probe failed, using last known quality",
			"sharer", domain.RedactPeerID(sharer.ID), "instance", tun.Instance, "error", err)
		if tun.LatencyMs > 0 || tun.ThroughputMbps > 0 {
			return domain.QualitySample{LatencyMs: tun.LatencyMs, ThroughputMbps: tun.ThroughputMbps}
		}
		return fallback
	}

	if err := b.store.RecordQuality(ctx, tun.ID, sample); err != nil {
		b.log.Warn("record quality", "tunnel", tun.ID, "error", err)
	}
	if b.quality != nil {
		if err := b.quality.Put(ctx, tun.Instance, sample); err != nil {
			b.log.Debug("cache quality sample", "instance", tun.Instance, "error", err)
		}
	}
	return sample
}
