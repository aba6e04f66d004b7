package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/netshare/netshare/internal/domain"
)

// probeMaxBytes caps how much of the probe payload is read for the
// throughput estimate.
const probeMaxBytes = 1 << 20

// HTTPProber measures a tunnel instance by timing a GET against the
// /probe endpoint every tunnel image serves: time to headers gives
// latency, payload drain time gives throughput.
type HTTPProber struct {
	// InstanceDomain is appended to the instance reference to form
	// its public hostname, e.g. "fly.dev".
	InstanceDomain string

	// Resolve overrides instance-to-URL resolution. Tests point it at
	// a local server.
	Resolve func(instance string) string

	HTTP *http.Client
	now  func() time.Time
}

// NewHTTPProber returns a prober with the given per-probe timeout.
func NewHTTPProber(instanceDomain string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		InstanceDomain: instanceDomain,
		HTTP:           &http.Client{Timeout: timeout},
		now:            time.Now,
	}
}

// Probe measures the instance. Every failure is reported wrapping
// [domain.ErrProbeFailed] so callers can fall back uniformly.
func (p *HTTPProber) Probe(ctx context.Context, instance string) (domain.QualitySample, error) {
	base := fmt.Sprintf("http://%s.%s", instance, p.InstanceDomain)
	if p.Resolve != nil {
		base = p.Resolve(instance)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/probe", nil)
	if err != nil {
		return domain.QualitySample{}, fmt.Errorf("probe %s: %v: %w", instance, err, domain.ErrProbeFailed)
	}

	start := p.now()
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return domain.QualitySample{}, fmt.Errorf("probe %s: %v: %w", instance, err, domain.ErrProbeFailed)
	}
	defer resp.Body.Close()
	latency := p.now().Sub(start)

	if resp.StatusCode != http.StatusOK {
		return domain.QualitySample{}, fmt.Errorf("probe %s: status %d: %w", instance, resp.StatusCode, domain.ErrProbeFailed)
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, probeMaxBytes))
	if err != nil {
		return domain.QualitySample{}, fmt.Errorf("probe %s: read payload: %v: %w", instance, err, domain.ErrProbeFailed)
	}
	elapsed := p.now().Sub(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	return domain.QualitySample{
		LatencyMs:      float64(latency) / float64(time.Millisecond),
		ThroughputMbps: float64(n) * 8 / elapsed.Seconds() / 1e6,
		MeasuredAt:     start,
	}, nil
}
