// Package backend defines the capability interfaces the broker core
// consumes: the tunnel backend that materializes proxy instances at
// the hosting provider, and the quality prober that measures them.
// Both are opaque to the core and substitutable in tests.
package backend

import (
	"context"

	"github.com/netshare/netshare/internal/domain"
)

// Backend materializes and destroys tunnel instances. Implementations
// must bound every call by a timeout; a slow backend fails, never hangs.
type Backend interface {
	// CreateInstance provisions a tunnel instance for the sharer and
	// returns its opaque reference.
	CreateInstance(ctx context.Context, peerID string) (string, error)

	// DestroyInstance tears down a previously created instance.
	DestroyInstance(ctx context.Context, instance string) error
}

// Prober measures latency and throughput for a tunnel instance.
// Failures are reported as errors wrapping [domain.ErrProbeFailed];
// callers recover with fallback defaults.
type Prober interface {
	Probe(ctx context.Context, instance string) (domain.QualitySample, error)
}
