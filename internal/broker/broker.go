// Package broker is the coordination core: it matches clients to
// sharers, drives tunnel lifecycles against the hosting backend, and
// runs the reconciliation and daily reset loops. All state lives in
// the registry store; the broker itself is stateless and safe for
// concurrent use.
package broker

import (
	"log/slog"
	"time"

	"github.com/netshare/netshare/internal/alloc"
	"github.com/netshare/netshare/internal/backend"
	"github.com/netshare/netshare/internal/qualitycache"
	"github.com/netshare/netshare/internal/store/sqlite"
)

const (
	defaultBackendTimeout = 15 * time.Second
	defaultProbeTimeout   = 5 * time.Second
	defaultInstanceDomain = "fly.dev"
)

// Options carries the broker's tunables. Zero values fall back to
// production defaults.
type Options struct {
	// InstanceDomain is appended to instance references to form the
	// proxy endpoint host.
	InstanceDomain string
	// BackendTimeout bounds create/destroy calls to the backend.
	BackendTimeout time.Duration
	// ProbeTimeout bounds quality probes during matching.
	ProbeTimeout time.Duration
}

// Broker wires the registry, allocator, backend, and prober together.
type Broker struct {
	store   *sqlite.Store
	backend backend.Backend
	prober  backend.Prober
	quality *qualitycache.Cache // nil disables caching
	alloc   *alloc.Allocator
	log     *slog.Logger

	instanceDomain string
	backendTimeout time.Duration
	probeTimeout   time.Duration

	now func() time.Time
}

// New builds a Broker. The quality cache is optional; pass nil to
// probe on every scored matching pass.
func New(store *sqlite.Store, be backend.Backend, prober backend.Prober,
	quality *qualitycache.Cache, allocator *alloc.Allocator, logger *slog.Logger, opts Options) *Broker {
	if opts.InstanceDomain == "" {
		opts.InstanceDomain = defaultInstanceDomain
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = defaultBackendTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	return &Broker{
		store:          store,
		backend:        be,
		prober:         prober,
		quality:        quality,
		alloc:          allocator,
		log:            logger,
		instanceDomain: opts.InstanceDomain,
		backendTimeout: opts.BackendTimeout,
		probeTimeout:   opts.ProbeTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying registry for read paths that need it
// directly, such as peer registration handlers.
func (b *Broker) Store() *sqlite.Store {
	return b.store
}
