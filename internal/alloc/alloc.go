// Package alloc issues proxy credentials and ports for new tunnels.
//
// Ports are the scarce resource: they come from a bounded range and
// must be unique among active tunnels. Credentials only need enough
// entropy that collisions are negligible; the store does not enforce
// their uniqueness.
package alloc

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/netshare/netshare/internal/domain"
)

const (
	userAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	passAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	userLength = 8
	passLength = 12
)

// Credentials is one allocation result: a SOCKS5 username/password
// pair and a proxy port.
type Credentials struct {
	User string
	Pass string
	Port int
}

// PortLister reports the ports currently held by active tunnels.
// Implemented by the registry store.
type PortLister interface {
	ActivePorts(ctx context.Context) ([]int, error)
}

// Allocator hands out credentials and the first free port in [Min, Max).
type Allocator struct {
	Min   int
	Max   int
	Ports PortLister
}

// New returns an Allocator over the half-open port range [min, max).
func New(min, max int, ports PortLister) *Allocator {
	return &Allocator{Min: min, Max: max, Ports: ports}
}

// Allocate returns fresh credentials and a free port. The port search
// is a linear scan from Min upward; the first gap wins, which keeps
// allocation deterministic. Returns [domain.ErrPoolExhausted] when the
// range is full.
func (a *Allocator) Allocate(ctx context.Context) (Credentials, error) {
	user, err := randomString(userLength, userAlphabet)
	if err != nil {
		return Credentials{}, fmt.Errorf("generate username: %w", err)
	}
	pass, err := randomString(passLength, passAlphabet)
	if err != nil {
		return Credentials{}, fmt.Errorf("generate password: %w", err)
	}
	port, err := a.freePort(ctx)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{User: user, Pass: pass, Port: port}, nil
}

func (a *Allocator) freePort(ctx context.Context) (int, error) {
	active, err := a.Ports.ActivePorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active ports: %w", err)
	}
	used := make(map[int]struct{}, len(active))
	for _, p := range active {
		used[p] = struct{}{}
	}
	for port := a.Min; port < a.Max; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, fmt.Errorf("range [%d,%d): %w", a.Min, a.Max, domain.ErrPoolExhausted)
}

func randomString(n int, alphabet string) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
