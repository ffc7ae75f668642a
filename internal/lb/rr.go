package lb

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/fabian4/edge-homebrew-go/internal/model"
)

type roundRobin struct {
	backends []model.BackendAddress
	next     atomic.Uint64
}

// NewRoundRobin cycles through backends in declaration order, ignoring weights.
func NewRoundRobin(backends []model.WeightedBackend) Balancer {
	return &roundRobin{backends: addrs(backends)}
}

func (r *roundRobin) Pick(PickContext) (model.BackendAddress, error) {
	n := uint64(len(r.backends))
	if n == 0 {
		return model.BackendAddress{}, ErrNoBackendsAvailable
	}
	// Add wraps at 2^64; the modulo keeps the sequence in range.
	i := (r.next.Add(1) - 1) % n
	return r.backends[i], nil
}

type ipHash struct {
	backends []model.BackendAddress
}

// NewIPHash maps each client IP to a fixed backend. The mapping depends only on
// the IP and the backend list, so it is stable across restarts and reloads
// that keep the list unchanged.
func NewIPHash(backends []model.WeightedBackend) Balancer {
	return &ipHash{backends: addrs(backends)}
}

func (h *ipHash) Pick(ctx PickContext) (model.BackendAddress, error) {
	n := uint64(len(h.backends))
	if n == 0 {
		return model.BackendAddress{}, ErrNoBackendsAvailable
	}
	// IPv4 and its IPv4-mapped IPv6 form hash the same.
	ip16 := ctx.ClientIP.As16()
	return h.backends[xxhash.Sum64(ip16[:])%n], nil
}

func addrs(backends []model.WeightedBackend) []model.BackendAddress {
	out := make([]model.BackendAddress, len(backends))
	for i, b := range backends {
		out[i] = b.Address
	}
	return out
}
