package lb

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/fabian4/edge-homebrew-go/internal/model"
)

// ErrNoBackendsAvailable is returned by Pick when the group has no members.
var ErrNoBackendsAvailable = errors.New("lb: no backends available")

// PickContext carries the per-request inputs an algorithm may use.
type PickContext struct {
	ClientIP netip.Addr
}

// Balancer picks one backend per request. Implementations are safe for
// concurrent use; their state lives as long as one routing generation.
type Balancer interface {
	Pick(ctx PickContext) (model.BackendAddress, error)
}

// New returns the balancer for g's algorithm.
func New(g model.UpstreamGroup) Balancer {
	switch g.Algorithm {
	case model.RoundRobin:
		return NewRoundRobin(g.Backends)
	case model.IPHash:
		return NewIPHash(g.Backends)
	default:
		return NewSmoothWRR(g.Backends)
	}
}

// Single always returns the same backend; used for proxy_pass routes.
type Single model.BackendAddress

func (s Single) Pick(PickContext) (model.BackendAddress, error) {
	return model.BackendAddress(s), nil
}

type smoothWRR struct {
	mu    sync.Mutex
	peers []*peer
	total int
}

type peer struct {
	addr          model.BackendAddress
	weight        int
	currentWeight int
}

// NewSmoothWRR returns a smooth weighted round robin balancer (nginx style):
// over every window of sum(weights) picks, each backend is chosen exactly
// weight times, and heavy backends are interleaved rather than bunched.
func NewSmoothWRR(backends []model.WeightedBackend) Balancer {
	peers := make([]*peer, len(backends))
	total := 0
	for i, b := range backends {
		w := int(b.Weight)
		if w <= 0 {
			w = 1
		}
		peers[i] = &peer{addr: b.Address, weight: w}
		total += w
	}
	return &smoothWRR{peers: peers, total: total}
}

func (b *smoothWRR) Pick(PickContext) (model.BackendAddress, error) {
	if len(b.peers) == 0 {
		return model.BackendAddress{}, ErrNoBackendsAvailable
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *peer
	for _, p := range b.peers {
		p.currentWeight += p.weight
		if best == nil || p.currentWeight > best.currentWeight {
			best = p
		}
	}
	best.currentWeight -= b.total
	return best.addr, nil
}
