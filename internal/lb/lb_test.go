package lb

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/fabian4/edge-homebrew-go/internal/model"
)

func wb(host string, weight uint16) model.WeightedBackend {
	return model.WeightedBackend{
		Address: model.BackendAddress{Scheme: "http", Host: host, Port: 80},
		Weight:  weight,
	}
}

func TestSmoothWRR(t *testing.T) {
	b := NewSmoothWRR([]model.WeightedBackend{wb("a", 5), wb("b", 1), wb("c", 1)})

	// Total weight = 7
	// A (5, 1, 1) -> current: 5, 1, 1 -> best A (5) -> current: -2, 1, 1
	// A (5, 1, 1) -> current: 3, 2, 2 -> best A (3) -> current: -4, 2, 2
	// B (5, 1, 1) -> current: 1, 3, 3 -> best B (3) -> current: 1, -4, 3
	// A (5, 1, 1) -> current: 6, -3, 4 -> best A (6) -> current: -1, -3, 4
	// C (5, 1, 1) -> current: 4, -2, 5 -> best C (5) -> current: 4, -2, -2
	// A (5, 1, 1) -> current: 9, -1, -1 -> best A (9) -> current: 2, -1, -1
	// A (5, 1, 1) -> current: 7, 0, 0 -> best A (7) -> current: 0, 0, 0
	expected := []string{"a", "a", "b", "a", "c", "a", "a"}

	for i, want := range expected {
		got, err := b.Pick(PickContext{})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.Host != want {
			t.Errorf("step %d: got %s, want %s", i, got.Host, want)
		}
	}
}

func TestSmoothWRR_Fairness(t *testing.T) {
	b := NewSmoothWRR([]model.WeightedBackend{wb("a", 3), wb("b", 1)})

	counts := map[string]int{}
	run, maxRun := 0, 0
	prev := ""
	for i := 0; i < 400; i++ {
		got, _ := b.Pick(PickContext{})
		counts[got.Host]++
		if got.Host == prev {
			run++
		} else {
			run = 1
		}
		prev = got.Host
		if run > maxRun {
			maxRun = run
		}
		// every full window of 4 picks holds exactly 3 a and 1 b
		if (i+1)%4 == 0 {
			if counts["a"] != 3*(i+1)/4 || counts["b"] != (i+1)/4 {
				t.Fatalf("after %d picks: counts %v", i+1, counts)
			}
		}
	}
	if maxRun > 3 {
		t.Fatalf("max consecutive picks: got %d, want <= 3", maxRun)
	}
}

func TestSmoothWRR_Single(t *testing.T) {
	b := NewSmoothWRR([]model.WeightedBackend{wb("a", 1)})
	for i := 0; i < 10; i++ {
		if got, _ := b.Pick(PickContext{}); got.Host != "a" {
			t.Errorf("got %s, want a", got.Host)
		}
	}
}

func TestRoundRobin_Exact(t *testing.T) {
	b := NewRoundRobin([]model.WeightedBackend{wb("a", 9), wb("b", 1), wb("c", 1)})
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i, w := range want {
		got, err := b.Pick(PickContext{})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.Host != w {
			t.Fatalf("step %d: got %s, want %s", i, got.Host, w)
		}
	}
}

func TestRoundRobin_Concurrent(t *testing.T) {
	b := NewRoundRobin([]model.WeightedBackend{wb("a", 1), wb("b", 1)})
	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				got, _ := b.Pick(PickContext{})
				mu.Lock()
				counts[got.Host]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if counts["a"] != 400 || counts["b"] != 400 {
		t.Fatalf("counts: got %v, want 400/400", counts)
	}
}

func TestRoundRobin_Wraps(t *testing.T) {
	r := NewRoundRobin([]model.WeightedBackend{wb("a", 1), wb("b", 1), wb("c", 1)}).(*roundRobin)
	r.next.Store(^uint64(0))
	// cursor = MaxUint64, then wraps to 0
	first, _ := r.Pick(PickContext{})
	second, _ := r.Pick(PickContext{})
	if first.Host != "a" { // MaxUint64 % 3 == 0
		t.Fatalf("before wrap: got %s, want a", first.Host)
	}
	if second.Host != "a" {
		t.Fatalf("after wrap: got %s, want a", second.Host)
	}
}

func TestIPHash_Deterministic(t *testing.T) {
	backends := []model.WeightedBackend{wb("a", 1), wb("b", 1), wb("c", 1)}
	b1 := NewIPHash(backends)
	b2 := NewIPHash(backends) // fresh instance behaves the same

	ips := []string{"10.0.0.1", "10.0.0.2", "192.168.1.77", "2001:db8::1"}
	for _, s := range ips {
		ip := netip.MustParseAddr(s)
		first, err := b1.Pick(PickContext{ClientIP: ip})
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		for i := 0; i < 20; i++ {
			got, _ := b1.Pick(PickContext{ClientIP: ip})
			if got != first {
				t.Fatalf("%s: pick %d got %s, want %s", s, i, got, first)
			}
		}
		if got, _ := b2.Pick(PickContext{ClientIP: ip}); got != first {
			t.Fatalf("%s: other instance got %s, want %s", s, got, first)
		}
	}

	v4, _ := b1.Pick(PickContext{ClientIP: netip.MustParseAddr("10.0.0.1")})
	mapped, _ := b1.Pick(PickContext{ClientIP: netip.MustParseAddr("::ffff:10.0.0.1")})
	if v4 != mapped {
		t.Fatalf("ipv4-mapped: got %s, want %s", mapped, v4)
	}
}

func TestEmptyGroup(t *testing.T) {
	for _, alg := range []model.Algorithm{model.RoundRobin, model.WeightedRoundRobin, model.IPHash} {
		b := New(model.UpstreamGroup{Name: "empty", Algorithm: alg})
		_, err := b.Pick(PickContext{ClientIP: netip.MustParseAddr("10.0.0.1")})
		if !errors.Is(err, ErrNoBackendsAvailable) {
			t.Fatalf("%s: got %v, want ErrNoBackendsAvailable", alg, err)
		}
	}
}

func TestSingle(t *testing.T) {
	addr := model.BackendAddress{Scheme: "http", Host: "10.1.1.1", Port: 9000, PathPrefix: "/v1"}
	s := Single(addr)
	got, err := s.Pick(PickContext{})
	if err != nil || got != addr {
		t.Fatalf("Single: got %v, %v; want %v", got, err, addr)
	}
}
