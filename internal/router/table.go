package router

import (
	"crypto/tls"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/fabian4/edge-homebrew-go/internal/lb"
	"github.com/fabian4/edge-homebrew-go/internal/model"
)

// Table is one immutable routing generation.
type Table struct {
	ID        uint64
	Hosts     []*model.VirtualHost // declaration order
	Upstreams map[string]model.UpstreamGroup

	balancers map[string]lb.Balancer
	binds     map[string]*bindSet
}

// Bind describes one listening socket required by a generation.
type Bind struct {
	Addr         string
	TLS          bool
	Fingerprint  string // combined fingerprint of all certificates on the bind; empty for plain
	Certificates []tls.Certificate
	Timeout      time.Duration // longest host timeout on the bind
}

// Key identifies a listener across generations. Equal keys mean the socket can
// be kept as is.
func (b Bind) Key() string {
	if !b.TLS {
		return b.Addr
	}
	return b.Addr + "#" + b.Fingerprint
}

type wildcardHost struct {
	suffix string // "example.com" for "*.example.com"
	vh     *model.VirtualHost
}

type bindSet struct {
	Bind
	byName   map[string]*model.VirtualHost
	wildcard []wildcardHost // longest suffix first
	def      *model.VirtualHost
}

// Binds returns the listeners this generation needs, ordered by address.
func (t *Table) Binds() []Bind {
	out := make([]Bind, 0, len(t.binds))
	for _, b := range t.binds {
		out = append(out, b.Bind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Balancer returns the balancer for a named upstream group.
func (t *Table) Balancer(name string) (lb.Balancer, bool) {
	b, ok := t.balancers[name]
	return b, ok
}

// Picker returns the backend picker for a proxy route: the group balancer or a
// fixed backend for proxy_pass.
func (t *Table) Picker(r *model.Route) (lb.Balancer, bool) {
	if r == nil || r.Proxy == nil {
		return nil, false
	}
	if r.Proxy.Backend != nil {
		return lb.Single(*r.Proxy.Backend), true
	}
	return t.Balancer(r.Proxy.Upstream)
}

// Group returns the upstream group by name.
func (t *Table) Group(name string) (model.UpstreamGroup, bool) {
	g, ok := t.Upstreams[name]
	return g, ok
}

// Host resolves the virtual host for a request that arrived on bind with the
// given Host header (or SNI name). Exact server_name wins, then the most
// specific wildcard, then the bind's default host.
func (t *Table) Host(bind, host string) *model.VirtualHost {
	bs := t.binds[bind]
	if bs == nil {
		return nil
	}
	h := strings.ToLower(hostOnly(host))
	if vh := bs.byName[h]; vh != nil {
		return vh
	}
	for _, w := range bs.wildcard {
		if wildcardHostMatch(h, w.suffix) {
			return w.vh
		}
	}
	return bs.def
}

// Match resolves the virtual host and the longest matching route. Either
// return value may be nil.
func (t *Table) Match(bind, host, path string) (*model.VirtualHost, *model.Route) {
	vh := t.Host(bind, host)
	if vh == nil {
		return nil, nil
	}
	return vh, MatchRoute(vh.Routes, path)
}

// MatchRoute returns the first route whose location is a segment prefix of
// path. Routes must be sorted longest location first.
func MatchRoute(rs []model.Route, path string) *model.Route {
	if path == "" {
		path = "/"
	}
	for i := range rs {
		if pathPrefixMatch(path, rs[i].Location) {
			return &rs[i]
		}
	}
	return nil
}

// pathPrefixMatch ensures the location behaves like a path-segment prefix, not a raw string prefix.
// Examples:
//
//	prefix="/api"  matches "/api", "/api/", "/api/v1" but NOT "/apiary"
//	prefix="/api/" matches "/api/v1", "/api/foo" but NOT "/api"
//	prefix="/"     matches everything.
func pathPrefixMatch(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// wildcardHostMatch implements "*.example.com" semantics:
//   - "api.example.com" matches suffix "example.com"
//   - "example.com" does NOT match suffix "example.com"
//   - "deep.api.example.com" also matches suffix "example.com"
func wildcardHostMatch(host, suffix string) bool {
	if host == "" || suffix == "" || len(host) <= len(suffix) {
		return false
	}
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	return host[len(host)-len(suffix)-1] == '.'
}

func hostOnly(h string) string {
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
}
