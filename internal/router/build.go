package router

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fabian4/edge-homebrew-go/internal/config"
	"github.com/fabian4/edge-homebrew-go/internal/lb"
	"github.com/fabian4/edge-homebrew-go/internal/logging"
	"github.com/fabian4/edge-homebrew-go/internal/model"
)

const (
	MaxWeight      = 255
	MaxTotalWeight = 1 << 24
)

// Validation rule names carried by ConfigError.
const (
	RuleUpstreamRef       = "upstream_ref"
	RuleBackends          = "backends"
	RuleTLS               = "tls"
	RuleDuplicateLocation = "duplicate_location"
	RuleLocation          = "location"
	RulePositive          = "positive"
	RuleRouteKind         = "route_kind"
	RuleBind              = "bind"
	RuleUpstream          = "upstream"
	RuleRedirect          = "redirect"
	RuleRateLimit         = "rate_limit"
	RuleErrorPage         = "error_page"
	RuleLogLevel          = "log_level"
)

// ConfigError is one semantic validation failure.
type ConfigError struct {
	Rule   string
	Entity string // e.g. "host[0].route[2]"
	Msg    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Entity, e.Msg, e.Rule)
}

var knownProtos = map[string]bool{"http1": true, "auto": true, "h2c": true}

type builder struct {
	errs []error
}

func (b *builder) fail(rule, entity, format string, args ...any) {
	b.errs = append(b.errs, &ConfigError{Rule: rule, Entity: entity, Msg: fmt.Sprintf(format, args...)})
}

// Build validates cfg and returns generation prevID+1. On any failure it
// returns every ConfigError found, joined, and no table.
func Build(cfg *config.Config, prevID uint64) (*Table, error) {
	b := &builder{}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		b.fail(RuleLogLevel, "log_level", "%v", err)
	}
	groups := b.upstreams(cfg.Upstreams)
	hosts := make([]*model.VirtualHost, 0, len(cfg.Hosts))
	for i := range cfg.Hosts {
		if vh := b.host(i, &cfg.Hosts[i], groups); vh != nil {
			hosts = append(hosts, vh)
		}
	}
	binds := b.binds(hosts)

	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	balancers := make(map[string]lb.Balancer, len(groups))
	for name, g := range groups {
		balancers[name] = lb.New(g)
	}
	return &Table{
		ID:        prevID + 1,
		Hosts:     hosts,
		Upstreams: groups,
		balancers: balancers,
		binds:     binds,
	}, nil
}

func (b *builder) upstreams(raw []config.Upstream) map[string]model.UpstreamGroup {
	groups := make(map[string]model.UpstreamGroup, len(raw))
	for i, u := range raw {
		ent := fmt.Sprintf("upstream[%d]", i)
		name := strings.TrimSpace(u.Name)
		if name == "" {
			b.fail(RuleUpstream, ent, "name is required")
			continue
		}
		ent = fmt.Sprintf("upstream[%d](%s)", i, name)
		if _, dup := groups[name]; dup {
			b.fail(RuleUpstream, ent, "duplicate name %q", name)
			continue
		}
		alg, ok := parseMethod(u.Method)
		if !ok {
			b.fail(RuleUpstream, ent, "unknown method %q", u.Method)
		}
		proto := strings.ToLower(strings.TrimSpace(u.Proto))
		if proto == "" {
			proto = config.DefaultProto
		}
		if !knownProtos[proto] {
			b.fail(RuleUpstream, ent, "unknown proto %q", u.Proto)
		}
		if len(u.Server) == 0 {
			b.fail(RuleBackends, ent, "server list is empty")
		}
		g := model.UpstreamGroup{Name: name, Algorithm: alg, Proto: proto}
		total := 0
		for j, s := range u.Server {
			sent := fmt.Sprintf("%s.server[%d]", ent, j)
			addr, err := ParseBackend(s.Server)
			if err != nil {
				b.fail(RuleUpstream, sent, "%v", err)
				continue
			}
			w := config.DefaultWeight
			if s.Weight != nil {
				w = *s.Weight
			}
			if w < 1 || w > MaxWeight {
				b.fail(RuleBackends, sent, "weight %d out of range 1..%d", w, MaxWeight)
				continue
			}
			total += w
			g.Backends = append(g.Backends, model.WeightedBackend{Address: addr, Weight: uint16(w)})
		}
		if total > MaxTotalWeight {
			b.fail(RuleBackends, ent, "total weight %d exceeds %d", total, MaxTotalWeight)
		}
		groups[name] = g
	}
	return groups
}

func (b *builder) host(i int, h *config.Host, groups map[string]model.UpstreamGroup) *model.VirtualHost {
	ent := fmt.Sprintf("host[%d]", i)
	ip := strings.TrimSpace(h.IP)
	if ip == "" {
		ip = "0.0.0.0"
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		b.fail(RuleBind, ent, "invalid ip %q", h.IP)
	}
	if h.Port < 1 || h.Port > 65535 {
		b.fail(RuleBind, ent, "port %d out of range", h.Port)
	}
	vh := &model.VirtualHost{
		IP:         ip,
		Port:       uint16(h.Port),
		ServerName: strings.ToLower(strings.TrimSpace(h.ServerName)),
		Timeout:    b.seconds(ent, "timeout", h.Timeout, config.DefaultHostTimeout),
		Headers:    h.Headers.HTTP(),
	}
	if h.SSL {
		vh.TLS = b.tlsMaterial(ent, h.Certificate, h.CertificateKey)
	}

	seen := make(map[string]bool, len(h.Route))
	for j := range h.Route {
		rent := fmt.Sprintf("%s.route[%d]", ent, j)
		r := &h.Route[j]
		loc := strings.TrimSpace(r.Location)
		if !strings.HasPrefix(loc, "/") {
			b.fail(RuleLocation, rent, "location %q must start with '/'", r.Location)
			continue
		}
		if seen[loc] {
			b.fail(RuleDuplicateLocation, rent, "duplicate location %q", loc)
			continue
		}
		seen[loc] = true
		if rt, ok := b.route(rent, loc, r, groups); ok {
			vh.Routes = append(vh.Routes, rt)
		}
	}
	// longest location first; declaration order breaks ties
	sort.SliceStable(vh.Routes, func(a, c int) bool {
		return len(vh.Routes[a].Location) > len(vh.Routes[c].Location)
	})
	return vh
}

func (b *builder) route(ent, loc string, r *config.Route, groups map[string]model.UpstreamGroup) (model.Route, bool) {
	rt := model.Route{Location: loc, Headers: r.Headers.HTTP()}

	var kinds []model.RouteKind
	if r.Root != "" {
		kinds = append(kinds, model.KindStatic)
	}
	if r.ProxyPass != "" || r.Upstream != "" {
		kinds = append(kinds, model.KindProxy)
	}
	if r.ProxyPass != "" && r.Upstream != "" {
		b.fail(RuleRouteKind, ent, "proxy_pass and upstream are mutually exclusive")
		return rt, false
	}
	if r.ForwardProxy {
		kinds = append(kinds, model.KindForwardProxy)
	}
	if r.RedirectTo != "" {
		kinds = append(kinds, model.KindRedirect)
	}
	if r.LuaScript != "" {
		kinds = append(kinds, model.KindScript)
	}
	switch len(kinds) {
	case 0:
		b.fail(RuleRouteKind, ent, "no action: set one of root, proxy_pass, upstream, forward_proxy, redirect_to, lua_script")
		return rt, false
	case 1:
	default:
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = k.String()
		}
		b.fail(RuleRouteKind, ent, "several actions set: %s", strings.Join(names, ", "))
		return rt, false
	}
	rt.Kind = kinds[0]

	ok := true
	timeout := b.seconds(ent, "proxy_timeout", r.ProxyTimeout, config.DefaultProxyTimeout)
	maxBody := b.positive(ent, "max_body_size", r.MaxBodySize, config.DefaultMaxBodySize)

	switch rt.Kind {
	case model.KindStatic:
		index := r.Index
		if len(index) == 0 {
			index = []string{"index.html"}
		}
		rt.Static = &model.StaticRoute{Root: r.Root, Index: index, AutoIndex: r.AutoIndex}
	case model.KindProxy:
		p := &model.ProxyRoute{
			Upstream:     strings.TrimSpace(r.Upstream),
			Timeout:      timeout,
			MaxBodySize:  maxBody,
			PreserveHost: r.PreserveHost,
			HostRewrite:  strings.TrimSpace(r.HostRewrite),
		}
		if r.ProxyPass != "" {
			addr, err := ParseBackend(r.ProxyPass)
			if err != nil {
				b.fail(RuleUpstream, ent, "proxy_pass: %v", err)
				ok = false
			}
			p.Backend = &addr
		} else if _, found := groups[p.Upstream]; !found {
			b.fail(RuleUpstreamRef, ent, "upstream %q not found", p.Upstream)
			ok = false
		}
		rt.Proxy = p
	case model.KindForwardProxy:
		rt.ForwardProxy = &model.ForwardProxyRoute{Timeout: timeout, MaxBodySize: maxBody}
	case model.KindRedirect:
		code := config.DefaultRedirectCode
		if r.RedirectCode != nil {
			code = *r.RedirectCode
		}
		switch code {
		case 301, 302, 307, 308:
		default:
			b.fail(RuleRedirect, ent, "redirect_code %d not one of 301, 302, 307, 308", code)
			ok = false
		}
		rt.Redirect = &model.RedirectRoute{To: r.RedirectTo, Code: code}
	case model.KindScript:
		rt.Script = &model.ScriptRoute{Path: r.LuaScript, Cache: r.LuaCodeCache}
	}

	if r.RateLimit != nil {
		if r.RateLimit.RequestsPerSecond <= 0 || r.RateLimit.Burst <= 0 {
			b.fail(RuleRateLimit, ent, "requests_per_second and burst must be positive")
			ok = false
		}
		rt.RateLimit = &model.RateLimit{RequestsPerSecond: r.RateLimit.RequestsPerSecond, Burst: r.RateLimit.Burst}
	}
	rt.ErrorPage = b.page(ent+".error_page", r.ErrorPage)
	rt.NotFoundPage = b.page(ent+".not_found_page", r.NotFoundPage)
	return rt, ok
}

func (b *builder) page(ent string, p *config.Page) *model.ErrorPage {
	if p == nil {
		return nil
	}
	if p.Status < 400 || p.Status > 599 {
		b.fail(RuleErrorPage, ent, "status %d out of range 400..599", p.Status)
		return nil
	}
	body, err := os.ReadFile(p.Page)
	if err != nil {
		b.fail(RuleErrorPage, ent, "read page: %v", err)
		return nil
	}
	return &model.ErrorPage{Status: p.Status, Page: p.Page, Body: body}
}

func (b *builder) tlsMaterial(ent, certPath, keyPath string) *model.TLSMaterial {
	if certPath == "" || keyPath == "" {
		b.fail(RuleTLS, ent, "ssl requires certificate and certificate_key")
		return nil
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		b.fail(RuleTLS, ent, "read certificate: %v", err)
		return nil
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		b.fail(RuleTLS, ent, "read certificate_key: %v", err)
		return nil
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		b.fail(RuleTLS, ent, "parse key pair: %v", err)
		return nil
	}
	sum := sha256.New()
	sum.Write(certPEM)
	sum.Write(keyPEM)
	return &model.TLSMaterial{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: hex.EncodeToString(sum.Sum(nil)),
		Certificate: cert,
	}
}

func (b *builder) binds(hosts []*model.VirtualHost) map[string]*bindSet {
	out := make(map[string]*bindSet)
	for i, vh := range hosts {
		ent := fmt.Sprintf("host[%d]", i)
		addr := vh.Bind()
		bs, ok := out[addr]
		if !ok {
			bs = &bindSet{Bind: Bind{Addr: addr, TLS: vh.TLS != nil}, byName: map[string]*model.VirtualHost{}}
			out[addr] = bs
		} else if bs.TLS != (vh.TLS != nil) {
			b.fail(RuleBind, ent, "hosts on %s disagree on ssl", addr)
			continue
		}
		if vh.Timeout > bs.Timeout {
			bs.Timeout = vh.Timeout
		}
		switch {
		case vh.ServerName == "":
			if bs.def != nil {
				b.fail(RuleBind, ent, "second default host (no server_name) on %s", addr)
				continue
			}
			bs.def = vh
		case strings.HasPrefix(vh.ServerName, "*.") && len(vh.ServerName) > 2:
			suffix := vh.ServerName[2:]
			for _, w := range bs.wildcard {
				if w.suffix == suffix {
					b.fail(RuleBind, ent, "duplicate server_name %q on %s", vh.ServerName, addr)
				}
			}
			bs.wildcard = append(bs.wildcard, wildcardHost{suffix: suffix, vh: vh})
		default:
			if bs.byName[vh.ServerName] != nil {
				b.fail(RuleBind, ent, "duplicate server_name %q on %s", vh.ServerName, addr)
				continue
			}
			bs.byName[vh.ServerName] = vh
		}
	}

	for _, bs := range out {
		sort.SliceStable(bs.wildcard, func(i, j int) bool {
			return len(bs.wildcard[i].suffix) > len(bs.wildcard[j].suffix)
		})
		if !bs.TLS {
			continue
		}
		// default host first so it serves clients without SNI
		var tlsHosts []*model.VirtualHost
		if bs.def != nil && bs.def.TLS != nil {
			tlsHosts = append(tlsHosts, bs.def)
		}
		for _, vh := range hosts {
			if vh.Bind() == bs.Addr && vh != bs.def && vh.TLS != nil {
				tlsHosts = append(tlsHosts, vh)
			}
		}
		prints := make([]string, 0, len(tlsHosts))
		for _, vh := range tlsHosts {
			bs.Certificates = append(bs.Certificates, vh.TLS.Certificate)
			prints = append(prints, vh.ServerName+"="+vh.TLS.Fingerprint)
		}
		sort.Strings(prints)
		sum := sha256.Sum256([]byte(strings.Join(prints, ",")))
		bs.Fingerprint = hex.EncodeToString(sum[:])
	}
	return out
}

func (b *builder) seconds(ent, field string, v *int64, def int64) time.Duration {
	return time.Duration(b.positive(ent, field, v, def)) * time.Second
}

func (b *builder) positive(ent, field string, v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	if *v <= 0 {
		b.fail(RulePositive, ent, "%s must be positive, got %d", field, *v)
		return def
	}
	return *v
}

func parseMethod(m string) (model.Algorithm, bool) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(m)), "_", "") {
	case "", "weightedroundrobin":
		return model.WeightedRoundRobin, true
	case "roundrobin":
		return model.RoundRobin, true
	case "iphash":
		return model.IPHash, true
	}
	return model.WeightedRoundRobin, false
}

// ParseBackend accepts "host:port" (plain http) or an http(s) URL with an
// optional path prefix.
func ParseBackend(s string) (model.BackendAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.BackendAddress{}, fmt.Errorf("empty backend address")
	}
	if !strings.Contains(s, "://") {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			return model.BackendAddress{}, fmt.Errorf("backend %q: %v", s, err)
		}
		p, err := parsePort(port)
		if err != nil {
			return model.BackendAddress{}, fmt.Errorf("backend %q: %v", s, err)
		}
		if host == "" {
			return model.BackendAddress{}, fmt.Errorf("backend %q: host is empty", s)
		}
		return model.BackendAddress{Scheme: "http", Host: host, Port: p}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return model.BackendAddress{}, fmt.Errorf("backend %q: %v", s, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return model.BackendAddress{}, fmt.Errorf("backend %q: must be http(s) URL with host", s)
	}
	var p uint16 = 80
	if u.Scheme == "https" {
		p = 443
	}
	if ps := u.Port(); ps != "" {
		if p, err = parsePort(ps); err != nil {
			return model.BackendAddress{}, fmt.Errorf("backend %q: %v", s, err)
		}
	}
	return model.BackendAddress{
		Scheme:     u.Scheme,
		Host:       u.Hostname(),
		Port:       p,
		PathPrefix: strings.TrimSuffix(u.Path, "/"),
	}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}
