package model

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// BackendAddress is a resolved upstream target.
type BackendAddress struct {
	Scheme     string // "http" | "https"
	Host       string
	Port       uint16
	PathPrefix string // optional; prepended to the forwarded path
}

// HostPort returns "host:port" suitable for dialing.
func (b BackendAddress) HostPort() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

// URL returns the base URL of the backend.
func (b BackendAddress) URL() *url.URL {
	return &url.URL{Scheme: b.Scheme, Host: b.HostPort(), Path: b.PathPrefix}
}

func (b BackendAddress) String() string {
	return b.Scheme + "://" + b.HostPort() + b.PathPrefix
}

// WeightedBackend is one member of an upstream group.
type WeightedBackend struct {
	Address BackendAddress
	Weight  uint16 // 1..255
}

// Algorithm selects how an upstream group distributes requests.
type Algorithm int

const (
	WeightedRoundRobin Algorithm = iota // default
	RoundRobin
	IPHash
)

func (a Algorithm) String() string {
	switch a {
	case RoundRobin:
		return "round_robin"
	case IPHash:
		return "ip_hash"
	default:
		return "weighted_round_robin"
	}
}

// UpstreamGroup is a named set of backends plus a selection algorithm.
type UpstreamGroup struct {
	Name      string
	Algorithm Algorithm
	Proto     string // transport name: "http1" | "auto" | "h2c"
	Backends  []WeightedBackend
}

// RouteKind tags which action a route performs.
type RouteKind int

const (
	KindStatic RouteKind = iota
	KindProxy
	KindForwardProxy
	KindRedirect
	KindScript
)

func (k RouteKind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindProxy:
		return "proxy"
	case KindForwardProxy:
		return "forward_proxy"
	case KindRedirect:
		return "redirect"
	case KindScript:
		return "script"
	}
	return "unknown"
}

type StaticRoute struct {
	Root      string
	Index     []string
	AutoIndex bool
}

// ProxyRoute targets either a named upstream group or a single backend.
type ProxyRoute struct {
	Upstream     string          // group name; empty when Backend is set
	Backend      *BackendAddress // proxy_pass
	Timeout      time.Duration
	MaxBodySize  int64
	PreserveHost bool
	HostRewrite  string // optional; if set, overrides PreserveHost
}

type ForwardProxyRoute struct {
	Timeout     time.Duration
	MaxBodySize int64
}

type RedirectRoute struct {
	To   string
	Code int
}

type ScriptRoute struct {
	Path  string
	Cache bool
}

// ErrorPage replaces the body of an engine-generated status.
type ErrorPage struct {
	Status int
	Page   string // file path
	Body   []byte // file contents, read when the generation is built
}

type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Route match + action. Exactly one of the kind pointers is set.
type Route struct {
	Location string // path prefix, starts with "/"
	Kind     RouteKind

	Static       *StaticRoute
	Proxy        *ProxyRoute
	ForwardProxy *ForwardProxyRoute
	Redirect     *RedirectRoute
	Script       *ScriptRoute

	Headers      http.Header // route-level response headers, override host-level
	ErrorPage    *ErrorPage
	NotFoundPage *ErrorPage
	RateLimit    *RateLimit
}

// TLSMaterial is the parsed certificate of a TLS virtual host.
type TLSMaterial struct {
	CertPath    string
	KeyPath     string
	Fingerprint string // sha256 over cert+key file contents
	Certificate tls.Certificate
}

// VirtualHost is one [[host]] block.
type VirtualHost struct {
	IP         string
	Port       uint16
	ServerName string // empty => default host for the bind
	TLS        *TLSMaterial
	Timeout    time.Duration
	Headers    http.Header
	Routes     []Route
}

// Bind returns the listen address of the host.
func (v *VirtualHost) Bind() string {
	return net.JoinHostPort(v.IP, strconv.Itoa(int(v.Port)))
}
