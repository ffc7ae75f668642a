package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Upstream protocol names accepted in an upstream's proto field.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1
	ProtoAuto  = "auto"  // ALPN; h2 over TLS when the backend offers it
	ProtoH2C   = "h2c"   // HTTP/2 with prior knowledge over cleartext
)

// Options tunes the upstream transports.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration

	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions returns the settings used by the edge server. Per-request
// deadlines come from the route's proxy_timeout, not from the transport.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           30 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Registry is a threadsafe map of named RoundTrippers, one per upstream proto.
type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry builds a registry with http1, auto and h2c pre-registered.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]http.RoundTripper, 3),
		opts:  opts,
	}
	r.store[ProtoHTTP1] = r.newHTTP(false)
	r.store[ProtoAuto] = r.newHTTP(true)
	r.store[ProtoH2C] = r.newH2C()
	return r
}

// Get returns the transport for name, falling back to http1.
func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.store[name]; ok && rt != nil {
		return rt
	}
	return r.store[ProtoHTTP1]
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.store[name]
	return ok
}

func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	r.store[name] = rt
	r.mu.Unlock()
}

// CloseIdle drops idle upstream connections of every registered transport.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}
}

func (r *Registry) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
}

func (r *Registry) tlsConfig(h2 bool) *tls.Config {
	c := &tls.Config{InsecureSkipVerify: r.opts.InsecureSkipVerify, RootCAs: r.opts.RootCAs}
	if !h2 {
		c.NextProtos = []string{"http/1.1"}
	}
	return c
}

func (r *Registry) newHTTP(h2 bool) http.RoundTripper {
	return &http.Transport{
		DialContext:           r.dialer().DialContext,
		ForceAttemptHTTP2:     h2,
		TLSClientConfig:       r.tlsConfig(h2),
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
		// the edge relays Accept-Encoding as sent by the client
		DisableCompression: true,
	}
}

// newH2C speaks HTTP/2 over a plain TCP connection. http URLs only.
func (r *Registry) newH2C() http.RoundTripper {
	d := r.dialer()
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return d.DialContext(ctx, network, addr)
		},
		IdleConnTimeout:    r.opts.IdleConnTimeout,
		DisableCompression: true,
	}
}
