package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fabian4/edge-homebrew-go/internal/forward"
	"github.com/fabian4/edge-homebrew-go/internal/lb"
	"github.com/fabian4/edge-homebrew-go/internal/metrics"
	"github.com/fabian4/edge-homebrew-go/internal/model"
)

// Target is a resolved reverse proxy route.
type Target struct {
	Upstream     string // group name; empty for a proxy_pass backend
	Picker       lb.Balancer
	Proto        string
	Timeout      time.Duration
	MaxBodySize  int64
	PreserveHost bool
	HostRewrite  string
}

// Engine forwards requests to upstream backends: one attempt per request, no
// failover.
type Engine struct {
	Transports *forward.Registry
	Metrics    *metrics.Registry
	bufSize    int
}

func NewEngine(tr *forward.Registry, m *metrics.Registry) *Engine {
	if tr == nil {
		tr = forward.NewDefaultRegistry()
	}
	return &Engine{Transports: tr, Metrics: m, bufSize: 32 << 10}
}

// ServeProxy forwards r to a backend picked for t. It returns the backend
// used (zero when none was picked). A non-nil *Error means nothing was written
// to w; failures after the response started abort the client connection.
func (e *Engine) ServeProxy(w http.ResponseWriter, r *http.Request, t Target) (model.BackendAddress, error) {
	if err := checkContentLength(r, t.MaxBodySize); err != nil {
		return model.BackendAddress{}, err
	}
	if t.Picker == nil {
		return model.BackendAddress{}, e.fail(t.Upstream, &Error{Kind: KindNoBackendsAvailable, Err: lb.ErrNoBackendsAvailable})
	}
	backend, err := t.Picker.Pick(lb.PickContext{ClientIP: clientIP(r.RemoteAddr)})
	if err != nil {
		return model.BackendAddress{}, e.fail(t.Upstream, &Error{Kind: KindNoBackendsAvailable, Err: err})
	}

	u := backend.URL()
	u.Path = joinSlash(u.Path, r.URL.Path)
	if r.URL.RawPath != "" {
		u.RawPath = joinSlash(backend.PathPrefix, r.URL.RawPath)
	}
	u.RawQuery = r.URL.RawQuery

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)

	host := backendHost(backend)
	switch {
	case t.HostRewrite != "":
		host = t.HostRewrite
	case t.PreserveHost:
		host = r.Host
	}

	ex := exchange{
		target:  u,
		host:    host,
		header:  hdr,
		rt:      e.Transports.Get(t.Proto),
		timeout: t.Timeout,
		maxBody: t.MaxBodySize,
	}
	if err := e.roundTrip(w, r, ex); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			pe.Backend = backend.String()
			return backend, e.fail(t.Upstream, pe)
		}
		return backend, err
	}
	return backend, nil
}

// ForwardTarget is a resolved forward proxy route.
type ForwardTarget struct {
	Location    string
	Timeout     time.Duration
	MaxBodySize int64
}

// ServeForward relays r to the origin it names. The origin is the absolute
// request URI, or the path after the route location with an implied http://
// ("/fwd/example.com/a" -> "http://example.com/a").
func (e *Engine) ServeForward(w http.ResponseWriter, r *http.Request, t ForwardTarget) (*url.URL, error) {
	if r.Method == http.MethodConnect {
		return nil, &Error{Kind: KindBadRequest, Err: errors.New("CONNECT tunnelling is not supported")}
	}
	if err := checkContentLength(r, t.MaxBodySize); err != nil {
		return nil, err
	}
	u, err := forwardURL(r, t.Location)
	if err != nil {
		return nil, &Error{Kind: KindBadRequest, Err: err}
	}

	hdr := cloneHeader(r.Header)
	dropForwardExcluded(hdr)
	ex := exchange{
		target:    u,
		host:      u.Host,
		header:    hdr,
		rt:        e.Transports.Get(forward.ProtoHTTP1),
		timeout:   t.Timeout,
		maxBody:   t.MaxBodySize,
		forwarded: true,
	}
	if err := e.roundTrip(w, r, ex); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			pe.Backend = u.Host
			return u, e.fail("forward_proxy", pe)
		}
		return u, err
	}
	return u, nil
}

func forwardURL(r *http.Request, location string) (*url.URL, error) {
	if r.URL.IsAbs() {
		if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
			return nil, fmt.Errorf("unsupported scheme %q", r.URL.Scheme)
		}
		u := *r.URL
		u.Fragment = ""
		return &u, nil
	}
	rest := strings.TrimPrefix(r.URL.Path, location)
	rest = strings.TrimPrefix(rest, "/")
	if !strings.HasPrefix(rest, "http://") && !strings.HasPrefix(rest, "https://") {
		rest = "http://" + rest
	}
	if r.URL.RawQuery != "" {
		rest += "?" + r.URL.RawQuery
	}
	u, err := url.Parse(rest)
	if err != nil {
		return nil, fmt.Errorf("forward target: %v", err)
	}
	if u.Host == "" {
		return nil, errors.New("forward target: missing host")
	}
	return u, nil
}

type exchange struct {
	target    *url.URL
	host      string
	header    http.Header
	rt        http.RoundTripper
	timeout   time.Duration
	maxBody   int64
	forwarded bool // forward proxy: filter response headers the same way
}

func (e *Engine) roundTrip(w http.ResponseWriter, r *http.Request, ex exchange) error {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	dl := newDeadline(ex.timeout, cancel)
	defer dl.stop()

	var connected atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { connected.Store(true) },
	})

	var body io.ReadCloser = http.NoBody
	var lim *limitedBody
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		lim = &limitedBody{rc: r.Body, limit: ex.maxBody, progress: dl.reset}
		if ex.maxBody <= 0 {
			lim.limit = 1<<63 - 2
		}
		body = lim
	}
	bodyExceeded := func() bool { return lim != nil && lim.exceeded.Load() }

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, ex.target.String(), body)
	if err != nil {
		return &Error{Kind: KindBadRequest, Err: err}
	}
	reqUp.ContentLength = r.ContentLength
	if body == http.NoBody {
		reqUp.ContentLength = 0
	}
	reqUp.Header = ex.header
	reqUp.Host = ex.host

	resUp, err := ex.rt.RoundTrip(reqUp)
	if err != nil {
		if bodyExceeded() {
			return &Error{Kind: KindBodyTooLarge, Err: errBodyTooLarge}
		}
		return &Error{Kind: classify(err, dl.timedOut(), connected.Load(), r.Context().Err() != nil), Err: err}
	}
	defer func() {
		if err := resUp.Body.Close(); err != nil {
			slog.Debug("close upstream body", "error", err)
		}
	}()
	if bodyExceeded() {
		return &Error{Kind: KindBodyTooLarge, Err: errBodyTooLarge}
	}
	dl.reset()

	if ex.forwarded {
		dropForwardExcluded(resUp.Header)
	} else {
		dropHopByHop(resUp.Header)
	}
	copyHeaders(w.Header(), resUp.Header)
	w.WriteHeader(resUp.StatusCode)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	buf := make([]byte, e.bufSize)
	for {
		n, rerr := resUp.Body.Read(buf)
		if n > 0 {
			dl.reset()
			if _, werr := w.Write(buf[:n]); werr != nil {
				// client gone; nothing left to deliver
				return nil
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			kind := classify(rerr, dl.timedOut(), true, r.Context().Err() != nil)
			if kind == KindClientClosed {
				return nil
			}
			slog.Warn("upstream failed mid-response",
				"target", ex.target.Host, "kind", kind.String(), "error", rerr)
			e.Metrics.IncUpstreamError(ex.target.Host, kind.String())
			panic(http.ErrAbortHandler)
		}
	}

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(http.TrailerPrefix+k, v)
		}
	}
	return nil
}

func (e *Engine) fail(upstream string, err *Error) *Error {
	if err.Kind != KindClientClosed && err.Kind != KindBadRequest {
		label := upstream
		if label == "" {
			label = err.Backend
		}
		e.Metrics.IncUpstreamError(label, err.Kind.String())
	}
	return err
}

func checkContentLength(r *http.Request, limit int64) error {
	if limit > 0 && r.ContentLength > limit {
		return &Error{Kind: KindBodyTooLarge, Err: fmt.Errorf("content-length %d: %w", r.ContentLength, errBodyTooLarge)}
	}
	return nil
}

func clientIP(remoteAddr string) netip.Addr {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	if a, err := netip.ParseAddr(remoteAddr); err == nil {
		return a.Unmap()
	}
	return netip.Addr{}
}
