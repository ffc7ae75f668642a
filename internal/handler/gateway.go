package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fabian4/edge-homebrew-go/internal/forward"
	"github.com/fabian4/edge-homebrew-go/internal/metrics"
	"github.com/fabian4/edge-homebrew-go/internal/model"
	"github.com/fabian4/edge-homebrew-go/internal/proxy"
	"github.com/fabian4/edge-homebrew-go/internal/ratelimit"
	"github.com/fabian4/edge-homebrew-go/internal/router"
	"github.com/fabian4/edge-homebrew-go/internal/script"
	"github.com/fabian4/edge-homebrew-go/internal/static"
	"github.com/fabian4/edge-homebrew-go/internal/version"
)

const RequestIDHeader = "X-Request-Id"

// Deps are shared by the gateways of every listener.
type Deps struct {
	Store   *router.Store
	Engine  *proxy.Engine
	Limiter *ratelimit.Limiter
	Metrics *metrics.Registry
	Scripts script.Engine // optional
}

// Gateway dispatches requests arriving on one bind address. It loads the
// current routing generation per request, so a reload never blocks it.
type Gateway struct {
	Bind string
	Deps
}

var _ http.Handler = (*Gateway)(nil)

// New returns the gateway for bind wrapped in panic recovery.
func New(bind string, d Deps) http.Handler {
	if d.Engine == nil {
		d.Engine = proxy.NewEngine(forward.NewDefaultRegistry(), d.Metrics)
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.NewLimiter()
	}
	return Recovery(&Gateway{Bind: bind, Deps: d})
}

// request carries what the access log and metrics need.
type request struct {
	vh       *model.VirtualHost
	route    *model.Route
	upstream string
	id       string
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw, ok := w.(*responseWriter)
	if !ok {
		lw = &responseWriter{ResponseWriter: w}
	}
	rq := &request{id: r.Header.Get(RequestIDHeader)}
	if rq.id == "" {
		rq.id = uuid.NewString()
		r.Header.Set(RequestIDHeader, rq.id)
	}
	defer func() { g.observe(r, lw, rq, time.Since(start)) }()

	lw.onHeader = func(h http.Header) {
		h.Set("Server", version.Name)
		h.Set("Edge-Version", version.Version)
		h.Set(RequestIDHeader, rq.id)
		if rq.vh != nil {
			overrideHeaders(h, rq.vh.Headers)
		}
		if rq.route != nil {
			overrideHeaders(h, rq.route.Headers)
		}
	}

	tbl := g.Store.Load()
	if tbl == nil {
		http.Error(lw, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	rq.vh, rq.route = tbl.Match(g.Bind, r.Host, r.URL.Path)
	if rq.vh == nil || rq.route == nil {
		writeError(lw, r, http.StatusNotFound, rq.route)
		return
	}
	rt := rq.route

	if rt.RateLimit != nil {
		key := ratelimit.Key{Generation: tbl.ID, Bind: g.Bind, Host: rq.vh.ServerName, Location: rt.Location}
		if !g.Limiter.Allow(key, *rt.RateLimit) {
			lw.Header().Set("Retry-After", "1")
			http.Error(lw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
	}

	switch rt.Kind {
	case model.KindStatic:
		notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, http.StatusNotFound, rt)
		})
		static.Handler(rt.Location, rt.Static, notFound).ServeHTTP(lw, r)

	case model.KindProxy:
		t := proxyTarget(tbl, rt)
		rq.upstream = t.Upstream
		backend, err := g.Engine.ServeProxy(lw, r, t)
		if backend.Host != "" {
			rq.upstream = backend.String()
		}
		if err != nil {
			writeEngineError(lw, r, err, rt)
		}

	case model.KindForwardProxy:
		u, err := g.Engine.ServeForward(lw, r, proxy.ForwardTarget{
			Location:    rt.Location,
			Timeout:     rt.ForwardProxy.Timeout,
			MaxBodySize: rt.ForwardProxy.MaxBodySize,
		})
		if u != nil {
			rq.upstream = u.Host
		}
		if err != nil {
			writeEngineError(lw, r, err, rt)
		}

	case model.KindRedirect:
		lw.Header().Set("Location", rt.Redirect.To)
		lw.WriteHeader(rt.Redirect.Code)

	case model.KindScript:
		script.Handler(g.Scripts, rt.Script).ServeHTTP(lw, r)

	default:
		writeError(lw, r, http.StatusInternalServerError, rt)
	}
}

func proxyTarget(tbl *router.Table, rt *model.Route) proxy.Target {
	p := rt.Proxy
	t := proxy.Target{
		Upstream:     p.Upstream,
		Proto:        forward.ProtoHTTP1,
		Timeout:      p.Timeout,
		MaxBodySize:  p.MaxBodySize,
		PreserveHost: p.PreserveHost,
		HostRewrite:  p.HostRewrite,
	}
	if picker, ok := tbl.Picker(rt); ok {
		t.Picker = picker
	}
	if g, ok := tbl.Group(p.Upstream); ok && g.Proto != "" {
		t.Proto = g.Proto
	}
	return t
}

func overrideHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
