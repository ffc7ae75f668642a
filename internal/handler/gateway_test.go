package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fabian4/edge-homebrew-go/internal/config"
	"github.com/fabian4/edge-homebrew-go/internal/router"
	"github.com/fabian4/edge-homebrew-go/internal/script"
)

const bind = "127.0.0.1:8080"

func iptr(v int) *int { return &v }

func hostConfig(routes ...config.Route) config.Host {
	return config.Host{IP: "127.0.0.1", Port: 8080, ServerName: "app.example.com", Route: routes}
}

// gateway builds generation 1 from cfg and returns a gateway for bind.
func gateway(t *testing.T, cfg *config.Config, d Deps) http.Handler {
	t.Helper()
	tbl, err := router.Build(cfg, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	d.Store = router.NewStore(tbl)
	return New(bind, d)
}

func do(h http.Handler, method, target, host string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.Host = host
	req.RemoteAddr = "203.0.113.10:54321"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func namedBackend(t *testing.T, name string) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, name)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestGateway_WeightedDistribution(t *testing.T) {
	a := namedBackend(t, "a")
	b := namedBackend(t, "b")
	cfg := &config.Config{
		Upstreams: []config.Upstream{{
			Name: "pool",
			Server: []config.UpstreamServer{
				{Server: a.Listener.Addr().String(), Weight: iptr(2)},
				{Server: b.Listener.Addr().String(), Weight: iptr(1)},
			},
		}},
		Hosts: []config.Host{hostConfig(config.Route{Location: "/", Upstream: "pool"})},
	}
	gw := gateway(t, cfg, Deps{})

	counts := map[string]int{}
	last, run := "", 0
	for i := 0; i < 300; i++ {
		rr := do(gw, "GET", "/x", "app.example.com")
		if rr.Code != 200 {
			t.Fatalf("request %d: status %d", i, rr.Code)
		}
		got := rr.Body.String()
		counts[got]++
		if got == last {
			run++
		} else {
			last, run = got, 1
		}
		if run > 3 {
			t.Fatalf("request %d: %q picked %d times in a row", i, got, run)
		}
	}
	if counts["a"] != 200 || counts["b"] != 100 {
		t.Fatalf("distribution: got %v, want a=200 b=100", counts)
	}
}

func TestGateway_ResponseHeaders(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Layer", "upstream")
		w.Header().Set("X-Seen-Request-Id", r.Header.Get(RequestIDHeader))
	}))
	defer up.Close()

	h := hostConfig(config.Route{
		Location:  "/",
		ProxyPass: up.URL,
		Headers:   config.Headers{"X-Layer": {"route"}},
	})
	h.Headers = config.Headers{"X-Layer": {"host"}, "X-Host-Only": {"1"}}
	gw := gateway(t, &config.Config{Hosts: []config.Host{h}}, Deps{})

	req := httptest.NewRequest("GET", "/", nil)
	req.Host = "app.example.com"
	req.Header.Set(RequestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Layer"); got != "route" {
		t.Fatalf("X-Layer: got %q, want route", got)
	}
	if got := rr.Header().Get("X-Host-Only"); got != "1" {
		t.Fatalf("host header missing: %v", rr.Header())
	}
	if got := rr.Header().Get("Server"); got != "edge-homebrew-go" {
		t.Fatalf("Server: got %q", got)
	}
	if rr.Header().Get("Edge-Version") == "" {
		t.Fatalf("Edge-Version missing")
	}
	if got := rr.Header().Get(RequestIDHeader); got != "req-42" {
		t.Fatalf("request id: got %q, want req-42", got)
	}
	if got := rr.Header().Get("X-Seen-Request-Id"); got != "req-42" {
		t.Fatalf("upstream request id: got %q, want req-42", got)
	}
}

func TestGateway_GeneratesRequestID(t *testing.T) {
	cfg := &config.Config{Hosts: []config.Host{hostConfig(config.Route{Location: "/", RedirectTo: "/x"})}}
	gw := gateway(t, cfg, Deps{})
	a := do(gw, "GET", "/", "app.example.com").Header().Get(RequestIDHeader)
	b := do(gw, "GET", "/", "app.example.com").Header().Get(RequestIDHeader)
	if a == "" || a == b {
		t.Fatalf("request ids: %q %q", a, b)
	}
}

func TestGateway_UnknownHostAndRoute(t *testing.T) {
	cfg := &config.Config{Hosts: []config.Host{hostConfig(config.Route{Location: "/api", RedirectTo: "/x"})}}
	gw := gateway(t, cfg, Deps{})

	if rr := do(gw, "GET", "/api", "other.example.com"); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown host: got %d, want 404", rr.Code)
	}
	if rr := do(gw, "GET", "/apiary", "app.example.com"); rr.Code != http.StatusNotFound {
		t.Fatalf("unmatched path: got %d, want 404", rr.Code)
	}
}

func TestGateway_Redirect(t *testing.T) {
	cfg := &config.Config{Hosts: []config.Host{hostConfig(
		config.Route{Location: "/old", RedirectTo: "https://new.example.com/"},
		config.Route{Location: "/tmp", RedirectTo: "/elsewhere", RedirectCode: iptr(307)},
	)}}
	gw := gateway(t, cfg, Deps{})

	rr := do(gw, "GET", "/old/page", "app.example.com")
	if rr.Code != http.StatusMovedPermanently || rr.Header().Get("Location") != "https://new.example.com/" {
		t.Fatalf("default redirect: %d %q", rr.Code, rr.Header().Get("Location"))
	}
	rr = do(gw, "GET", "/tmp", "app.example.com")
	if rr.Code != http.StatusTemporaryRedirect || rr.Header().Get("Location") != "/elsewhere" {
		t.Fatalf("307 redirect: %d %q", rr.Code, rr.Header().Get("Location"))
	}
}

func TestGateway_StaticNotFoundPage(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "public")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("home"), 0o644); err != nil {
		t.Fatal(err)
	}
	page := filepath.Join(dir, "404.html")
	if err := os.WriteFile(page, []byte("<h1>gone</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{Hosts: []config.Host{hostConfig(config.Route{
		Location:     "/",
		Root:         root,
		NotFoundPage: &config.Page{Status: 404, Page: page},
	})}}
	gw := gateway(t, cfg, Deps{})

	if rr := do(gw, "GET", "/", "app.example.com"); rr.Code != 200 || rr.Body.String() != "home" {
		t.Fatalf("index: %d %q", rr.Code, rr.Body.String())
	}
	rr := do(gw, "GET", "/missing.txt", "app.example.com")
	if rr.Code != http.StatusNotFound || rr.Body.String() != "<h1>gone</h1>" {
		t.Fatalf("not found page: %d %q", rr.Code, rr.Body.String())
	}
}

func TestGateway_ErrorPageOnUpstreamFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.Listener.Addr().String()
	dead.Close()

	page := filepath.Join(t.TempDir(), "502.html")
	if err := os.WriteFile(page, []byte("upstream down"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{Hosts: []config.Host{hostConfig(config.Route{
		Location:  "/",
		ProxyPass: "http://" + addr,
		ErrorPage: &config.Page{Status: 502, Page: page},
	})}}
	gw := gateway(t, cfg, Deps{})

	rr := do(gw, "GET", "/", "app.example.com")
	if rr.Code != http.StatusBadGateway || rr.Body.String() != "upstream down" {
		t.Fatalf("error page: %d %q", rr.Code, rr.Body.String())
	}
}

func TestGateway_RateLimit(t *testing.T) {
	cfg := &config.Config{Hosts: []config.Host{hostConfig(config.Route{
		Location:   "/",
		RedirectTo: "/x",
		RateLimit:  &config.RateLimit{RequestsPerSecond: 0.001, Burst: 2},
	})}}
	gw := gateway(t, cfg, Deps{})

	for i := 0; i < 2; i++ {
		if rr := do(gw, "GET", "/", "app.example.com"); rr.Code != http.StatusMovedPermanently {
			t.Fatalf("request %d: got %d, want 301", i, rr.Code)
		}
	}
	if rr := do(gw, "GET", "/", "app.example.com"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: got %d, want 429", rr.Code)
	}
}

func TestGateway_Script(t *testing.T) {
	cfg := &config.Config{Hosts: []config.Host{hostConfig(config.Route{Location: "/lua", LuaScript: "hello.lua"})}}

	none := gateway(t, cfg, Deps{})
	if rr := do(none, "GET", "/lua", "app.example.com"); rr.Code != http.StatusNotImplemented {
		t.Fatalf("no engine: got %d, want 501", rr.Code)
	}

	eng := script.EngineFunc(func(_ context.Context, path string, req script.RequestView) (script.Mutations, error) {
		return script.Mutations{Body: []byte(path + " " + req.Path)}, nil
	})
	gw := gateway(t, cfg, Deps{Scripts: eng})
	if rr := do(gw, "GET", "/lua/run", "app.example.com"); rr.Code != 200 || rr.Body.String() != "hello.lua /lua/run" {
		t.Fatalf("script: %d %q", rr.Code, rr.Body.String())
	}
}

func TestGateway_RecoversPanic(t *testing.T) {
	cfg := &config.Config{Hosts: []config.Host{hostConfig(config.Route{Location: "/", LuaScript: "boom.lua"})}}
	eng := script.EngineFunc(func(context.Context, string, script.RequestView) (script.Mutations, error) {
		panic("boom")
	})
	gw := gateway(t, cfg, Deps{Scripts: eng})

	rr := do(gw, "GET", "/", "app.example.com")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("panic: got %d, want 500", rr.Code)
	}
	if rr.Header().Get("Server") != "edge-homebrew-go" {
		t.Fatalf("panic response lost server header")
	}
}

func TestGateway_ReloadSwapsTable(t *testing.T) {
	cfg := &config.Config{Hosts: []config.Host{hostConfig(config.Route{Location: "/", RedirectTo: "/one"})}}
	tbl, err := router.Build(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	store := router.NewStore(tbl)
	gw := New(bind, Deps{Store: store})

	if got := do(gw, "GET", "/", "app.example.com").Header().Get("Location"); got != "/one" {
		t.Fatalf("gen 1: got %q", got)
	}
	cfg.Hosts[0].Route[0].RedirectTo = "/two"
	next, err := router.Build(cfg, tbl.ID)
	if err != nil {
		t.Fatal(err)
	}
	store.Publish(next)
	if got := do(gw, "GET", "/", "app.example.com").Header().Get("Location"); got != "/two" {
		t.Fatalf("gen 2: got %q", got)
	}
}

func TestGateway_NoTable(t *testing.T) {
	gw := New(bind, Deps{Store: router.NewStore(nil)})
	rr := do(gw, "GET", "/", "app.example.com")
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "Unavailable") {
		t.Fatalf("no table: %d %q", rr.Code, rr.Body.String())
	}
}
