package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fabian4/edge-homebrew-go/internal/config"
	"github.com/fabian4/edge-homebrew-go/internal/router"
	"github.com/fabian4/edge-homebrew-go/internal/supervisor"
	"github.com/fabian4/edge-homebrew-go/internal/watcher"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

type chanSource struct {
	events chan watcher.Event
}

func (s *chanSource) Events() <-chan watcher.Event { return s.events }
func (s *chanSource) Errors() <-chan error         { return nil }
func (s *chanSource) Add(string) error             { return nil }
func (s *chanSource) Close() error                 { return nil }

func writeConfig(t *testing.T, path, logDir string, port int, redirect, upstream string) {
	t.Helper()
	route := fmt.Sprintf("redirect_to = %q", redirect)
	if upstream != "" {
		route = fmt.Sprintf("upstream = %q", upstream)
	}
	body := fmt.Sprintf(`log_level = "debug"
log_folder = %q
metrics_listen = "127.0.0.1:0"

[watcher]
debounce_ms = 20
retry_delay_ms = 5
rewatch_delay_ms = 5

[[host]]
ip = "127.0.0.1"
port = %d

[[host.route]]
location = "/"
%s
`, logDir, port, route)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

var noRedirect = &http.Client{
	Timeout: 2 * time.Second,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func location(t *testing.T, port int) string {
	t.Helper()
	res, err := noRedirect.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = res.Body.Close()
	return res.Header.Get("Location")
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestApp_ServesAndHotReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	port := freePort(t)
	writeConfig(t, path, filepath.Join(dir, "logs"), port, "/one", "")

	src := &chanSource{events: make(chan watcher.Event, 4)}
	a, err := New(Options{ConfigPath: path, Source: src, ShutdownTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Run did not return")
		}
	}()

	eventually(t, "listener", func() bool { return len(a.Supervisor().Listeners()) == 1 })
	if got := location(t, port); got != "/one" {
		t.Fatalf("gen 1 Location: got %q, want /one", got)
	}
	listenerID := a.Supervisor().Listeners()[0].ID()

	writeConfig(t, path, filepath.Join(dir, "logs"), port, "/two", "")
	src.events <- watcher.Event{Kind: watcher.Changed}
	eventually(t, "generation 2", func() bool { return a.Store().Load().ID == 2 })
	if got := location(t, port); got != "/two" {
		t.Fatalf("gen 2 Location: got %q, want /two", got)
	}
	if got := a.Supervisor().Listeners()[0].ID(); got != listenerID {
		t.Fatalf("listener replaced on a route-only change: %d -> %d", listenerID, got)
	}

	// unknown upstream: rejected, generation 2 keeps serving
	writeConfig(t, path, filepath.Join(dir, "logs"), port, "", "missing")
	src.events <- watcher.Event{Kind: watcher.Changed}
	eventually(t, "rejection metric", func() bool {
		return strings.Contains(scrape(t, a), `edge_config_reloads_total{result="rejected"} 1`)
	})
	if id := a.Store().Load().ID; id != 2 {
		t.Fatalf("generation after rejected reload: got %d, want 2", id)
	}
	if got := location(t, port); got != "/two" {
		t.Fatalf("after rejection Location: got %q, want /two", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "logs", "edge.log")); err != nil {
		t.Fatalf("log file: %v", err)
	}
}

func scrape(t *testing.T, a *App) string {
	t.Helper()
	res, err := http.Get("http://" + a.MetricsAddr().String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	b, _ := io.ReadAll(res.Body)
	return string(b)
}

func TestNew_InvalidConfigIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, filepath.Join(dir, "logs"), 8080, "", "missing")
	if _, err := New(Options{ConfigPath: path}); err == nil {
		t.Fatalf("New: want error for unknown upstream")
	}
	if _, err := New(Options{ConfigPath: filepath.Join(dir, "absent.toml")}); err == nil {
		t.Fatalf("New: want error for a missing file")
	}
}

func TestRejected_Classifies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, filepath.Join(dir, "logs"), freePort(t), "/x", "")
	a, err := New(Options{ConfigPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.log.Close() }()

	_, verr := a.Validate(&config.Config{Hosts: []config.Host{{Port: 0}}})
	if verr == nil {
		t.Fatalf("Validate: want error")
	}
	a.Rejected(verr)
	a.Rejected(&config.ParseError{Path: path, Err: io.ErrUnexpectedEOF})

	rr := httptest.NewRecorder()
	a.metrics.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, `edge_config_reloads_total{result="rejected"} 1`) ||
		!strings.Contains(body, `edge_config_reloads_total{result="failed"} 1`) {
		t.Fatalf("reload counters:\n%s", body)
	}
}

func TestApply_RebindFailureAfterPublishIsDegraded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	port := freePort(t)
	writeConfig(t, path, filepath.Join(dir, "logs"), port, "/one", "")

	moved := fmt.Sprintf("0.0.0.0:%d", port)
	a, err := New(Options{
		ConfigPath: path,
		Supervisor: supervisor.Options{
			Grace:          time.Second,
			RebindAttempts: 1,
			Listen: func(network, addr string) (net.Listener, error) {
				if addr == moved {
					return nil, errors.New("address already in use")
				}
				return net.Listen(network, addr)
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.log.Close() }()
	if err := a.sup.Start(a.store.Load()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.sup.Shutdown(ctx)
	}()

	next := &config.Config{
		LogLevel: "info",
		Hosts: []config.Host{{
			IP:    "0.0.0.0",
			Port:  port,
			Route: []config.Route{{Location: "/", RedirectTo: "/two"}},
		}},
	}
	tbl, err := a.Validate(next)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := a.Apply(next, tbl); err != nil {
		t.Fatalf("Apply: published generation reported as failure: %v", err)
	}
	if got := a.Store().Load().ID; got != tbl.ID {
		t.Fatalf("generation: got %d, want %d", got, tbl.ID)
	}

	rr := httptest.NewRecorder()
	a.metrics.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, `edge_config_reloads_total{result="degraded"} 1`) {
		t.Fatalf("reload counters:\n%s", body)
	}
	if strings.Contains(body, `edge_config_reloads_total{result="failed"}`) {
		t.Fatalf("degraded reload counted as failed:\n%s", body)
	}
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, filepath.Join(dir, "logs"), freePort(t), "/x", "")
	a, err := New(Options{ConfigPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.log.Close() }()

	cfg := &config.Config{
		LogLevel: "loud",
		Hosts:    []config.Host{{IP: "127.0.0.1", Port: 8080, Route: []config.Route{{Location: "/", RedirectTo: "/x"}}}},
	}
	_, err = a.Validate(cfg)
	var ce *router.ConfigError
	if !errors.As(err, &ce) || ce.Rule != router.RuleLogLevel {
		t.Fatalf("Validate: got %v, want a %s ConfigError", err, router.RuleLogLevel)
	}
}
