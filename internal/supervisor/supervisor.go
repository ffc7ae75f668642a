// Package supervisor owns the listening sockets. A reload reconciles the
// running set against the binds of the next routing generation: unchanged
// sockets are kept, new ones are bound before the generation is published and
// retired ones drain in the background.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/fabian4/edge-homebrew-go/internal/metrics"
	"github.com/fabian4/edge-homebrew-go/internal/router"
)

const (
	DefaultGrace             = 30 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
)

// HandlerFunc returns the request handler for one bind address.
type HandlerFunc func(bind string) http.Handler

type Options struct {
	Grace             time.Duration // drain budget for retired listeners
	ReadHeaderTimeout time.Duration
	// Listen opens the raw socket; net.Listen when nil.
	Listen func(network, address string) (net.Listener, error)
	// RebindAttempts bounds how often a replaced socket is re-bound while the
	// old one is being released.
	RebindAttempts int
	RebindDelay    time.Duration
}

func DefaultOptions() Options {
	return Options{
		Grace:             DefaultGrace,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		RebindAttempts:    10,
		RebindDelay:       50 * time.Millisecond,
	}
}

// Listener is one serving socket.
type Listener struct {
	id      uint64
	bind    router.Bind
	ln      net.Listener
	srv     *http.Server
	closing atomic.Bool
	done    chan struct{} // closed when Serve returns
}

// ID is unique per socket; it does not change while the socket is kept.
func (l *Listener) ID() uint64 { return l.id }

// Addr is the address actually bound, which differs from the bind when the
// port was chosen by the kernel.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Bind() router.Bind { return l.bind }

// Supervisor manages the listener set. Start and Reconcile must not run
// concurrently with each other; the watcher serialises reloads.
type Supervisor struct {
	handler HandlerFunc
	opts    Options
	metrics *metrics.Registry

	mu        sync.Mutex
	listeners map[string]*Listener // by bind address
	nextID    uint64
	draining  sync.WaitGroup
}

func New(h HandlerFunc, opts Options, m *metrics.Registry) *Supervisor {
	d := DefaultOptions()
	if opts.Grace <= 0 {
		opts.Grace = d.Grace
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	if opts.RebindAttempts <= 0 {
		opts.RebindAttempts = d.RebindAttempts
	}
	if opts.RebindDelay <= 0 {
		opts.RebindDelay = d.RebindDelay
	}
	return &Supervisor{
		handler:   h,
		opts:      opts,
		metrics:   m,
		listeners: make(map[string]*Listener),
	}
}

// Start binds every listener of t. On failure nothing stays bound.
func (s *Supervisor) Start(t *router.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var started []*Listener
	for _, b := range t.Binds() {
		l, err := s.bind(b)
		if err != nil {
			for _, l := range started {
				s.stop(l)
			}
			return err
		}
		started = append(started, l)
	}
	for _, l := range started {
		s.listeners[l.bind.Addr] = l
		s.serve(l)
	}
	s.metrics.SetActiveListeners(len(s.listeners))
	return nil
}

// Reconcile moves the listener set from old to next. New sockets are bound
// first; if any bind fails nothing is published and the running set is left
// as it was. publish is called exactly once on success, after which removed
// listeners are retired and listeners with changed TLS material replaced.
//
// A new address whose port is held by a listener that goes away (0.0.0.0:80
// becoming 127.0.0.1:80) cannot be bound up front; it is bound after the old
// listener released the socket, like a replacement.
func (s *Supervisor) Reconcile(old, next *router.Table, publish func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := next.Binds()
	wanted := make(map[string]bool, len(want))
	for _, b := range want {
		wanted[b.Addr] = true
	}
	var removed []string
	for addr := range s.listeners {
		if !wanted[addr] {
			removed = append(removed, addr)
		}
	}

	var added []*Listener
	var replaced, deferred []router.Bind
	for _, b := range want {
		cur, ok := s.listeners[b.Addr]
		switch {
		case !ok && overlapsAny(b.Addr, removed):
			deferred = append(deferred, b)
		case !ok:
			l, err := s.bind(b)
			if err != nil {
				for _, l := range added {
					s.stop(l)
				}
				return err
			}
			added = append(added, l)
		case cur.bind.Key() != b.Key():
			replaced = append(replaced, b)
		}
	}

	for _, l := range added {
		s.listeners[l.bind.Addr] = l
		s.serve(l)
	}
	publish()

	var oldID uint64
	if old != nil {
		oldID = old.ID
	}
	for _, addr := range removed {
		l := s.listeners[addr]
		delete(s.listeners, addr)
		slog.Info("listener removed", "addr", addr, "listener", l.id, "generation", oldID)
		s.retire(l)
	}

	var errs []error
	for _, b := range deferred {
		l, err := s.rebind(b)
		if err != nil {
			errs = append(errs, fmt.Errorf("bind listener %s: %w", b.Addr, err))
			continue
		}
		s.listeners[b.Addr] = l
		s.serve(l)
	}
	for _, b := range replaced {
		prev := s.listeners[b.Addr]
		delete(s.listeners, b.Addr)
		s.retire(prev)
		l, err := s.rebind(b)
		if err != nil {
			errs = append(errs, fmt.Errorf("replace listener %s: %w", b.Addr, err))
			continue
		}
		slog.Info("listener replaced", "addr", b.Addr, "old", prev.id, "new", l.id, "tls", b.TLS)
		s.listeners[b.Addr] = l
		s.serve(l)
	}
	s.metrics.SetActiveListeners(len(s.listeners))
	return errors.Join(errs...)
}

// overlapsAny reports whether addr conflicts with one of the held addresses:
// same port, and the same IP or a wildcard on either side.
func overlapsAny(addr string, held []string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	for _, h := range held {
		hh, hp, err := net.SplitHostPort(h)
		if err != nil || hp != port {
			continue
		}
		if hh == host || unspecified(hh) || unspecified(host) {
			return true
		}
	}
	return false
}

func unspecified(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// Listeners returns the running listeners ordered by bind address.
func (s *Supervisor) Listeners() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenersLocked()
}

func (s *Supervisor) listenersLocked() []*Listener {
	out := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].bind.Addr < out[j].bind.Addr })
	return out
}

// Shutdown stops accepting on every listener and waits for in-flight requests,
// including those on listeners retired earlier, until ctx is done. Remaining
// connections are then closed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ls := make([]*Listener, 0, len(s.listeners))
	for addr, l := range s.listeners {
		ls = append(ls, l)
		delete(s.listeners, addr)
	}
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, l := range ls {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			l.closing.Store(true)
			if err := l.srv.Shutdown(ctx); err != nil {
				_ = l.srv.Close()
				emu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", l.bind.Addr, err))
				emu.Unlock()
			}
			<-l.done
		}(l)
	}
	wg.Wait()

	drained := make(chan struct{})
	go func() {
		s.draining.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain retired listeners: %w", ctx.Err()))
	}
	s.metrics.SetActiveListeners(0)
	return errors.Join(errs...)
}

func (s *Supervisor) bind(b router.Bind) (*Listener, error) {
	raw, err := s.opts.Listen("tcp", b.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", b.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler(b.Addr),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		IdleTimeout:       b.Timeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	ln := raw
	if b.TLS {
		srv.TLSConfig = &tls.Config{
			Certificates: b.Certificates,
			MinVersion:   tls.VersionTLS12,
		}
		if err := http2.ConfigureServer(srv, &http2.Server{IdleTimeout: b.Timeout}); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("configure http2 on %s: %w", b.Addr, err)
		}
		ln = tls.NewListener(raw, srv.TLSConfig)
	}
	s.nextID++
	return &Listener{id: s.nextID, bind: b, ln: ln, srv: srv, done: make(chan struct{})}, nil
}

// rebind binds b while the socket of the listener it replaces is released.
func (s *Supervisor) rebind(b router.Bind) (*Listener, error) {
	var err error
	for i := 0; i < s.opts.RebindAttempts; i++ {
		if i > 0 {
			time.Sleep(s.opts.RebindDelay)
		}
		var l *Listener
		if l, err = s.bind(b); err == nil {
			return l, nil
		}
	}
	return nil, err
}

func (s *Supervisor) serve(l *Listener) {
	slog.Info("listener started", "addr", l.bind.Addr, "listener", l.id, "tls", l.bind.TLS)
	go func() {
		defer close(l.done)
		if err := l.srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !l.closing.Load() {
			slog.Error("listener failed", "addr", l.bind.Addr, "error", err)
		}
	}()
}

// stop closes a listener that never served.
func (s *Supervisor) stop(l *Listener) {
	l.closing.Store(true)
	_ = l.ln.Close()
	close(l.done)
}

// retire stops accepting on l now and drains its connections for up to the
// grace period in the background.
func (s *Supervisor) retire(l *Listener) {
	l.closing.Store(true)
	_ = l.ln.Close()
	s.draining.Add(1)
	go func() {
		defer s.draining.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Grace)
		defer cancel()
		_ = l.srv.Shutdown(ctx)
		if ctx.Err() != nil {
			slog.Warn("drain grace expired, closing connections", "addr", l.bind.Addr, "listener", l.id)
			_ = l.srv.Close()
		}
		<-l.done
		slog.Debug("listener drained", "addr", l.bind.Addr, "listener", l.id)
	}()
}
