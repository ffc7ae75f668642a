package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabian4/edge-homebrew-go/internal/config"
	"github.com/fabian4/edge-homebrew-go/internal/router"
)

// Options tune the reload loop.
type Options struct {
	Debounce     time.Duration
	RewatchDelay time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	PollTimeout  time.Duration // how often a lost watch is retried
}

func DefaultOptions() Options {
	return Options{
		Debounce:     config.DefaultDebounceMS * time.Millisecond,
		RewatchDelay: config.DefaultRewatchDelayMS * time.Millisecond,
		MaxRetries:   config.DefaultMaxRetries,
		RetryDelay:   config.DefaultRetryDelayMS * time.Millisecond,
		PollTimeout:  config.DefaultPollTimeoutSecs * time.Second,
	}
}

// OptionsFrom converts the [watcher] table; nil fields take defaults.
func OptionsFrom(c config.WatcherConfig) Options {
	o := DefaultOptions()
	if c.DebounceMS != nil && *c.DebounceMS >= 0 {
		o.Debounce = time.Duration(*c.DebounceMS) * time.Millisecond
	}
	if c.RewatchDelayMS != nil && *c.RewatchDelayMS >= 0 {
		o.RewatchDelay = time.Duration(*c.RewatchDelayMS) * time.Millisecond
	}
	if c.MaxRetries != nil && *c.MaxRetries >= 0 {
		o.MaxRetries = *c.MaxRetries
	}
	if c.RetryDelayMS != nil && *c.RetryDelayMS >= 0 {
		o.RetryDelay = time.Duration(*c.RetryDelayMS) * time.Millisecond
	}
	if c.PollTimeoutSecs != nil && *c.PollTimeoutSecs > 0 {
		o.PollTimeout = time.Duration(*c.PollTimeoutSecs) * time.Second
	}
	return o
}

// Reloader turns a parsed configuration into a running generation.
type Reloader interface {
	// Validate builds the next generation without side effects.
	Validate(cfg *config.Config) (*router.Table, error)
	// Apply binds new listeners, publishes t and retires old listeners.
	Apply(cfg *config.Config, t *router.Table) error
	// Rejected is told about every cycle that kept the old generation.
	Rejected(err error)
}

// LoadFunc reads and parses the file at path.
type LoadFunc func(path string) (*config.Config, error)

// Watcher runs one reload cycle at a time for a single file.
type Watcher struct {
	path     string
	opts     Options
	src      Source
	load     LoadFunc
	reloader Reloader
	logger   *slog.Logger

	m        Machine
	watching bool

	// OnTransition, if set, observes every state change. Called from the
	// watcher goroutine.
	OnTransition func(from, to State, in Input)
}

func New(path string, opts Options, src Source, load LoadFunc, r Reloader) *Watcher {
	if load == nil {
		load = config.Load
	}
	return &Watcher{
		path:     path,
		opts:     opts,
		src:      src,
		load:     load,
		reloader: r,
		logger:   slog.Default().With("component", "watcher", "path", path),
	}
}

// State returns the machine state. Only meaningful once Run has returned.
func (w *Watcher) State() State { return w.m.State() }

// Run watches until ctx is done. It returns an error only when the initial
// watch cannot be set up or the source dies.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.step(InputStop)
	if err := w.src.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.watching = true
	w.logger.Info("config watcher started", "debounce_ms", w.opts.Debounce.Milliseconds())

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	var fire <-chan time.Time

	poll := time.NewTicker(w.opts.PollTimeout)
	defer poll.Stop()

	events, errs := w.src.Events(), w.src.Errors()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-events:
			if !ok {
				return errors.New("watcher: event source closed")
			}
			in := InputChange
			if ev.Kind == Moved {
				in = InputMoved
			}
			w.logger.Debug("config file event", "op", ev.Op)
			w.step(in)
			debounce.Reset(w.opts.Debounce)
			fire = debounce.C

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-poll.C:
			if w.watching {
				continue
			}
			if err := w.src.Add(w.path); err != nil {
				continue
			}
			w.watching = true
			w.logger.Info("config watch restored")
			w.step(InputChange)
			debounce.Reset(w.opts.Debounce)
			fire = debounce.C

		case <-fire:
			fire = nil
			w.cycle(ctx)
		}
	}
}

// cycle runs one EventPending -> Idle pass.
func (w *Watcher) cycle(ctx context.Context) {
	if st := w.step(InputDebounceFired); st == ReWatching {
		if err := w.rewatch(ctx); err != nil {
			w.watching = false
			if ctx.Err() == nil {
				w.logger.Error("config re-watch failed", "error", err)
			}
			w.step(InputRewatchFailed)
			return
		}
		w.watching = true
		w.step(InputRewatchOK)
	}

	cfg, err := w.loadWithRetry(ctx)
	if ctx.Err() != nil {
		return
	}
	var next *router.Table
	if err == nil {
		next, err = w.reloader.Validate(cfg)
	}
	if err != nil {
		w.reject(err)
		return
	}
	w.step(InputValid)

	if err := w.reloader.Apply(cfg, next); err != nil {
		w.step(InputApplyFailed)
		w.logger.Error("config apply failed", "error", err)
		w.step(InputResume)
		w.reloader.Rejected(err)
		return
	}
	w.step(InputApplied)
	w.logger.Info("config reloaded", "generation", next.ID)
}

func (w *Watcher) reject(err error) {
	w.step(InputInvalid)
	w.logger.Error("config rejected, keeping current generation", "error", err)
	w.step(InputResume)
	w.reloader.Rejected(err)
}

// rewatch waits for the file to settle after a rename or remove and re-adds
// the watch.
func (w *Watcher) rewatch(ctx context.Context) error {
	if err := sleep(ctx, w.opts.RewatchDelay); err != nil {
		return err
	}
	attempts := max(w.opts.MaxRetries, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleep(ctx, w.opts.RetryDelay); err != nil {
				return err
			}
		}
		if err = w.src.Add(w.path); err == nil {
			return nil
		}
		w.logger.Debug("re-watch attempt failed", "attempt", i+1, "error", err)
	}
	return err
}

// loadWithRetry retries parse errors, which are usually a half-written file.
func (w *Watcher) loadWithRetry(ctx context.Context) (*config.Config, error) {
	var err error
	for i := 0; i <= w.opts.MaxRetries; i++ {
		if i > 0 {
			if err := sleep(ctx, w.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
		var cfg *config.Config
		cfg, err = w.load(w.path)
		if err == nil {
			return cfg, nil
		}
		var pe *config.ParseError
		if !errors.As(err, &pe) {
			return nil, err
		}
		w.logger.Debug("config parse attempt failed", "attempt", i+1, "error", err)
	}
	return nil, err
}

func (w *Watcher) step(in Input) State {
	from := w.m.State()
	to, err := w.m.Step(in)
	if err != nil {
		w.logger.Debug("ignored input", "error", err)
		return to
	}
	if w.OnTransition != nil && from != to {
		w.OnTransition(from, to, in)
	}
	return to
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
