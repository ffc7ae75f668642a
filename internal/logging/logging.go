// Package logging configures the process-wide slog logger: text records to
// stdout and to <log_folder>/edge.log, rotated daily.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// LevelTrace sits below debug.
const LevelTrace = slog.Level(-8)

const (
	FileName = "edge.log"
	// RotateSchedule is the cron spec for file rotation.
	RotateSchedule = "@daily"
)

// ParseLevel accepts trace, debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Logger owns the log file and its rotation schedule.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *RotatingFile
	cron  *cron.Cron
}

type Options struct {
	Level  string
	Folder string    // empty disables the file
	Stdout io.Writer // os.Stdout when nil
}

// New builds the logger. It does not install it as the default; call
// slog.SetDefault with the embedded Logger.
func New(opts Options) (*Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(lvl)

	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	if opts.Folder != "" {
		f, err := OpenRotating(opts.Folder)
		if err != nil {
			return nil, err
		}
		l.file = f
		out = io.MultiWriter(out, f)

		l.cron = cron.New()
		if _, err := l.cron.AddFunc(RotateSchedule, func() {
			if err := f.Rotate(time.Now().AddDate(0, 0, -1)); err != nil {
				slog.Error("log rotation failed", "error", err)
			}
		}); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("schedule log rotation: %w", err)
		}
		l.cron.Start()
	}

	l.Logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level:       l.level,
		ReplaceAttr: replaceLevel,
	}))
	return l, nil
}

// SetLevel changes the level of every record from now on.
func (l *Logger) SetLevel(s string) error {
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	if l.level.Level() != lvl {
		l.level.Set(lvl)
		l.Info("log level changed", "level", LevelName(lvl))
	}
	return nil
}

func (l *Logger) Level() slog.Level { return l.level.Level() }

// Close stops rotation and closes the file.
func (l *Logger) Close() error {
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// LevelName prints LevelTrace as TRACE.
func LevelName(l slog.Level) string {
	if l <= LevelTrace {
		return "TRACE"
	}
	return l.String()
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(LevelName(lvl))
		}
	}
	return a
}

// RotatingFile is edge.log in a folder. Rotate moves the current file aside
// as edge-YYYY-MM-DD.log and starts a new one.
type RotatingFile struct {
	mu     sync.Mutex
	folder string
	f      *os.File
}

func OpenRotating(folder string) (*RotatingFile, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("create log folder: %w", err)
	}
	r := &RotatingFile{folder: folder}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) Path() string { return filepath.Join(r.folder, FileName) }

func (r *RotatingFile) open() error {
	f, err := os.OpenFile(r.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.f = f
	return nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	return r.f.Write(p)
}

// Rotate archives the current file under the date of day. An existing archive
// for that day gets a numeric suffix.
func (r *RotatingFile) Rotate(day time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return os.ErrClosed
	}
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	r.f = nil
	dst := r.archiveName(day)
	if err := os.Rename(r.Path(), dst); err != nil && !os.IsNotExist(err) {
		_ = r.open()
		return fmt.Errorf("archive log file: %w", err)
	}
	return r.open()
}

func (r *RotatingFile) archiveName(day time.Time) string {
	base := "edge-" + day.Format("2006-01-02")
	name := filepath.Join(r.folder, base+".log")
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		name = filepath.Join(r.folder, fmt.Sprintf("%s.%d.log", base, i))
	}
}

func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
