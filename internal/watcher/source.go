package watcher

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type EventKind int

const (
	Changed EventKind = iota
	Moved             // renamed or removed; the watch is gone
)

// Event is a relevant change to the watched path.
type Event struct {
	Kind EventKind
	Op   string
}

// Source delivers file events for one path.
type Source interface {
	Events() <-chan Event
	Errors() <-chan error
	// Add (re)establishes the watch on path.
	Add(path string) error
	Close() error
}

// FSSource is a Source backed by fsnotify.
type FSSource struct {
	w      *fsnotify.Watcher
	path   string
	events chan Event
	errs   chan error
	stop   chan struct{}
	done   chan struct{}
}

var _ Source = (*FSSource)(nil)

func NewFSSource(path string) (*FSSource, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	s := &FSSource{
		w:      fw,
		path:   filepath.Clean(path),
		events: make(chan Event, 16),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *FSSource) Events() <-chan Event { return s.events }
func (s *FSSource) Errors() <-chan error { return s.errs }

func (s *FSSource) Add(path string) error {
	_ = s.w.Remove(path)
	return s.w.Add(path)
}

func (s *FSSource) Close() error {
	close(s.stop)
	err := s.w.Close()
	<-s.done
	return err
}

func (s *FSSource) pump() {
	defer close(s.done)
	defer close(s.events)
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			e, relevant := s.translate(ev)
			if !relevant {
				continue
			}
			select {
			case s.events <- e:
			case <-s.stop:
				return
			}
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

// translate drops events for other paths and pure chmods.
func (s *FSSource) translate(ev fsnotify.Event) (Event, bool) {
	if filepath.Clean(ev.Name) != s.path {
		return Event{}, false
	}
	switch {
	case ev.Has(fsnotify.Rename), ev.Has(fsnotify.Remove):
		return Event{Kind: Moved, Op: ev.Op.String()}, true
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		return Event{Kind: Changed, Op: ev.Op.String()}, true
	}
	return Event{}, false
}
