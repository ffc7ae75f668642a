// Package watcher hot-reloads the configuration file. Machine holds the reload
// state and has no I/O; Watcher drives it from a Source of file events.
package watcher

import "fmt"

type State int

const (
	Idle State = iota
	EventPending
	ReWatching
	Validating
	Applying
	RejectedKeepOld
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case EventPending:
		return "event_pending"
	case ReWatching:
		return "rewatching"
	case Validating:
		return "validating"
	case Applying:
		return "applying"
	case RejectedKeepOld:
		return "rejected_keep_old"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Input int

const (
	InputChange        Input = iota // create or write on the watched path
	InputMoved                      // rename or remove: the watch must be re-added
	InputDebounceFired              // quiet period elapsed
	InputRewatchOK                  // watch re-added
	InputRewatchFailed              // retries exhausted
	InputValid                      // parsed and built
	InputInvalid                    // parse retries exhausted or validation failed
	InputApplied                    // new generation published
	InputApplyFailed                // listeners could not be reconciled
	InputResume                     // rejection logged
	InputStop
)

func (i Input) String() string {
	switch i {
	case InputChange:
		return "change"
	case InputMoved:
		return "moved"
	case InputDebounceFired:
		return "debounce_fired"
	case InputRewatchOK:
		return "rewatch_ok"
	case InputRewatchFailed:
		return "rewatch_failed"
	case InputValid:
		return "valid"
	case InputInvalid:
		return "invalid"
	case InputApplied:
		return "applied"
	case InputApplyFailed:
		return "apply_failed"
	case InputResume:
		return "resume"
	case InputStop:
		return "stop"
	}
	return fmt.Sprintf("input(%d)", int(i))
}

// TransitionError reports an input that has no transition from the current
// state. The machine is left unchanged.
type TransitionError struct {
	From State
	In   Input
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("watcher: no transition from %s on %s", e.From, e.In)
}

// Machine is the reload state machine. It is not safe for concurrent use; the
// watcher loop owns it.
type Machine struct {
	state   State
	rewatch bool // a rename/remove was seen in the current cycle
}

func (m *Machine) State() State { return m.state }

// Step applies in and returns the new state.
func (m *Machine) Step(in Input) (State, error) {
	if in == InputStop {
		m.state = Stopped
		return m.state, nil
	}
	next, ok := m.next(in)
	if !ok {
		return m.state, &TransitionError{From: m.state, In: in}
	}
	switch in {
	case InputMoved:
		m.rewatch = true
	case InputRewatchOK, InputRewatchFailed:
		m.rewatch = false
	}
	if next == Idle {
		m.rewatch = false
	}
	m.state = next
	return next, nil
}

func (m *Machine) next(in Input) (State, bool) {
	switch m.state {
	case Idle, EventPending:
		switch in {
		case InputChange, InputMoved:
			return EventPending, true
		case InputDebounceFired:
			if m.state != EventPending {
				return 0, false
			}
			if m.rewatch {
				return ReWatching, true
			}
			return Validating, true
		}
	case ReWatching:
		switch in {
		case InputRewatchOK:
			return Validating, true
		case InputRewatchFailed:
			return Idle, true
		}
	case Validating:
		switch in {
		case InputValid:
			return Applying, true
		case InputInvalid:
			return RejectedKeepOld, true
		}
	case Applying:
		switch in {
		case InputApplied:
			return Idle, true
		case InputApplyFailed:
			return RejectedKeepOld, true
		}
	case RejectedKeepOld:
		if in == InputResume {
			return Idle, true
		}
	}
	return 0, false
}
