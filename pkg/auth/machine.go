package auth

import (
	"errors"
	"fmt"
	"sync"
)

// State is a connection's position in the login lifecycle.
type State uint8

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Terminated
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var (
	// ErrLoginInProgress is returned by Begin while another login is
	// being validated.
	ErrLoginInProgress = errors.New("auth: login already in progress")

	// ErrAlreadyAuthenticated is returned by Begin after a successful login.
	ErrAlreadyAuthenticated = errors.New("auth: already authenticated")

	// ErrTerminated is returned by every transition once the connection has
	// terminated.
	ErrTerminated = errors.New("auth: connection terminated")

	// ErrNotAuthenticating is returned by Succeed without a prior Begin.
	ErrNotAuthenticating = errors.New("auth: no login in progress")
)

// TransitionError reports a rejected state transition.
type TransitionError struct {
	From State
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s (state %s)", e.Err, e.From)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Machine is the authentication state machine of one connection.
// It is safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	state State
	done  chan struct{}

	// OnTransition, if set, is called under the lock after every change.
	OnTransition func(from, to State)
}

// NewMachine returns a machine in the Unauthenticated state.
func NewMachine() *Machine {
	return &Machine{done: make(chan struct{})}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done is closed when the machine reaches Terminated.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) setLocked(to State) {
	from := m.state
	m.state = to
	if to == Terminated {
		close(m.done)
	}
	if m.OnTransition != nil {
		m.OnTransition(from, to)
	}
}

// Begin starts a login. Only one login may be in flight, and none after a
// successful one.
func (m *Machine) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Unauthenticated:
		m.setLocked(Authenticating)
		return nil
	case Authenticating:
		return &TransitionError{From: m.state, Err: ErrLoginInProgress}
	case Authenticated:
		return &TransitionError{From: m.state, Err: ErrAlreadyAuthenticated}
	default:
		return &TransitionError{From: m.state, Err: ErrTerminated}
	}
}

// Succeed commits the login in progress. onSuccess runs first, under the
// lock; if it fails the login is reverted to Unauthenticated and its error
// returned. A connection terminated during validation stays terminated and
// onSuccess is not called.
func (m *Machine) Succeed(onSuccess func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Authenticating:
	case Terminated:
		return &TransitionError{From: m.state, Err: ErrTerminated}
	default:
		return &TransitionError{From: m.state, Err: ErrNotAuthenticating}
	}
	if onSuccess != nil {
		if err := onSuccess(); err != nil {
			m.setLocked(Unauthenticated)
			return err
		}
	}
	m.setLocked(Authenticated)
	return nil
}

// Fail abandons the login in progress. It does nothing in other states.
func (m *Machine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Authenticating {
		m.setLocked(Unauthenticated)
	}
}

// Terminate moves to Terminated from any state. onTerminate runs under the
// lock, before the transition becomes visible. It reports whether this call
// performed the transition.
func (m *Machine) Terminate(onTerminate func(from State)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Terminated {
		return false
	}
	if onTerminate != nil {
		onTerminate(m.state)
	}
	m.setLocked(Terminated)
	return true
}
