package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	errx "github.com/promptchain/server/internal/core/error"
)

// State is the position of a Breaker in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown state: %d", int(s))
	}
}

// Settings configures a Breaker. Zero values fall back to the defaults below.
type Settings struct {
	Name             string
	FailureThreshold int
	Timeout          time.Duration
	HalfOpenAttempts int

	// Now is the clock. Tests inject a fake one.
	Now func() time.Time
	// OnStateChange is called, outside the lock, after every transition.
	OnStateChange func(name string, from, to State)
	// IsFailure decides whether a non-nil error counts against the breaker.
	IsFailure func(err error) bool
}

const (
	defaultName             = "generation"
	defaultFailureThreshold = 3
	defaultTimeout          = 30 * time.Second
	defaultHalfOpenAttempts = 1
)

// Breaker guards calls to an unreliable dependency. It is safe for concurrent
// use; one instance is shared by every run in the process.
type Breaker struct {
	name             string
	failureThreshold int
	timeout          time.Duration
	halfOpenAttempts int
	now              func() time.Time
	onStateChange    func(name string, from, to State)
	isFailure        func(err error) bool

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probes     int
	generation uint64
}

// New creates a Breaker in the Closed state.
func New(st Settings) *Breaker {
	b := &Breaker{
		name:             st.Name,
		failureThreshold: st.FailureThreshold,
		timeout:          st.Timeout,
		halfOpenAttempts: st.HalfOpenAttempts,
		now:              st.Now,
		onStateChange:    st.OnStateChange,
		isFailure:        st.IsFailure,
	}
	if b.name == "" {
		b.name = defaultName
	}
	if b.failureThreshold <= 0 {
		b.failureThreshold = defaultFailureThreshold
	}
	if b.timeout <= 0 {
		b.timeout = defaultTimeout
	}
	if b.halfOpenAttempts <= 0 {
		b.halfOpenAttempts = defaultHalfOpenAttempts
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.isFailure == nil {
		b.isFailure = DefaultIsFailure
	}
	return b
}

// DefaultIsFailure counts every error except cancellation by the caller.
// Deadline expiry is a failure.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !IsCancellation(err)
}

// IsCancellation reports whether err means the caller went away.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, errx.ErrCancelled)
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving Open to Half-Open if the cool-down
// has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to, changed := b.refresh(b.now())
	state := b.state
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Call runs op if the breaker permits it and records the outcome exactly once.
// A rejected call returns a CircuitOpen error without invoking op.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) (err error) {
	gen, err := b.beforeCall()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterCall(gen, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		b.afterCall(gen, err)
	}()

	return op(ctx)
}

// Execute is Call for operations that return a value.
func Execute[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = op(ctx)
		return err
	})
	return out, err
}

func (b *Breaker) beforeCall() (uint64, error) {
	b.mu.Lock()
	from, to, changed := b.refresh(b.now())

	var err error
	switch b.state {
	case StateOpen:
		err = errx.CircuitOpen(b.name)
	case StateHalfOpen:
		if b.probes >= b.halfOpenAttempts {
			err = errx.CircuitOpen(b.name)
		} else {
			b.probes++
		}
	}
	gen := b.generation
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return gen, err
}

func (b *Breaker) afterCall(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.generation {
		// the state moved on while this call was in flight
		b.mu.Unlock()
		return
	}

	from := b.state
	now := b.now()
	switch {
	case err == nil:
		b.onSuccess()
	case !b.isFailure(err):
		if b.state == StateHalfOpen && b.probes > 0 {
			b.probes--
		}
	default:
		b.onFailure(now)
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.setState(StateClosed, time.Time{})
	}
}

func (b *Breaker) onFailure(now time.Time) {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// refresh moves Open to Half-Open once the timeout has elapsed. Caller holds mu.
func (b *Breaker) refresh(now time.Time) (State, State, bool) {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.timeout)) {
		b.setState(StateHalfOpen, now)
		return StateOpen, StateHalfOpen, true
	}
	return b.state, b.state, false
}

// setState starts a new generation. Caller holds mu.
func (b *Breaker) setState(to State, now time.Time) {
	b.state = to
	b.generation++
	b.probes = 0
	switch to {
	case StateClosed:
		b.failures = 0
		b.openedAt = time.Time{}
	case StateOpen:
		b.openedAt = now
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
