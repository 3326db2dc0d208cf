package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/promptchain/server/internal/core/error"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errTimeout = errx.WrapUpstream(context.DeadlineExceeded)

func newTestBreaker(clock *fakeClock, attempts int) *Breaker {
	return New(Settings{
		Name:             "test",
		FailureThreshold: 3,
		Timeout:          30 * time.Second,
		HalfOpenAttempts: attempts,
		Now:              clock.Now,
	})
}

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Call(ctx, fail(errTimeout))
		assert.True(t, errors.Is(err, errx.ErrUpstreamTimeout))
	}
	assert.Equal(t, StateOpen, b.State())

	invoked := false
	err := b.Call(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errx.ErrCircuitOpen))
	assert.False(t, invoked, "open breaker must not invoke the operation")
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := newTestBreaker(newFakeClock(), 1)
	ctx := context.Background()

	_ = b.Call(ctx, fail(errTimeout))
	_ = b.Call(ctx, fail(errTimeout))
	assert.Equal(t, 2, b.Failures())

	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, fail(errTimeout))
	}
	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, fail(errTimeout))
	}
	clock.Advance(30 * time.Second)

	err := b.Call(ctx, fail(errTimeout))
	assert.True(t, errors.Is(err, errx.ErrUpstreamTimeout))
	assert.Equal(t, StateOpen, b.State())

	// timer restarted at the probe failure
	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenBoundsConcurrentProbes(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, fail(errTimeout))
	}
	clock.Advance(30 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var invoked atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- b.Call(ctx, func(context.Context) error {
			invoked.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Call(ctx, func(context.Context) error {
		invoked.Add(1)
		return nil
	})
	assert.True(t, errors.Is(err, errx.ErrCircuitOpen))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), invoked.Load())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CancellationIsNeutral(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail(errx.Cancelled(context.Canceled)))
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, fail(errTimeout))
	}
	clock.Advance(30 * time.Second)

	// a cancelled probe frees its slot without deciding the state
	_ = b.Call(ctx, fail(context.Canceled))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StaleOutcomeIgnored(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, 1)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, fail(errTimeout))
	}
	require.Equal(t, StateOpen, b.State())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateOpen, b.State(), "success from before the trip must not close the breaker")
}

func TestBreaker_OnStateChange(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New(Settings{
		FailureThreshold: 1,
		Timeout:          time.Second,
		Now:              clock.Now,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = b.Call(ctx, fail(errTimeout))
	clock.Advance(time.Second)
	require.NoError(t, b.Call(ctx, succeed))

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestExecute(t *testing.T) {
	b := New(Settings{})
	got, err := Execute(context.Background(), b, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, "generation", b.Name())
}
