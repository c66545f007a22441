// Package breaker implements a circuit breaker around a single
// downstream dependency. Failures are tracked in a rolling bucketed
// window; when the failure percentage crosses the threshold the
// breaker opens and calls short-circuit with ErrOpen until the
// cool-down elapses, after which a single trial call decides whether
// the circuit closes again.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrOpen is returned when the call was short-circuited without
	// reaching the dependency. Callers degrade to a fallback path.
	ErrOpen = errors.New("breaker: open circuit")

	// ErrTimeout is returned when the call did not complete within
	// the per-call timeout. The in-flight operation is abandoned; it
	// may still take effect downstream.
	ErrTimeout = errors.New("breaker: call timed out")
)

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
		return "unknown"
	}
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Settings struct {
	Name string

	// CallTimeout bounds every guarded call. A timeout counts as a
	// failure even if the downstream eventually completes.
	CallTimeout time.Duration

	// Window and Buckets define the rolling window the failure
	// percentage is computed over.
	Window  time.Duration
	Buckets int

	// FailureThreshold is the failure percentage (0-100) at which a
	// closed circuit opens, once MinRequests calls have been seen in
	// the window.
	FailureThreshold float64
	MinRequests      int

	// CoolDown is how long an open circuit waits before allowing a
	// half-open trial call.
	CoolDown time.Duration

	// IsSuccessful classifies call errors. Errors it reports as
	// successful (e.g. business rejections) do not count against the
	// dependency. Defaults to err == nil.
	IsSuccessful func(err error) bool

	// OnStateChange is invoked with the breaker lock held; keep it
	// cheap and do not call back into the breaker.
	OnStateChange func(name string, from, to State)

	Clock Clock
}

type bucket struct {
	start   time.Time
	success int
	failure int
}

type Breaker struct {
	name             string
	callTimeout      time.Duration
	window           time.Duration
	bucketWidth      time.Duration
	failureThreshold float64
	minRequests      int
	coolDown         time.Duration
	isSuccessful     func(error) bool
	onStateChange    func(string, State, State)
	clock            Clock

	mu          sync.Mutex
	state       State
	buckets     []bucket
	openedAt    time.Time
	trialActive bool
}

func New(s Settings) *Breaker {
	if s.CallTimeout <= 0 {
		s.CallTimeout = 3 * time.Second
	}
	if s.Window <= 0 {
		s.Window = 10 * time.Second
	}
	if s.Buckets <= 0 {
		s.Buckets = 10
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 50
	}
	if s.MinRequests <= 0 {
		s.MinRequests = 5
	}
	if s.CoolDown <= 0 {
		s.CoolDown = 10 * time.Second
	}
	if s.IsSuccessful == nil {
		s.IsSuccessful = func(err error) bool { return err == nil }
	}
	if s.Clock == nil {
		s.Clock = systemClock{}
	}

	return &Breaker{
		name:             s.Name,
		callTimeout:      s.CallTimeout,
		window:           s.Window,
		bucketWidth:      s.Window / time.Duration(s.Buckets),
		failureThreshold: s.FailureThreshold,
		minRequests:      s.MinRequests,
		coolDown:         s.CoolDown,
		isSuccessful:     s.IsSuccessful,
		onStateChange:    s.OnStateChange,
		clock:            s.Clock,
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(b.clock.Now())
	return b.state
}

// Do runs call under the breaker. It returns ErrOpen without invoking
// call when the circuit is open, and ErrTimeout when the call outran
// the per-call timeout. In both cases the dependency may still be
// doing work; callers must not equate "no answer" with "no effect".
func (b *Breaker) Do(ctx context.Context, call func(ctx context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- call(cctx) }()

	var callErr error
	select {
	case callErr = <-done:
		if ctx.Err() != nil {
			// The caller went away mid-call. That says nothing about
			// the dependency, so the outcome is not counted.
			b.abort(trial)
			return callErr
		}
		if errors.Is(callErr, context.DeadlineExceeded) {
			callErr = ErrTimeout
		}
	case <-cctx.Done():
		// Abandon the in-flight call; the goroutine drains into the
		// buffered channel whenever it finishes.
		if ctx.Err() != nil {
			b.abort(trial)
			return ctx.Err()
		}
		callErr = ErrTimeout
	}

	b.record(trial, b.isSuccessful(callErr) && !errors.Is(callErr, ErrTimeout))
	return callErr
}

// abort discards a call outcome without counting it, releasing the
// half-open trial slot if one was held.
func (b *Breaker) abort(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialActive = false
}

// admit decides whether a call may proceed. The boolean marks a
// half-open trial call.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.refreshLocked(now)

	switch b.state {
	case StateOpen:
		return false, ErrOpen
	case StateHalfOpen:
		if b.trialActive {
			return false, ErrOpen
		}
		b.trialActive = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(trial, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	if trial {
		b.trialActive = false
		if b.state == StateHalfOpen {
			if success {
				b.transitionLocked(StateClosed, now)
			} else {
				b.transitionLocked(StateOpen, now)
			}
		}
		return
	}

	if b.state != StateClosed {
		// A non-trial call that raced a transition; its outcome no
		// longer matters.
		return
	}

	cur := b.currentBucketLocked(now)
	if success {
		cur.success++
	} else {
		cur.failure++
	}

	total, failures := b.countsLocked(now)
	if total >= b.minRequests && float64(failures)*100 >= b.failureThreshold*float64(total) {
		b.transitionLocked(StateOpen, now)
	}
}

// refreshLocked handles the time-driven open -> half-open transition.
func (b *Breaker) refreshLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.coolDown {
		b.transitionLocked(StateHalfOpen, now)
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.trialActive = false
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.buckets = b.buckets[:0]
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

func (b *Breaker) currentBucketLocked(now time.Time) *bucket {
	start := now.Truncate(b.bucketWidth)
	if n := len(b.buckets); n > 0 && b.buckets[n-1].start.Equal(start) {
		return &b.buckets[n-1]
	}
	b.pruneLocked(now)
	b.buckets = append(b.buckets, bucket{start: start})
	return &b.buckets[len(b.buckets)-1]
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.buckets) && !b.buckets[i].start.After(cutoff) {
		i++
	}
	if i > 0 {
		b.buckets = append(b.buckets[:0], b.buckets[i:]...)
	}
}

func (b *Breaker) countsLocked(now time.Time) (total, failures int) {
	cutoff := now.Add(-b.window)
	for _, bk := range b.buckets {
		if bk.start.After(cutoff) {
			total += bk.success + bk.failure
			failures += bk.failure
		}
	}
	return total, failures
}
