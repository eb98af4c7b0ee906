package httpx

import (
	"sync"
	"time"
)

// State is the circuit breaker's current position.
type State int

const (
	// Closed means the circuit is healthy; requests flow through.
	Closed State = iota
	// Open means the circuit has tripped; requests are rejected outright.
	Open
	// HalfOpen means the circuit is testing recovery; limited requests allowed.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker implements a per-backend circuit breaker with three states:
// Closed → Open (after failureThreshold consecutive failures),
// Open → HalfOpen (after resetTimeout elapses),
// HalfOpen → Closed (after halfOpenMax consecutive successes) or back to
// Open on a single failure.
type Breaker struct {
	mu sync.Mutex

	state            State
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int

	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureTime     time.Time
}

// NewBreaker creates a circuit breaker with the given parameters.
func NewBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *Breaker {
	return &Breaker{
		state:            Closed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
}

// Allow reports whether a call should be permitted through the circuit. In
// the Open state it transitions to HalfOpen once the reset timeout elapses.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailureTime) >= b.resetTimeout {
			b.state = HalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call. In HalfOpen, enough consecutive
// successes close the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0

	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.halfOpenMax {
			b.state = Closed
		}
	}
}

// RecordFailure records a failed call. Closed trips to Open past the
// failure threshold; HalfOpen trips back to Open immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case Closed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.halfOpenSuccesses = 0
	}
}

// State returns the current state, useful for /health and metrics gauges.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry is a thread-safe registry of per-backend circuit breakers,
// created lazily on first access.
type Registry struct {
	mu sync.Mutex

	breakers         map[string]*Breaker
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int
}

// NewRegistry creates a registry whose breakers share the given defaults.
func NewRegistry(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
}

// Get returns the breaker for the given backend name, creating it if needed.
func (r *Registry) Get(backend string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[backend]
	if !ok {
		b = NewBreaker(r.failureThreshold, r.resetTimeout, r.halfOpenMax)
		r.breakers[backend] = b
	}
	return b
}

// Snapshot returns the current state of every known breaker, keyed by
// backend name, for /health and metrics reporting.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
