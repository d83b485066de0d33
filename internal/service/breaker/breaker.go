// Package breaker implements a circuit breaker with a rolling failure window
// and a registry of breakers keyed by downstream name.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed lets calls pass through.
	StateClosed State = iota
	// StateOpen rejects calls without invoking the downstream.
	StateOpen
	// StateHalfOpen lets a limited number of trial calls through.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrCircuitOpen matches every *OpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned when a call is rejected without reaching the downstream.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is reports whether target is ErrCircuitOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Config configures a circuit breaker.
type Config struct {
	// Name identifies the protected downstream in metrics and logs.
	Name string
	// FailureThreshold is the number of failures inside FailureWindow that opens the circuit.
	FailureThreshold int
	// FailureWindow is the rolling window failures are counted in.
	FailureWindow time.Duration
	// RecoveryTimeout is how long after the last failure the circuit stays open.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is the number of concurrent trial calls allowed while half-open.
	HalfOpenMaxCalls int
	// SuccessThreshold is the number of trial successes that closes the circuit.
	SuccessThreshold int
	// IsFailure classifies an error returned by the protected call. Nil means any non-nil error.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults for a named downstream.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}
}

// Counts are the lifetime invocation counters of a breaker.
type Counts struct {
	Total    uint64 `json:"total"`
	Success  uint64 `json:"success"`
	Failure  uint64 `json:"failure"`
	Rejected uint64 `json:"rejected"`
}

// Stats is a snapshot of a breaker.
type Stats struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	WindowFailures int       `json:"window_failures"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
	Counts
}

type transition struct {
	from, to State
}

// Breaker serializes all state mutation under a single mutex.
//
// States:
//   - Closed: calls pass; failures are timestamped in the rolling window
//   - Open: calls are rejected with *OpenError until RecoveryTimeout has
//     elapsed since the last failure
//   - Half-Open: up to HalfOpenMaxCalls trial calls; SuccessThreshold successes
//     close the circuit, any failure reopens it
type Breaker struct {
	cfg Config
	now func() time.Time

	mu                sync.Mutex
	state             State
	failures          []time.Time
	lastFailure       time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
	counts            Counts
}

// New creates a breaker. Zero fields fall back to DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Name returns the downstream name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Execute runs fn through the breaker. While open it returns *OpenError
// without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	trial, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		// A panicking call counts as a failure and releases its trial slot.
		if r := recover(); r != nil {
			b.after(trial, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		b.after(trial, err)
	}()
	err = fn()
	return err
}

// Call runs fn through cb and returns its value.
func Call[T any](cb *Breaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(func() error {
		v, err := fn()
		out = v
		return err
	})
	return out, err
}

// State returns the current state, applying the open to half-open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	s, tr := b.currentState(b.now())
	b.mu.Unlock()
	b.notify(tr)
	return s
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	now := b.now()
	s, tr := b.currentState(now)
	b.pruneFailures(now)
	st := Stats{
		Name:           b.cfg.Name,
		State:          s.String(),
		WindowFailures: len(b.failures),
		LastFailure:    b.lastFailure,
		Counts:         b.counts,
	}
	b.mu.Unlock()
	b.notify(tr)
	return st
}

// before admits or rejects a call. trial is set when the call holds a
// half-open slot.
func (b *Breaker) before() (trial bool, err error) {
	b.mu.Lock()
	now := b.now()
	b.counts.Total++
	state, tr := b.currentState(now)

	switch state {
	case StateOpen:
		b.counts.Rejected++
		err = &OpenError{Name: b.cfg.Name, RetryAfter: b.cfg.RecoveryTimeout - now.Sub(b.lastFailure)}
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			b.counts.Rejected++
			err = &OpenError{Name: b.cfg.Name}
		} else {
			b.halfOpenInFlight++
			trial = true
		}
	}
	b.mu.Unlock()
	b.notify(tr)
	return trial, err
}

func (b *Breaker) after(trial bool, err error) {
	b.mu.Lock()
	now := b.now()
	var tr []transition

	// The state may have moved while the call was running.
	if trial && b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if b.cfg.IsFailure(err) {
		b.counts.Failure++
		b.lastFailure = now
		b.failures = append(b.failures, now)
		b.pruneFailures(now)

		switch b.state {
		case StateClosed:
			if len(b.failures) >= b.cfg.FailureThreshold {
				tr = b.toState(StateOpen)
			}
		case StateHalfOpen:
			tr = b.toState(StateOpen)
		}
	} else {
		b.counts.Success++
		if trial && b.state == StateHalfOpen {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				tr = b.toState(StateClosed)
			}
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

// currentState handles the open to half-open timeout. Caller holds b.mu.
func (b *Breaker) currentState(now time.Time) (State, []transition) {
	if b.state == StateOpen && now.Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen, b.toState(StateHalfOpen)
	}
	return b.state, nil
}

// pruneFailures drops failures older than the rolling window. Caller holds b.mu.
func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// toState transitions and resets per-state counters. Caller holds b.mu.
func (b *Breaker) toState(to State) []transition {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to

	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
	if to == StateClosed {
		b.failures = nil
	}
	return []transition{{from: from, to: to}}
}

func (b *Breaker) notify(trs []transition) {
	if b.cfg.OnStateChange == nil {
		return
	}
	for _, t := range trs {
		b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
	}
}
