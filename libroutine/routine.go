// Package libroutine provides a circuit breaker for calls into collaborators
// that may be slow or down, plus a ticker loop that runs a function under it.
package libroutine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Routine is a circuit breaker. After threshold consecutive failures it opens
// and rejects calls until resetTimeout has passed; then exactly one trial call
// is let through (half-open) and its outcome closes or reopens the circuit.
type Routine struct {
	mu           sync.Mutex
	state        State
	failureCount int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	trialPending bool
}

func NewRoutine(threshold int, resetTimeout time.Duration) *Routine {
	if threshold < 1 {
		threshold = 1
	}
	return &Routine{
		state:        Closed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// Allow reports whether a call may proceed. In half-open state only the first
// caller is admitted until MarkSuccess or MarkFailure settles the trial.
func (rm *Routine) Allow() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	switch rm.state {
	case Open:
		if time.Since(rm.lastFailure) < rm.resetTimeout {
			return false
		}
		rm.state = HalfOpen
		rm.trialPending = true
		return true
	case HalfOpen:
		if rm.trialPending {
			return false
		}
		rm.trialPending = true
		return true
	}
	return true
}

func (rm *Routine) MarkSuccess() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.state = Closed
	rm.failureCount = 0
	rm.trialPending = false
}

func (rm *Routine) MarkFailure() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastFailure = time.Now()
	rm.trialPending = false
	if rm.state == HalfOpen {
		rm.state = Open
		return
	}
	rm.failureCount++
	if rm.failureCount >= rm.threshold {
		rm.state = Open
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
func (rm *Routine) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !rm.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(ctx); err != nil {
		rm.MarkFailure()
		return err
	}
	rm.MarkSuccess()
	return nil
}

// ExecuteWithRetry calls Execute up to attempts times, sleeping interval
// between failures. An open circuit or a cancelled ctx ends the loop early.
func (rm *Routine) ExecuteWithRetry(ctx context.Context, interval time.Duration, attempts int, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := rm.Execute(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return lastErr
}

// Loop runs fn immediately, then on every tick of interval or trigger signal,
// until ctx is done. Errors, including ErrCircuitOpen, go to onErr.
func (rm *Routine) Loop(ctx context.Context, interval time.Duration, trigger <-chan struct{}, fn func(ctx context.Context) error, onErr func(err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := rm.Execute(ctx, fn); err != nil && onErr != nil {
			onErr(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-trigger:
		}
	}
}

func (rm *Routine) GetState() State {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.state
}

func (rm *Routine) GetThreshold() int {
	return rm.threshold
}

func (rm *Routine) GetResetTimeout() time.Duration {
	return rm.resetTimeout
}

// ForceOpen opens the circuit as if the threshold had just been reached.
func (rm *Routine) ForceOpen() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.state = Open
	rm.failureCount = rm.threshold
	rm.lastFailure = time.Now()
	rm.trialPending = false
}

func (rm *Routine) ForceClose() {
	rm.MarkSuccess()
}
