// Package planevents fans plan execution progress out to listeners.
//
// Each in-flight plan has one Emitter, handed out by a Registry. Emit is
// serialized per emitter, so listeners see events in the order the state
// transitions happened. Synchronous listeners run first, in registration
// order; asynchronous listeners then run concurrently and Emit waits for all
// of them before returning. Listener errors and panics are logged, never
// returned to the emitting code.
package planevents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Type string

const (
	PlanStarted       Type = "plan_started"
	PlanResumed       Type = "plan_resumed"
	StepStarting      Type = "step_starting"
	StepCompleted     Type = "step_completed"
	StepFailed        Type = "step_failed"
	StepSkipped       Type = "step_skipped"
	ApprovalRequested Type = "approval_requested"
	PlanPaused        Type = "plan_paused"
	PlanCompleted     Type = "plan_completed"
	PlanFailed        Type = "plan_failed"
	PlanCancelled     Type = "plan_cancelled"
	RollbackStarted   Type = "rollback_started"
	StepRolledBack    Type = "step_rolled_back"
	RollbackCompleted Type = "rollback_completed"
	RecoveryApplied   Type = "recovery_applied"
)

// DefaultHistorySize bounds the per-plan event ring buffer.
const DefaultHistorySize = 100

type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	PlanID    string         `json:"planId"`
	StepID    string         `json:"stepId,omitempty"`
	StepIndex *int           `json:"stepIndex,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// StepEvent builds an event about the step at index.
func StepEvent(t Type, stepID string, index int, data map[string]any) Event {
	return Event{Type: t, StepID: stepID, StepIndex: &index, Data: data}
}

type Listener func(ctx context.Context, ev Event) error

type Emitter struct {
	planID     string
	size       int
	asyncLimit int
	logger     *slog.Logger

	emitMu sync.Mutex

	mu      sync.RWMutex
	history []Event
	nextID  int
	sync    []registered
	async   []registered
}

type registered struct {
	id int
	fn Listener
}

type EmitterOption func(*Emitter)

func WithHistorySize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.size = n
		}
	}
}

// WithAsyncLimit caps how many async listeners run at once; 0 means no cap.
func WithAsyncLimit(n int) EmitterOption {
	return func(e *Emitter) {
		e.asyncLimit = n
	}
}

func WithEmitterLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = logger
	}
}

func NewEmitter(planID string, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		planID: planID,
		size:   DefaultHistorySize,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emitter) PlanID() string {
	return e.planID
}

// OnSync registers a listener that runs inline, before async listeners.
func (e *Emitter) OnSync(fn Listener) (remove func()) {
	return e.add(&e.sync, fn)
}

// OnAsync registers a listener that runs concurrently with other async
// listeners.
func (e *Emitter) OnAsync(fn Listener) (remove func()) {
	return e.add(&e.async, fn)
}

func (e *Emitter) add(set *[]registered, fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	*set = append(*set, registered{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, r := range *set {
				if r.id == id {
					*set = append((*set)[:i:i], (*set)[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit stamps ev with the plan id, an id and a timestamp, records it and
// delivers it to every listener.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	ev.PlanID = e.planID
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	e.history = append(e.history, ev)
	if over := len(e.history) - e.size; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	syncListeners := append([]registered(nil), e.sync...)
	asyncListeners := append([]registered(nil), e.async...)
	e.mu.Unlock()

	for _, l := range syncListeners {
		if err := e.call(ctx, l.fn, ev); err != nil {
			e.logger.ErrorContext(ctx, "sync event listener failed", "plan_id", e.planID, "event", ev.Type, "error", err)
		}
	}

	if len(asyncListeners) == 0 {
		return
	}
	var g errgroup.Group
	if e.asyncLimit > 0 {
		g.SetLimit(e.asyncLimit)
	}
	for _, l := range asyncListeners {
		g.Go(func() error {
			if err := e.call(ctx, l.fn, ev); err != nil {
				e.logger.ErrorContext(ctx, "async event listener failed", "plan_id", e.planID, "event", ev.Type, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Emitter) call(ctx context.Context, fn Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx, ev)
}

// History returns the buffered events, oldest first.
func (e *Emitter) History() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Event(nil), e.history...)
}

func (e *Emitter) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sync) + len(e.async)
}

// Clear drops all listeners and history.
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	e.sync = nil
	e.async = nil
}
