package planevents

import (
	"sync"
)

// Registry maps plan ids to their live emitter. A process creates one and
// passes it to everything that drives plans.
type Registry struct {
	mu       sync.Mutex
	emitters map[string]*Emitter
	opts     []EmitterOption
	sinks    []Listener
}

type RegistryOption func(*Registry)

// WithEmitterOptions applies opts to every emitter the registry creates.
func WithEmitterOptions(opts ...EmitterOption) RegistryOption {
	return func(r *Registry) {
		r.opts = append(r.opts, opts...)
	}
}

// WithSinks attaches listeners as async listeners of every new emitter.
func WithSinks(sinks ...Listener) RegistryOption {
	return func(r *Registry) {
		r.sinks = append(r.sinks, sinks...)
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{emitters: make(map[string]*Emitter)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AcquireOrCreate returns the plan's emitter, creating it if needed. Only the
// release of the creating call clears the emitter and removes it; releases
// handed to later callers do nothing. Calling release more than once is safe.
func (r *Registry) AcquireOrCreate(planID string) (*Emitter, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.emitters[planID]; ok {
		return e, func() {}
	}
	e := NewEmitter(planID, r.opts...)
	for _, sink := range r.sinks {
		e.OnAsync(sink)
	}
	r.emitters[planID] = e

	var once sync.Once
	return e, func() {
		once.Do(func() {
			r.mu.Lock()
			if r.emitters[planID] == e {
				delete(r.emitters, planID)
			}
			r.mu.Unlock()
			e.Clear()
		})
	}
}

// Get returns the live emitter for planID, if any call is driving the plan.
func (r *Registry) Get(planID string) (*Emitter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.emitters[planID]
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.emitters)
}
