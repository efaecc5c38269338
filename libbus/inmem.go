package libbus

import (
	"context"
	"fmt"
	"sync"
)

// InMem is a Messenger for a single engine process. Publish blocks until
// every current subscriber accepted the message or ctx is done.
type InMem struct {
	mu       sync.RWMutex
	closed   bool
	nextID   uint64
	streams  map[string]map[uint64]chan<- []byte
	handlers map[string]Handler
}

func NewInMem() *InMem {
	return &InMem{
		streams:  make(map[string]map[uint64]chan<- []byte),
		handlers: make(map[string]Handler),
	}
}

func (p *InMem) Publish(ctx context.Context, subject string, data []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrConnectionClosed
	}
	subs := make([]chan<- []byte, 0, len(p.streams[subject]))
	for _, ch := range p.streams[subject] {
		subs = append(subs, ch)
	}
	p.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *InMem) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p.nextID++
	id := p.nextID
	if p.streams[subject] == nil {
		p.streams[subject] = make(map[uint64]chan<- []byte)
	}
	p.streams[subject][id] = ch
	p.mu.Unlock()

	sub := &inmemSubscription{remove: func() {
		p.mu.Lock()
		delete(p.streams[subject], id)
		if len(p.streams[subject]) == 0 {
			delete(p.streams, subject)
		}
		p.mu.Unlock()
	}}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func (p *InMem) Request(ctx context.Context, subject string, data []byte) (reply []byte, err error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrConnectionClosed
	}
	handler := p.handlers[subject]
	p.mu.RUnlock()

	if handler == nil {
		return nil, ErrNoResponder
	}
	defer func() {
		if r := recover(); r != nil {
			reply, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, data)
}

// Serve registers handler for subject, replacing any previous one.
func (p *InMem) Serve(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p.handlers[subject] = handler
	p.mu.Unlock()

	sub := &inmemSubscription{remove: func() {
		p.mu.Lock()
		delete(p.handlers, subject)
		p.mu.Unlock()
	}}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func (p *InMem) Close() error {
	p.mu.Lock()
	p.closed = true
	p.streams = make(map[string]map[uint64]chan<- []byte)
	p.handlers = make(map[string]Handler)
	p.mu.Unlock()
	return nil
}

type inmemSubscription struct {
	once   sync.Once
	remove func()
}

func (s *inmemSubscription) Unsubscribe() error {
	s.once.Do(s.remove)
	return nil
}

var _ Messenger = (*InMem)(nil)
