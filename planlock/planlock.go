// Package planlock serializes callers driving the same plan.
//
// The executor, rollback and recovery engines take the plan's lock for the
// whole of each call, so two requests for one plan never interleave their
// state transitions. NewLocal covers a single process; NewKV leases the lock
// in Valkey so several engine processes can share one store.
package planlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contenox/planengine/libkvstore"
	"github.com/google/uuid"
)

var ErrLockTimeout = errors.New("timed out waiting for plan lock")

type Locker interface {
	// Lock blocks until planID is held or ctx is done. The returned unlock is
	// safe to call more than once.
	Lock(ctx context.Context, planID string) (unlock func(), err error)
}

type localLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocal returns an in-process Locker. Entries are dropped once no caller
// holds or waits for them.
func NewLocal() Locker {
	return &localLocker{locks: make(map[string]*entry)}
}

func (l *localLocker) Lock(ctx context.Context, planID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[planID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[planID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(planID, e)
		return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.drop(planID, e)
		})
	}, nil
}

func (l *localLocker) drop(planID string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, planID)
	}
}

// DefaultLeaseTTL bounds how long a crashed holder keeps a plan locked.
const DefaultLeaseTTL = 5 * time.Minute

const pollInterval = 50 * time.Millisecond

type kvLocker struct {
	kv     libkvstore.KVManager
	ttl    time.Duration
	logger *slog.Logger
}

// NewKV returns a Locker backed by a Valkey lease per plan. While held, the
// lease is renewed every ttl/3; a holder that dies stops renewing and the
// lease expires after ttl.
func NewKV(kv libkvstore.KVManager, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &kvLocker{kv: kv, ttl: ttl, logger: slog.Default()}
}

func lockKey(planID string) string {
	return "plan:lock:" + planID
}

func (l *kvLocker) Lock(ctx context.Context, planID string) (func(), error) {
	exec, err := l.kv.Executor(ctx)
	if err != nil {
		return nil, err
	}
	token, err := json.Marshal(uuid.NewString())
	if err != nil {
		return nil, err
	}
	key := lockKey(planID)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := exec.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire plan lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go l.renew(renewCtx, exec, key, token, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			<-renewed
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = exec.CompareAndDelete(ctx, key, token)
		})
	}, nil
}

// renew extends the lease until ctx is cancelled or the lease is found to
// belong to someone else.
func (l *kvLocker) renew(ctx context.Context, exec libkvstore.KVExecutor, key string, token []byte, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := exec.CompareAndExpire(ctx, key, token, l.ttl)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.WarnContext(ctx, "failed to renew plan lock", "key", key, "error", err)
			continue
		}
		if !ok {
			l.logger.ErrorContext(ctx, "plan lock lease lost", "key", key)
			return
		}
	}
}
