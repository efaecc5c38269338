// Package libkvstore is a thin key-value layer over Valkey used for
// cross-process plan leases and event history.
package libkvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

var ErrNotFound = errors.New("key not found")

type Config struct {
	KVAddr     string `json:"kv_addr" yaml:"addr"`
	KVPassword string `json:"kv_password" yaml:"password"`
}

type KVManager interface {
	Executor(ctx context.Context) (KVExecutor, error)
	Close()
}

type KVExecutor interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	SetWithTTL(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value json.RawMessage) (bool, error)
	// CompareAndExpire resets key's ttl only while it still holds value.
	CompareAndExpire(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	ListPush(ctx context.Context, key string, value json.RawMessage) error
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error)
	ListLength(ctx context.Context, key string) (int64, error)
}

type valkeyManager struct {
	client valkey.Client
}

// NewManager connects to Valkey. timeout bounds connection writes.
func NewManager(cfg Config, timeout time.Duration) (KVManager, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:      []string{cfg.KVAddr},
		Password:         cfg.KVPassword,
		ConnWriteTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}
	return &valkeyManager{client: client}, nil
}

func (m *valkeyManager) Executor(ctx context.Context) (KVExecutor, error) {
	if err := m.client.Do(ctx, m.client.B().Ping().Build()).Error(); err != nil {
		return nil, fmt.Errorf("valkey ping failed: %w", err)
	}
	return &valkeyExecutor{client: m.client}, nil
}

func (m *valkeyManager) Close() {
	m.client.Close()
}

type valkeyExecutor struct {
	client valkey.Client
}

var compareAndDelete = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var compareAndExpire = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

func (e *valkeyExecutor) Get(ctx context.Context, key string) (json.RawMessage, error) {
	b, err := e.client.Do(ctx, e.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return json.RawMessage(b), nil
}

func (e *valkeyExecutor) Set(ctx context.Context, key string, value json.RawMessage) error {
	cmd := e.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()
	if err := e.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (e *valkeyExecutor) SetWithTTL(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	cmd := e.client.B().Set().Key(key).Value(valkey.BinaryString(value)).PxMilliseconds(ttl.Milliseconds()).Build()
	if err := e.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("set %q with ttl: %w", key, err)
	}
	return nil
}

func (e *valkeyExecutor) SetNX(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (bool, error) {
	cmd := e.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Nx().PxMilliseconds(ttl.Milliseconds()).Build()
	err := e.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("setnx %q: %w", key, err)
	}
	return true, nil
}

func (e *valkeyExecutor) CompareAndDelete(ctx context.Context, key string, value json.RawMessage) (bool, error) {
	n, err := compareAndDelete.Exec(ctx, e.client, []string{key}, []string{string(value)}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %q: %w", key, err)
	}
	return n == 1, nil
}

func (e *valkeyExecutor) CompareAndExpire(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (bool, error) {
	args := []string{string(value), strconv.FormatInt(ttl.Milliseconds(), 10)}
	n, err := compareAndExpire.Exec(ctx, e.client, []string{key}, args).AsInt64()
	if err != nil {
		return false, fmt.Errorf("compare-and-expire %q: %w", key, err)
	}
	return n == 1, nil
}

func (e *valkeyExecutor) Delete(ctx context.Context, key string) error {
	if err := e.client.Do(ctx, e.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (e *valkeyExecutor) Exists(ctx context.Context, key string) (bool, error) {
	n, err := e.client.Do(ctx, e.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", key, err)
	}
	return n > 0, nil
}

func (e *valkeyExecutor) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := e.client.Do(ctx, e.client.B().Keys().Pattern(pattern).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("keys %q: %w", pattern, err)
	}
	return keys, nil
}

func (e *valkeyExecutor) ListPush(ctx context.Context, key string, value json.RawMessage) error {
	cmd := e.client.B().Lpush().Key(key).Element(valkey.BinaryString(value)).Build()
	if err := e.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("lpush %q: %w", key, err)
	}
	return nil
}

func (e *valkeyExecutor) ListTrim(ctx context.Context, key string, start, stop int64) error {
	cmd := e.client.B().Ltrim().Key(key).Start(start).Stop(stop).Build()
	if err := e.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ltrim %q: %w", key, err)
	}
	return nil
}

func (e *valkeyExecutor) ListRange(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error) {
	items, err := e.client.Do(ctx, e.client.B().Lrange().Key(key).Start(start).Stop(stop).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("lrange %q: %w", key, err)
	}
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = json.RawMessage(item)
	}
	return out, nil
}

func (e *valkeyExecutor) ListLength(ctx context.Context, key string) (int64, error) {
	n, err := e.client.Do(ctx, e.client.B().Llen().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("llen %q: %w", key, err)
	}
	return n, nil
}
