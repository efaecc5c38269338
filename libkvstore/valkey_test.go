package libkvstore_test

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"testing"
	"time"

	libkv "github.com/contenox/planengine/libkvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/valkey"
)

func setupExecutor(t *testing.T) (context.Context, libkv.KVExecutor) {
	t.Helper()
	if os.Getenv("PLANENGINE_CONTAINER_TESTS") != "1" {
		t.Skip("set PLANENGINE_CONTAINER_TESTS=1 to run container tests")
	}
	ctx := context.Background()

	container, err := valkey.Run(ctx, "docker.io/valkey/valkey:7.2.5")
	require.NoError(t, err)
	t.Cleanup(func() {
		timeout := time.Second
		_ = container.Stop(ctx, &timeout)
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	u, err := url.Parse(connStr)
	require.NoError(t, err)

	manager, err := libkv.NewManager(libkv.Config{KVAddr: u.Host}, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	kv, err := manager.Executor(ctx)
	require.NoError(t, err)
	return ctx, kv
}

func TestSystem_ValkeyCRUD(t *testing.T) {
	ctx, kv := setupExecutor(t)
	value := json.RawMessage(`"testvalue"`)

	require.NoError(t, kv.Set(ctx, "testkey", value))
	retrieved, err := kv.Get(ctx, "testkey")
	require.NoError(t, err)
	assert.Equal(t, value, retrieved)

	exists, err := kv.Exists(ctx, "testkey")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, kv.Delete(ctx, "testkey"))
	_, err = kv.Get(ctx, "testkey")
	assert.ErrorIs(t, err, libkv.ErrNotFound)
}

func TestSystem_ValkeySetNXAndCompareAndDelete(t *testing.T) {
	ctx, kv := setupExecutor(t)

	ok, err := kv.SetNX(ctx, "lease", json.RawMessage(`"owner-a"`), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = kv.SetNX(ctx, "lease", json.RawMessage(`"owner-b"`), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	deleted, err := kv.CompareAndDelete(ctx, "lease", json.RawMessage(`"owner-b"`))
	require.NoError(t, err)
	require.False(t, deleted)

	deleted, err = kv.CompareAndDelete(ctx, "lease", json.RawMessage(`"owner-a"`))
	require.NoError(t, err)
	require.True(t, deleted)

	exists, err := kv.Exists(ctx, "lease")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestSystem_ValkeyCompareAndExpire(t *testing.T) {
	ctx, kv := setupExecutor(t)

	ok, err := kv.SetNX(ctx, "lease", json.RawMessage(`"owner-a"`), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := kv.CompareAndExpire(ctx, "lease", json.RawMessage(`"owner-b"`), time.Minute)
	require.NoError(t, err)
	require.False(t, renewed)

	renewed, err = kv.CompareAndExpire(ctx, "lease", json.RawMessage(`"owner-a"`), time.Minute)
	require.NoError(t, err)
	require.True(t, renewed)

	time.Sleep(1500 * time.Millisecond)
	exists, err := kv.Exists(ctx, "lease")
	require.NoError(t, err)
	require.True(t, exists)

	renewed, err = kv.CompareAndExpire(ctx, "missing", json.RawMessage(`"owner-a"`), time.Minute)
	require.NoError(t, err)
	require.False(t, renewed)
}

func TestSystem_ValkeyTTL(t *testing.T) {
	ctx, kv := setupExecutor(t)
	require.NoError(t, kv.SetWithTTL(ctx, "ttlkey", json.RawMessage(`"v"`), time.Second))
	time.Sleep(1500 * time.Millisecond)
	_, err := kv.Get(ctx, "ttlkey")
	assert.ErrorIs(t, err, libkv.ErrNotFound)
}

func TestSystem_ValkeyListOperations(t *testing.T) {
	ctx, kv := setupExecutor(t)
	for _, v := range []string{`"item1"`, `"item2"`, `"item3"`} {
		require.NoError(t, kv.ListPush(ctx, "testlist", json.RawMessage(v)))
	}

	require.NoError(t, kv.ListTrim(ctx, "testlist", 0, 1))
	items, err := kv.ListRange(ctx, "testlist", 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `"item3"`, string(items[0]))
	assert.JSONEq(t, `"item2"`, string(items[1]))

	length, err := kv.ListLength(ctx, "testlist")
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	keys, err := kv.Keys(ctx, "test*")
	require.NoError(t, err)
	assert.Contains(t, keys, "testlist")
}
