package libroutine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contenox/planengine/libroutine"
	"github.com/stretchr/testify/require"
)

func TestUnit_Routine_ClosedAllowsExecution(t *testing.T) {
	rm := libroutine.NewRoutine(3, time.Second)
	require.True(t, rm.Allow())
	require.NoError(t, rm.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	require.Equal(t, libroutine.Closed, rm.GetState())
	require.Equal(t, 3, rm.GetThreshold())
	require.Equal(t, time.Second, rm.GetResetTimeout())
}

func TestUnit_Routine_OpensAfterThreshold(t *testing.T) {
	rm := libroutine.NewRoutine(2, time.Minute)
	fail := func(ctx context.Context) error { return errors.New("down") }

	require.Error(t, rm.Execute(context.Background(), fail))
	require.Equal(t, libroutine.Closed, rm.GetState())
	require.Error(t, rm.Execute(context.Background(), fail))
	require.Equal(t, libroutine.Open, rm.GetState())

	err := rm.Execute(context.Background(), func(ctx context.Context) error {
		t.Error("must not run while open")
		return nil
	})
	require.ErrorIs(t, err, libroutine.ErrCircuitOpen)
}

func TestUnit_Routine_HalfOpenAdmitsSingleTrial(t *testing.T) {
	rm := libroutine.NewRoutine(1, 50*time.Millisecond)
	_ = rm.Execute(context.Background(), func(ctx context.Context) error { return errors.New("down") })
	require.False(t, rm.Allow())

	time.Sleep(80 * time.Millisecond)
	require.True(t, rm.Allow())
	require.Equal(t, libroutine.HalfOpen, rm.GetState())
	require.False(t, rm.Allow())

	rm.MarkSuccess()
	require.Equal(t, libroutine.Closed, rm.GetState())
	require.True(t, rm.Allow())
}

func TestUnit_Routine_ReopensWhenTrialFails(t *testing.T) {
	rm := libroutine.NewRoutine(1, 50*time.Millisecond)
	fail := func(ctx context.Context) error { return errors.New("down") }
	_ = rm.Execute(context.Background(), fail)

	time.Sleep(80 * time.Millisecond)
	require.Error(t, rm.Execute(context.Background(), fail))
	require.Equal(t, libroutine.Open, rm.GetState())
	require.False(t, rm.Allow())
}

func TestUnit_Routine_ForceOpenAndClose(t *testing.T) {
	rm := libroutine.NewRoutine(2, time.Minute)
	rm.ForceOpen()
	require.Equal(t, libroutine.Open, rm.GetState())
	require.False(t, rm.Allow())

	rm.ForceClose()
	require.Equal(t, libroutine.Closed, rm.GetState())
	require.True(t, rm.Allow())
}

func TestUnit_Routine_ExecuteWithRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		rm := libroutine.NewRoutine(5, time.Minute)
		var calls int32
		err := rm.ExecuteWithRetry(context.Background(), time.Millisecond, 5, func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("flaky")
			}
			return nil
		})
		require.NoError(t, err)
		require.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("returns last error when attempts run out", func(t *testing.T) {
		rm := libroutine.NewRoutine(5, time.Minute)
		persistent := errors.New("persistent")
		var calls int32
		err := rm.ExecuteWithRetry(context.Background(), time.Millisecond, 3, func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return persistent
		})
		require.ErrorIs(t, err, persistent)
		require.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("stops when the circuit opens", func(t *testing.T) {
		rm := libroutine.NewRoutine(1, time.Minute)
		var calls int32
		err := rm.ExecuteWithRetry(context.Background(), time.Millisecond, 3, func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("down")
		})
		require.ErrorIs(t, err, libroutine.ErrCircuitOpen)
		require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("honours cancellation between attempts", func(t *testing.T) {
		rm := libroutine.NewRoutine(5, time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		err := rm.ExecuteWithRetry(ctx, time.Minute, 3, func(ctx context.Context) error {
			cancel()
			return errors.New("fail")
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestUnit_Routine_LoopRunsOnTrigger(t *testing.T) {
	rm := libroutine.NewRoutine(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := make(chan struct{}, 1)
	ran := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		rm.Loop(ctx, time.Minute, trigger, func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		}, nil)
	}()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("initial run did not happen")
	}
	trigger <- struct{}{}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("trigger did not cause a run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}
