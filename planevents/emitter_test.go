package planevents_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/contenox/planengine/libbus"
	"github.com/contenox/planengine/planevents"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestUnit_Emitter_StampsAndBuffers(t *testing.T) {
	e := planevents.NewEmitter("plan-1", planevents.WithHistorySize(3))
	for i := range 5 {
		e.Emit(context.Background(), planevents.StepEvent(planevents.StepCompleted, "s", i, nil))
	}

	history := e.History()
	require.Len(t, history, 3)
	for i, ev := range history {
		require.Equal(t, "plan-1", ev.PlanID)
		require.NotEmpty(t, ev.ID)
		require.False(t, ev.Timestamp.IsZero())
		require.Equal(t, i+2, *ev.StepIndex)
	}
}

func TestUnit_Emitter_SyncBeforeAsyncAndAwaited(t *testing.T) {
	e := planevents.NewEmitter("plan-1")
	var mu sync.Mutex
	var seen []string
	record := func(s string) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	e.OnSync(func(ctx context.Context, ev planevents.Event) error {
		record("sync")
		return nil
	})
	e.OnAsync(func(ctx context.Context, ev planevents.Event) error {
		time.Sleep(20 * time.Millisecond)
		record("async-slow")
		return nil
	})
	e.OnAsync(func(ctx context.Context, ev planevents.Event) error {
		record("async-fast")
		return nil
	})

	e.Emit(context.Background(), planevents.Event{Type: planevents.PlanStarted})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	require.Equal(t, "sync", seen[0])
	require.ElementsMatch(t, []string{"async-slow", "async-fast"}, seen[1:])
}

func TestUnit_Emitter_ListenerFailuresAreIsolated(t *testing.T) {
	e := planevents.NewEmitter("plan-1")
	var delivered atomic.Int32

	e.OnSync(func(ctx context.Context, ev planevents.Event) error { panic("listener bug") })
	e.OnSync(func(ctx context.Context, ev planevents.Event) error { return errors.New("listener error") })
	e.OnSync(func(ctx context.Context, ev planevents.Event) error {
		delivered.Add(1)
		return nil
	})
	e.OnAsync(func(ctx context.Context, ev planevents.Event) error { panic("async bug") })
	e.OnAsync(func(ctx context.Context, ev planevents.Event) error {
		delivered.Add(1)
		return nil
	})

	require.NotPanics(t, func() {
		e.Emit(context.Background(), planevents.Event{Type: planevents.PlanStarted})
	})
	require.EqualValues(t, 2, delivered.Load())
}

func TestUnit_Emitter_PreservesOrderAcrossConcurrentEmits(t *testing.T) {
	e := planevents.NewEmitter("plan-1", planevents.WithHistorySize(1000))
	var mu sync.Mutex
	var got []string
	e.OnSync(func(ctx context.Context, ev planevents.Event) error {
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(context.Background(), planevents.Event{Type: planevents.StepCompleted})
		}()
	}
	wg.Wait()

	history := e.History()
	require.Len(t, history, 20)
	for i, ev := range history {
		require.Equal(t, ev.ID, got[i])
	}
}

func TestUnit_Emitter_RemoveListener(t *testing.T) {
	e := planevents.NewEmitter("plan-1")
	var calls atomic.Int32
	remove := e.OnAsync(func(ctx context.Context, ev planevents.Event) error {
		calls.Add(1)
		return nil
	})
	e.Emit(context.Background(), planevents.Event{Type: planevents.PlanStarted})
	remove()
	remove()
	e.Emit(context.Background(), planevents.Event{Type: planevents.PlanCompleted})

	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 0, e.ListenerCount())
}

func TestUnit_Registry_OnlyCreatorReleases(t *testing.T) {
	r := planevents.NewRegistry()

	first, releaseFirst := r.AcquireOrCreate("plan-1")
	second, releaseSecond := r.AcquireOrCreate("plan-1")
	require.Same(t, first, second)

	first.OnSync(func(ctx context.Context, ev planevents.Event) error { return nil })
	releaseSecond()
	got, ok := r.Get("plan-1")
	require.True(t, ok)
	require.Same(t, first, got)
	require.Equal(t, 1, first.ListenerCount())

	releaseFirst()
	_, ok = r.Get("plan-1")
	require.False(t, ok)
	require.Equal(t, 0, first.ListenerCount())
	require.Equal(t, 0, r.Len())

	third, releaseThird := r.AcquireOrCreate("plan-1")
	defer releaseThird()
	require.NotSame(t, first, third)
	releaseFirst()
	_, ok = r.Get("plan-1")
	require.True(t, ok)
}

func TestUnit_Registry_SinksAttachToNewEmitters(t *testing.T) {
	var count atomic.Int32
	r := planevents.NewRegistry(planevents.WithSinks(func(ctx context.Context, ev planevents.Event) error {
		count.Add(1)
		return nil
	}))
	e, release := r.AcquireOrCreate("plan-1")
	defer release()
	e.Emit(context.Background(), planevents.Event{Type: planevents.PlanStarted})
	require.EqualValues(t, 1, count.Load())
}

func TestUnit_BusForwarder_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := libbus.NewInMem()
	defer bus.Close()

	events, err := planevents.SubscribeBus(ctx, bus, "plan-1", 4)
	require.NoError(t, err)

	e := planevents.NewEmitter("plan-1")
	e.OnAsync(planevents.BusForwarder(bus))
	e.Emit(ctx, planevents.StepEvent(planevents.StepCompleted, "step-1", 0, map[string]any{"summary": "ok"}))

	select {
	case ev := <-events:
		require.Equal(t, planevents.StepCompleted, ev.Type)
		require.Equal(t, "plan-1", ev.PlanID)
		require.Equal(t, "step-1", ev.StepID)
		require.Equal(t, "ok", ev.Data["summary"])
	case <-time.After(time.Second):
		t.Fatal("event was not forwarded")
	}

	cancel()
	for range events {
	}
}
