package planevents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/contenox/planengine/libbus"
	"github.com/contenox/planengine/libkvstore"
)

// Subject is the bus subject carrying events of planID.
func Subject(planID string) string {
	return "plans." + planID + ".events"
}

// BusForwarder publishes every event to Subject(ev.PlanID), letting other
// processes follow a plan driven here.
func BusForwarder(bus libbus.Messenger) Listener {
	return func(ctx context.Context, ev Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if err := bus.Publish(ctx, Subject(ev.PlanID), data); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		return nil
	}
}

// SubscribeBus streams the events of planID published by a BusForwarder. The
// returned channel is closed when ctx is done; undecodable messages are
// dropped.
func SubscribeBus(ctx context.Context, bus libbus.Messenger, planID string, buffer int) (<-chan Event, error) {
	raw := make(chan []byte, buffer)
	sub, err := bus.Stream(ctx, Subject(planID), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to plan events: %w", err)
	}
	out := make(chan Event, buffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-raw:
				var ev Event
				if err := json.Unmarshal(data, &ev); err != nil {
					slog.Warn("dropping undecodable plan event", "plan_id", planID, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func historyKey(planID string) string {
	return "plan:events:" + planID
}

// KVHistorySink keeps the newest Size events of each plan in Valkey so the
// history survives the emitter.
type KVHistorySink struct {
	kv   libkvstore.KVManager
	size int
}

func NewKVHistorySink(kv libkvstore.KVManager, size int) *KVHistorySink {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &KVHistorySink{kv: kv, size: size}
}

// Listener returns the function to register with an emitter or registry.
func (s *KVHistorySink) Listener() Listener {
	return func(ctx context.Context, ev Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		exec, err := s.kv.Executor(ctx)
		if err != nil {
			return err
		}
		key := historyKey(ev.PlanID)
		if err := exec.ListPush(ctx, key, data); err != nil {
			return err
		}
		return exec.ListTrim(ctx, key, 0, int64(s.size-1))
	}
}

// Load returns the stored events of planID, oldest first.
func (s *KVHistorySink) Load(ctx context.Context, planID string) ([]Event, error) {
	exec, err := s.kv.Executor(ctx)
	if err != nil {
		return nil, err
	}
	items, err := exec.ListRange(ctx, historyKey(planID), 0, -1)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var ev Event
		if err := json.Unmarshal(item, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode stored event: %w", err)
		}
		events = append(events, ev)
	}
	slices.Reverse(events)
	return events, nil
}
