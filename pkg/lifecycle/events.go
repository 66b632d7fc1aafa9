package lifecycle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/models"
)

// EventListener receives lifecycle events. Listeners run synchronously on
// the emitting goroutine and must not block.
type EventListener func(models.LifecycleEvent)

type subscriber struct {
	id int
	fn EventListener
}

// eventBus dispatches lifecycle events to subscribers in insertion order.
// A panicking listener is isolated; its siblings still receive the event.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
	logger *slog.Logger
}

func newEventBus() *eventBus {
	return &eventBus{logger: slog.Default().With("component", "lifecycle.events")}
}

// subscribe registers a listener and returns its unsubscribe function.
func (b *eventBus) subscribe(fn EventListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// emit dispatches to a snapshot of the subscriber list so listeners may
// unsubscribe during dispatch.
func (b *eventBus) emit(event models.LifecycleEvent) {
	b.mu.Lock()
	snapshot := make([]subscriber, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		b.dispatch(s, event)
	}
}

func (b *eventBus) dispatch(s subscriber, event models.LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				"event_kind", event.Kind, "agent_id", event.AgentID, "panic", r)
		}
	}()
	s.fn(event)
}

// newEvent builds a lifecycle event for an agent.
func newEvent(agent *models.ManagedAgent, kind models.EventKind, data map[string]any) models.LifecycleEvent {
	return models.LifecycleEvent{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		OrgID:     agent.OrgID,
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
