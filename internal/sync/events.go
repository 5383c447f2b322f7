package sync

import (
	"log/slog"
	"sync"

	"github.com/njoerd114/datastore/internal/model"
)

// EventKind identifies a status event.
type EventKind int

const (
	// EventOutboxMutationEnqueued: a local mutation entered the outbox.
	EventOutboxMutationEnqueued EventKind = iota
	// EventOutboxMutationProcessed: a mutation was delivered, or resolved
	// through a conflict; Mutation is the resulting change.
	EventOutboxMutationProcessed
	// EventOutboxStatus reports whether the outbox is empty.
	EventOutboxStatus
	// EventSyncReceived: a remote change was applied locally.
	EventSyncReceived
	// EventNetworkStatus reports a reachability transition.
	EventNetworkStatus
	// EventSubscriptionsEstablished: the remote change stream is open.
	EventSubscriptionsEstablished
	// EventReady: initial sync is done and the outgoing queue is running.
	EventReady
)

func (k EventKind) String() string {
	switch k {
	case EventOutboxMutationEnqueued:
		return "outboxMutationEnqueued"
	case EventOutboxMutationProcessed:
		return "outboxMutationProcessed"
	case EventOutboxStatus:
		return "outboxStatus"
	case EventSyncReceived:
		return "syncReceived"
	case EventNetworkStatus:
		return "networkStatus"
	case EventSubscriptionsEstablished:
		return "subscriptionsEstablished"
	case EventReady:
		return "ready"
	}
	return "unknown"
}

// Event is a status event published on the [Hub].
type Event struct {
	Kind     EventKind
	Mutation *model.MutationEvent
	Metadata *model.MutationSyncMetadata

	OutboxEmpty   bool
	NetworkActive bool
}

// Hub fans status events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
	log  *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{subs: make(map[int]chan Event), log: logger}
}

// Subscribe returns a channel with the given buffer size and a function
// that ends the subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, buffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.Debug("dropping status event for slow subscriber", "subscriber", id, "event", e.Kind)
		}
	}
}
