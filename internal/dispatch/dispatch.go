// Package dispatch implements the Notification Dispatcher (spec §4.9): a
// fan-out hub that pushes engine events to subscribers over bounded
// per-subscriber channels, dropping an event for a subscriber whose channel
// is full rather than blocking the engine. A subscriber is never removed on
// a failed send; it stays registered until Unsubscribe. Grounded on the teacher's internal/api/websocket.go
// Hub, generalized from a single websocket broadcast channel to a
// subscriber set of independent bounded channels so one stuck client
// cannot stall delivery to the others.
package dispatch

import (
	"log"
	"sync"

	"github.com/twilight-project/forkscanner/pkg/models"
)

// SubscriberBuffer is the channel depth given to each subscriber; an event
// that would block past this is dropped for that subscriber, which stays
// subscribed and receives later events once its channel has room.
const SubscriberBuffer = 64

// Hub fans out Events to a dynamic set of subscribers.
type Hub struct {
	mu          sync.Mutex
	subscribers map[int64]chan models.Event
	nextID      int64
}

// NewHub constructs an empty dispatcher.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[int64]chan models.Event)}
}

// Subscribe registers a new subscriber and returns its channel and an id
// to later Unsubscribe with.
func (h *Hub) Subscribe() (id int64, ch <-chan models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id = h.nextID
	c := make(chan models.Event, SubscriberBuffer)
	h.subscribers[id] = c
	return id, c
}

// Unsubscribe removes and closes a subscriber's channel.
func (h *Hub) Unsubscribe(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(c)
	}
}

// Emit fans an event out to every current subscriber. A subscriber whose
// channel is full is logged and skipped rather than blocking the sender
// (spec §4.9, §5: "Suspension points: every... channel send/receive" must
// never stall the engine's control loop on a slow subscriber).
func (h *Hub) Emit(evt models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.subscribers {
		select {
		case c <- evt:
		default:
			log.Printf("[dispatch] subscriber %d full, dropping %s", id, evt.Type)
		}
	}
}

// SubscriberCount reports how many subscribers currently hold a channel.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// NewChaintip emits an EventNewChaintip.
func (h *Hub) NewChaintip(p models.NewChaintipPayload) {
	h.Emit(models.Event{Type: models.EventNewChaintip, Payload: p})
}

// AllChaintips emits an EventAllChaintips.
func (h *Hub) AllChaintips(p models.AllChaintipsPayload) {
	h.Emit(models.Event{Type: models.EventAllChaintips, Payload: p})
}

// TipUpdated emits an EventTipUpdated.
func (h *Hub) TipUpdated(p models.TipUpdatedPayload) {
	h.Emit(models.Event{Type: models.EventTipUpdated, Payload: p})
}

// TipUpdateFailed emits an EventTipUpdateFailed.
func (h *Hub) TipUpdateFailed(p models.TipUpdateFailedPayload) {
	h.Emit(models.Event{Type: models.EventTipUpdateFailed, Payload: p})
}

// NewBlockConflicts emits an EventNewBlockConflicts.
func (h *Hub) NewBlockConflicts(p models.NewBlockConflictsPayload) {
	h.Emit(models.Event{Type: models.EventNewBlockConflicts, Payload: p})
}

// LaggingNodes emits an EventLaggingNodes.
func (h *Hub) LaggingNodes(p models.LaggingNodesPayload) {
	h.Emit(models.Event{Type: models.EventLaggingNodes, Payload: p})
}

// StaleCandidateUpdate emits an EventStaleCandidate.
func (h *Hub) StaleCandidateUpdate(p models.StaleCandidateUpdatePayload) {
	h.Emit(models.Event{Type: models.EventStaleCandidate, Payload: p})
}

// WatchedAddress emits an EventWatchedAddress.
func (h *Hub) WatchedAddress(p models.WatchedAddressPayload) {
	h.Emit(models.Event{Type: models.EventWatchedAddress, Payload: p})
}
