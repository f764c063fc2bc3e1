package services

import (
	"sync"
	"time"
)

const (
	EventSubmitted = "submitted"
	EventTaken     = "taken"
	EventFinished  = "finished"
	EventExpired   = "expired"
)

// JobEvent is one step of a job's lifecycle, streamed to the job's human.
type JobEvent struct {
	JobID   uint      `json:"job_id"`
	HumanID uint      `json:"-"`
	Name    string    `json:"name"`
	Status  string    `json:"status"`
	Owner   string    `json:"owner,omitempty"`
	Exit    *int      `json:"exit,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

type subscriber struct {
	humanID uint
	ch      chan JobEvent
}

// EventHub fans job events out to subscribers. A nil hub drops everything.
type EventHub struct {
	mu      sync.RWMutex
	clients map[string]subscriber
}

func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[string]subscriber)}
}

// Subscribe registers a client that receives the events of one human.
func (h *EventHub) Subscribe(clientID string, humanID uint) <-chan JobEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan JobEvent, 100)
	h.clients[clientID] = subscriber{humanID: humanID, ch: ch}
	return ch
}

func (h *EventHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.clients[clientID]; ok {
		close(sub.ch)
		delete(h.clients, clientID)
	}
}

// Publish never blocks: a subscriber with a full buffer misses the event.
func (h *EventHub) Publish(event JobEvent) {
	if h == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.clients {
		if sub.humanID != event.HumanID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
