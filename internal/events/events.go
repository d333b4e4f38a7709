package events

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

const (
	EventJobCreated     = "job_created"
	EventJobStarted     = "job_started"
	EventJobChunkFailed = "job_chunk_failed"
	EventJobCompleted   = "job_completed"
	EventJobFailed      = "job_failed"
)

// JobEventPayload is the job snapshot delivered to event consumers.
type JobEventPayload struct {
	JobID          string    `json:"job_id"`
	SourceKey      string    `json:"source_key"`
	Status         string    `json:"status"`
	CreatedBy      string    `json:"created_by,omitempty"`
	Chunk          string    `json:"chunk,omitempty"`
	Message        string    `json:"message,omitempty"`
	ProcessedUnits int       `json:"processed_units"`
	TotalUnits     int       `json:"total_units"`
	TotalItems     int       `json:"total_items"`
	NewItems       int       `json:"new_items"`
	ReusedItems    int       `json:"reused_items"`
	ErrorCount     int       `json:"error_count"`
	At             time.Time `json:"at"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish runs the handlers of the event type synchronously and returns
// their joined errors. A failing handler does not stop the others.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
}
