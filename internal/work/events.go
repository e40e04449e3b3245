package work

import (
	"sync"
	"time"
)

// EventType classifies messages emitted by a session.
type EventType string

const (
	EventLoading    EventType = "loading"
	EventBuffer     EventType = "buffer"
	EventStatus     EventType = "status"
	EventComparison EventType = "comparison"
	EventSubmitted  EventType = "submitted"
	EventExhausted  EventType = "exhausted"
	EventError      EventType = "error"
)

// Event is a sequenced payload consumed by UI subscribers.
type Event struct {
	Seq        int64             `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	SessionID  string            `json:"sessionId"`
	Type       EventType         `json:"type"`
	Loading    *bool             `json:"loading,omitempty"`
	Buffer     *BufferState      `json:"buffer,omitempty"`
	Validation *ValidationView   `json:"validation,omitempty"`
	Comparison *ABTestAssignment `json:"comparison,omitempty"`
	Choice     ABChoice          `json:"choice,omitempty"`
	ItemID     string            `json:"itemId,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// EventBus stores recent events and wakes readers waiting for new ones.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	wake      chan struct{}
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		wake:      make(chan struct{}),
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	close(b.wake)
	b.wake = make(chan struct{})
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Wait returns a channel closed by the next Publish.
func (b *EventBus) Wait() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.wake
}

// LastSeq returns the sequence of the newest event.
func (b *EventBus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
