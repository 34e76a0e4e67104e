// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (session engine, signal
// bridge, web API) to subscribers (WebSocket event stream, MQTT stats).
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEngine identifies events from the session engine.
	SourceEngine = "engine"
	// SourceSession identifies events from the session store sweeper.
	SourceSession = "session"
	// SourceSignal identifies events from the Signal bridge.
	SourceSignal = "signal"
	// SourceWeb identifies events from the HTTP and WebSocket API.
	SourceWeb = "web"
	// SourceHealth identifies events from the connection watchers.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindAnalysisComplete signals a new analysis was committed.
	// Data: session_id, analysis_id, dish, kcal, source_kind,
	// attempts, elapsed_ms.
	KindAnalysisComplete = "analysis_complete"
	// KindRefinementComplete signals a refined analysis was committed.
	// Data: session_id, analysis_id, derived_from, field, kcal,
	// attempts, elapsed_ms.
	KindRefinementComplete = "refinement_complete"
	// KindAnalysisFailed signals a request ended in a Failed outcome.
	// Data: session_id, intent, error_kind.
	KindAnalysisFailed = "analysis_failed"
	// KindFactServed signals a fact was returned for a session.
	// Data: session_id, dish.
	KindFactServed = "fact_served"
	// KindSessionReset signals an explicit reset.
	// Data: session_id.
	KindSessionReset = "session_reset"
	// KindSessionExpired signals a session was expired for inactivity.
	// Data: session_id.
	KindSessionExpired = "session_expired"

	// KindMessageReceived signals an incoming transport message.
	// Data: session_id, kind, message_len.
	KindMessageReceived = "message_received"

	// KindServiceUp signals a watched service became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched service became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
