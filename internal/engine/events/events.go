// Package events provides the in-process event stream for the data engine.
// Events capture significant occurrences such as embedded server lifecycle
// transitions, startup phase outcomes, logged errors, recovery actions, and
// emergency backups. The recovery orchestrator and the status API are both
// consumers of this stream.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omega-player/dataengine/internal/engine/state"
)

// EventType classifies the kind of engine event.
type EventType string

const (
	// Embedded server lifecycle events
	EventServerStarting    EventType = "server.starting"
	EventServerStarted     EventType = "server.started"
	EventServerStartFailed EventType = "server.start_failed"
	EventServerAdopted     EventType = "server.adopted"
	EventServerStopping    EventType = "server.stopping"
	EventServerStopped     EventType = "server.stopped"
	EventServerStopFailed  EventType = "server.stop_failed"

	// Startup phase events
	EventPhaseCompleted EventType = "phase.completed"
	EventPhaseFailed    EventType = "phase.failed"

	// Error reporting events
	EventErrorOccurred EventType = "error.occurred"

	// Recovery events
	EventRecoveryStarted   EventType = "recovery.started"
	EventRecoverySucceeded EventType = "recovery.succeeded"
	EventRecoveryFailed    EventType = "recovery.failed"
	EventRecoverySkipped   EventType = "recovery.skipped"

	// Emergency backup events
	EventBackupWritten   EventType = "backup.written"
	EventBackupRestored  EventType = "backup.restored"
	EventBackupDiscarded EventType = "backup.discarded"

	// Emergency shutdown events
	EventShutdownInitiated EventType = "shutdown.initiated"
)

// Severity indicates the importance of an event. The same scale is used by
// the error log so that a logged error and its published event always agree.
type Severity string

const (
	// SeverityCritical marks failures that threaten data integrity or the
	// process itself. Critical events are what the recovery orchestrator
	// reacts to.
	SeverityCritical Severity = "critical"

	// SeverityPlayback marks failures confined to audio playback.
	SeverityPlayback Severity = "playback"

	// SeverityNonCritical marks recoverable failures that degrade a feature.
	SeverityNonCritical Severity = "noncritical"

	// SeverityInfo marks informational entries.
	SeverityInfo Severity = "info"
)

// Event represents a structured engine event.
type Event struct {
	// Core fields
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	// Context fields
	Component string `json:"component,omitempty"` // logger|dbserver|recovery|runtime
	Phase     string `json:"phase,omitempty"`     // startup phase tag, when applicable

	// State fields
	Status    state.Status    `json:"status,omitempty"`
	Readiness state.Readiness `json:"readiness,omitempty"`

	// Details
	Message  string            `json:"message,omitempty"`
	Details  string            `json:"details,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// String returns a human-readable representation.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// EventHandler processes events as they occur.
type EventHandler func(Event)

// EventFilter decides whether an event should be processed.
type EventFilter func(Event) bool

// EventLogger is the interface for event logging.
type EventLogger interface {
	// Log records an event.
	Log(event Event)

	// Subscribe registers a handler for events.
	Subscribe(handler EventHandler) func()

	// SubscribeFiltered registers a handler with a filter.
	SubscribeFiltered(filter EventFilter, handler EventHandler) func()

	// Recent returns the most recent N events.
	Recent(n int) []Event

	// RecentByComponent returns recent events for a specific component.
	RecentByComponent(component string, n int) []Event

	// RecentBySeverity returns recent events of a specific severity.
	RecentBySeverity(severity Severity, n int) []Event
}

// RingBuffer is a thread-safe circular buffer for events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  EventFilter
	handler EventHandler
}

// NewRingBuffer creates a new event ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log adds an event to the buffer and notifies handlers.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Notify handlers outside the lock
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (rb *RingBuffer) SubscribeFiltered(filter EventFilter, handler EventHandler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rb.mu.Unlock()

	// Return unsubscribe function
	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent N events in reverse chronological order.
func (rb *RingBuffer) Recent(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// RecentByComponent returns recent events for a specific component.
func (rb *RingBuffer) RecentByComponent(component string, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if rb.events[idx].Component == component {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// RecentBySeverity returns recent events of a specific severity.
func (rb *RingBuffer) RecentBySeverity(severity Severity, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if rb.events[idx].Severity == severity {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of events in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear removes all events from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

// EventBuilder provides a fluent API for creating events.
type EventBuilder struct {
	event Event
}

// NewEvent creates a new EventBuilder.
func NewEvent(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: Event{
			Type:      eventType,
			Severity:  SeverityInfo,
			Timestamp: time.Now().UTC(),
		},
	}
}

// Component sets the component.
func (b *EventBuilder) Component(component string) *EventBuilder {
	b.event.Component = component
	return b
}

// Phase sets the startup phase tag.
func (b *EventBuilder) Phase(phase string) *EventBuilder {
	b.event.Phase = phase
	return b
}

// Status sets the status.
func (b *EventBuilder) Status(status state.Status) *EventBuilder {
	b.event.Status = status
	return b
}

// Readiness sets the readiness.
func (b *EventBuilder) Readiness(readiness state.Readiness) *EventBuilder {
	b.event.Readiness = readiness
	return b
}

// Severity sets the severity.
func (b *EventBuilder) Severity(severity Severity) *EventBuilder {
	b.event.Severity = severity
	return b
}

// Message sets the message.
func (b *EventBuilder) Message(msg string) *EventBuilder {
	b.event.Message = msg
	return b
}

// Details sets supplementary details.
func (b *EventBuilder) Details(details string) *EventBuilder {
	b.event.Details = details
	return b
}

// Error sets the error text. Severity escalates to noncritical only when it
// is still the builder default, so an explicit Critical or Playback severity
// is never downgraded by attaching the error afterwards.
func (b *EventBuilder) Error(err string) *EventBuilder {
	b.event.Error = err
	if b.event.Severity == SeverityInfo {
		b.event.Severity = SeverityNonCritical
	}
	return b
}

// ErrorFrom sets the error from an error value.
func (b *EventBuilder) ErrorFrom(err error) *EventBuilder {
	if err != nil {
		return b.Error(err.Error())
	}
	return b
}

// Duration sets the duration.
func (b *EventBuilder) Duration(d time.Duration) *EventBuilder {
	b.event.Duration = d
	return b
}

// Metadata adds metadata.
func (b *EventBuilder) Metadata(key, value string) *EventBuilder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]string)
	}
	b.event.Metadata[key] = value
	return b
}

// Build returns the constructed event.
func (b *EventBuilder) Build() Event {
	if b.event.ID == "" {
		b.event.ID = uuid.NewString()
	}
	return b.event
}

// LogTo logs the event to the given logger.
func (b *EventBuilder) LogTo(logger EventLogger) {
	logger.Log(b.Build())
}

// NoOpLogger is an event logger that discards all events.
type NoOpLogger struct{}

func (NoOpLogger) Log(Event)                                          {}
func (NoOpLogger) Subscribe(EventHandler) func()                      { return func() {} }
func (NoOpLogger) SubscribeFiltered(EventFilter, EventHandler) func() { return func() {} }
func (NoOpLogger) Recent(int) []Event                                 { return nil }
func (NoOpLogger) RecentByComponent(string, int) []Event              { return nil }
func (NoOpLogger) RecentBySeverity(Severity, int) []Event             { return nil }
