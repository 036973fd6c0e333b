package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EventKind distinguishes telemetry events.
type EventKind string

const (
	EventSessionStart EventKind = "session-start"
	EventMemory       EventKind = "memory"
	EventProgress     EventKind = "progress"
	EventSessionEnd   EventKind = "session-end"
)

// Event is one observation. Progress events carry Stage, Percent and
// Message; memory events carry MemoryBytes.
type Event struct {
	Kind        EventKind `json:"kind"`
	SessionID   string    `json:"sessionId,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Percent     float64   `json:"percent,omitempty"`
	Message     string    `json:"message,omitempty"`
	MemoryBytes uint64    `json:"memoryBytes,omitempty"`
	At          time.Time `json:"at"`
}

// Sink receives telemetry. Delivery is best effort; Publish must not block.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// Sinks fans events out to several sinks.
type Sinks []Sink

func (s Sinks) Publish(e Event) {
	for _, sink := range s {
		sink.Publish(e)
	}
}

// MemorySink records events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Publish(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of the recorded events.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// LogSink writes events to a zap logger at debug level.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Publish(e Event) {
	s.Log.Debug("telemetry",
		zap.String("kind", string(e.Kind)),
		zap.String("session", e.SessionID),
		zap.String("stage", e.Stage),
		zap.Float64("percent", e.Percent),
		zap.Uint64("memory_bytes", e.MemoryBytes),
		zap.String("message", e.Message))
}

// ThrottledSink limits progress and memory events to a rate. Session start
// and end events always pass, as do progress events reaching 100%.
type ThrottledSink struct {
	next    Sink
	limiter *rate.Limiter
}

// NewThrottledSink forwards at most perSecond rate-limited events per second to next.
func NewThrottledSink(next Sink, perSecond float64) *ThrottledSink {
	return &ThrottledSink{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (t *ThrottledSink) Publish(e Event) {
	switch {
	case e.Kind == EventSessionStart || e.Kind == EventSessionEnd:
	case e.Kind == EventProgress && e.Percent >= 100:
	case !t.limiter.Allow():
		return
	}
	t.next.Publish(e)
}
