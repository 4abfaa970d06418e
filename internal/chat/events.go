package chat

import (
	"sync"
	"time"
)

// Severity classifies a connection lifecycle event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ConnectionEvent is an immutable diagnostic record of a session lifecycle
// transition.
type ConnectionEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
}

// maxEvents caps the in-memory event history.
const maxEvents = 50

// EventLog is a bounded, newest-first ring of connection events. Safe for
// concurrent use.
type EventLog struct {
	mu     sync.Mutex
	events []ConnectionEvent
	now    func() time.Time
}

// NewEventLog returns an empty log.
func NewEventLog() *EventLog {
	return &EventLog{now: time.Now}
}

// Add records an event at the head of the log, truncating the oldest entries
// beyond the cap.
func (l *EventLog) Add(description string, severity Severity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append([]ConnectionEvent{{
		Timestamp:   l.now(),
		Description: description,
		Severity:    severity,
	}}, l.events...)
	if len(l.events) > maxEvents {
		l.events = l.events[:maxEvents]
	}
}

// Recent returns up to n events, newest first.
func (l *EventLog) Recent(n int) []ConnectionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.events) {
		n = len(l.events)
	}
	out := make([]ConnectionEvent, n)
	copy(out, l.events[:n])
	return out
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
