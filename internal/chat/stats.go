package chat

import "sync"

// DeliveryStats holds process-wide counters for outbound messages. Counters
// are monotonic except pending, which rises on send-start and falls on
// completion. Reset only by process restart.
//
// Stats are tracked once, at the lowest send layer; higher-level alert
// builders must not increment again.
type DeliveryStats struct {
	mu         sync.Mutex
	total      int64
	successful int64
	failed     int64
	pending    int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Pending    int64 `json:"pending"`
}

// NewDeliveryStats returns zeroed counters.
func NewDeliveryStats() *DeliveryStats {
	return &DeliveryStats{}
}

// StartSend records a send attempt entering flight.
func (s *DeliveryStats) StartSend() {
	s.mu.Lock()
	s.total++
	s.pending++
	s.mu.Unlock()
}

// FinishSend records the outcome of an in-flight send.
func (s *DeliveryStats) FinishSend(ok bool) {
	s.mu.Lock()
	s.pending--
	if ok {
		s.successful++
	} else {
		s.failed++
	}
	s.mu.Unlock()
}

// RecordRejected counts a send that failed before entering flight
// (client not ready, unparseable address).
func (s *DeliveryStats) RecordRejected() {
	s.mu.Lock()
	s.total++
	s.failed++
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of all counters.
func (s *DeliveryStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Total:      s.total,
		Successful: s.successful,
		Failed:     s.failed,
		Pending:    s.pending,
	}
}
