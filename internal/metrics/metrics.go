package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Messaging metrics
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schooltrack_messages_sent_total",
			Help: "Outbound chat messages by result",
		},
		[]string{"result"},
	)

	MessagesPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schooltrack_messages_pending",
			Help: "Outbound chat messages currently in flight",
		},
	)

	// Session metrics
	SessionResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schooltrack_session_resets_total",
			Help: "Full chat session resets performed",
		},
	)

	HeartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schooltrack_heartbeat_failures_total",
			Help: "Failed chat session heartbeat probes",
		},
	)

	// Reconciliation metrics
	RecordsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schooltrack_attendance_records_closed_total",
			Help: "Open attendance records force-closed by reconciliation",
		},
		[]string{"scope"},
	)

	ReconcileFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schooltrack_reconcile_failures_total",
			Help: "Per-student reconciliation failures",
		},
	)

	// Notification queue metrics
	NotificationsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schooltrack_notifications_queued_total",
			Help: "Attendance notifications published to the queue",
		},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(
		MessagesSent,
		MessagesPending,
		SessionResets,
		HeartbeatFailures,
		RecordsClosed,
		ReconcileFailures,
		NotificationsQueued,
	)
}
