package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"schooltrack/internal/metrics"
)

// SendResult reports the outcome of a single outbound message.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      Code      `json:"code,omitempty"`
}

// BulkResult summarizes a sequential multi-address send.
type BulkResult struct {
	Success bool        `json:"success"`
	Summary BulkSummary `json:"summary"`
	Results BulkDetails `json:"results"`
}

// BulkSummary holds the aggregate counts of a bulk send.
type BulkSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// BulkDetails is the per-address manifest of a bulk send.
type BulkDetails struct {
	Successful []BulkEntry `json:"successful"`
	Failed     []BulkEntry `json:"failed"`
}

// BulkEntry records one address's outcome.
type BulkEntry struct {
	Phone     string `json:"phone"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StudentSummary carries the student fields included in an attendance alert.
type StudentSummary struct {
	Name        string
	IndexNumber string
	Email       string
	ParentPhone string
	Address     string
}

// Dispatcher builds and sends attendance messages through the session
// manager, tracking per-send delivery stats.
type Dispatcher struct {
	mgr         *Manager
	stats       *DeliveryStats
	countryCode string
	loc         *time.Location
	log         zerolog.Logger
	now         func() time.Time
}

// NewDispatcher creates a dispatcher. loc localizes alert timestamps;
// nil falls back to time.Local.
func NewDispatcher(mgr *Manager, stats *DeliveryStats, countryCode string, loc *time.Location, log zerolog.Logger) *Dispatcher {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	if loc == nil {
		loc = time.Local
	}
	return &Dispatcher{
		mgr:         mgr,
		stats:       stats,
		countryCode: countryCode,
		loc:         loc,
		log:         log,
		now:         time.Now,
	}
}

// Ready reports whether the underlying session can accept sends.
func (d *Dispatcher) Ready() bool {
	return d.mgr.Ready()
}

// SendText normalizes the address and delivers body through the current
// session. Delivery stats are tracked here, and only here.
func (d *Dispatcher) SendText(ctx context.Context, phone, body string) SendResult {
	if !d.mgr.Ready() {
		d.stats.RecordRejected()
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return SendResult{Success: false, Error: "chat client not ready", Code: CodeClientNotReady}
	}

	address, err := NormalizePhoneWithCode(phone, d.countryCode)
	if err != nil {
		d.stats.RecordRejected()
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return SendResult{Success: false, Error: "invalid phone number format", Code: CodeInvalidPhone}
	}

	d.log.Debug().Str("to", address).Msg("sending chat message")
	d.stats.StartSend()
	metrics.MessagesPending.Inc()

	id, err := d.mgr.Send(ctx, address, body)

	d.stats.FinishSend(err == nil)
	metrics.MessagesPending.Dec()
	if err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		d.log.Error().Err(err).Str("to", address).Msg("chat send failed")
		code := CodeSendError
		if err == ErrNotReady {
			code = CodeClientNotReady
		} else if ctx.Err() != nil {
			code = CodeTimeout
		}
		return SendResult{Success: false, Error: err.Error(), Code: code}
	}

	metrics.MessagesSent.WithLabelValues("successful").Inc()
	return SendResult{Success: true, MessageID: id, Timestamp: d.now()}
}

// SendAttendanceAlert formats and sends an attendance-change notification to
// a parent. Stats bookkeeping happens inside SendText so alerts are not
// double counted.
func (d *Dispatcher) SendAttendanceAlert(ctx context.Context, phone string, student StudentSummary, status string, ts time.Time) SendResult {
	if phone == "" {
		d.stats.RecordRejected()
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return SendResult{Success: false, Error: "no phone number provided", Code: CodeMissingPhone}
	}

	body := d.formatAlert(student, status, ts)
	return d.SendText(ctx, phone, body)
}

// SendBulk sends body to each address sequentially to respect the external
// channel's rate limits. One address's failure never aborts the rest.
func (d *Dispatcher) SendBulk(ctx context.Context, phones []string, body string) BulkResult {
	res := BulkResult{Success: true}
	res.Summary.Total = len(phones)

	for _, phone := range phones {
		r := d.SendText(ctx, phone, body)
		if r.Success {
			res.Summary.Successful++
			res.Results.Successful = append(res.Results.Successful, BulkEntry{Phone: phone, MessageID: r.MessageID})
		} else {
			res.Summary.Failed++
			res.Results.Failed = append(res.Results.Failed, BulkEntry{Phone: phone, Error: r.Error})
		}
	}
	return res
}

func (d *Dispatcher) formatAlert(student StudentSummary, status string, ts time.Time) string {
	formattedTime := ts.In(d.loc).Format("Monday, January 2, 2006 03:04 PM")
	name := student.Name
	if name == "" {
		name = "Student"
	}
	email := student.Email
	if email == "" {
		email = "N/A"
	}
	address := student.Address
	if address == "" {
		address = "N/A"
	}

	return fmt.Sprintf("🏫 *Attendance Update*\n\n"+
		"Student: *%s*\n"+
		"Index Number: *%s*\n"+
		"Status: *%s*\n"+
		"Time: *%s*\n\n"+
		"Additional Details:\n"+
		"Email: %s\n"+
		"Parent Phone: %s\n"+
		"Address: %s",
		name, student.IndexNumber, DisplayStatus(status), formattedTime, email, student.ParentPhone, address)
}

// DisplayStatus maps a stored attendance status to its human-readable label.
func DisplayStatus(status string) string {
	switch status {
	case "entered":
		return "Entered School"
	case "left":
		return "Left School"
	default:
		if status == "" {
			return ""
		}
		return strings.ToUpper(status[:1]) + status[1:]
	}
}
