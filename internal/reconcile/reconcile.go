package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"schooltrack/internal/chat"
	"schooltrack/internal/metrics"
)

// OpenRecord is a check-in with no matching check-out: status entered or
// present and no leave time recorded.
type OpenRecord struct {
	StudentID   string
	RecordID    string
	Name        string
	IndexNumber string
	ParentPhone string
	Date        time.Time
	EntryTime   *time.Time
	Status      string
}

// StudentStore is the narrow persistence interface the reconciler consumes.
// CloseRecord must be conditional (only an open record matches) so re-runs
// are idempotent and concurrent scan-triggered writes are not lost.
type StudentStore interface {
	FindOpenRecords(ctx context.Context, from, to time.Time) ([]OpenRecord, error)
	CloseRecord(ctx context.Context, studentID, recordID string, leaveTime time.Time) (bool, error)
	RecomputePercentage(ctx context.Context, studentID string, lastAttendance time.Time) error
	CountActive(ctx context.Context) (int, error)
}

// Notifier sends parent notifications. Satisfied by chat.Dispatcher.
type Notifier interface {
	SendText(ctx context.Context, phone, body string) chat.SendResult
}

// Summary reports one reconciliation pass.
type Summary struct {
	Matched  int `json:"matched"`
	Closed   int `json:"closed"`
	Notified int `json:"notified"`
	Failed   int `json:"failed"`
}

// defaultCutoffHour/Minute is the departure time stamped onto records that
// were never scanned out: 18:30 local.
const (
	defaultCutoffHour   = 18
	defaultCutoffMinute = 30
)

// Reconciler force-closes open attendance records past a deadline and
// notifies parents through the dispatcher.
type Reconciler struct {
	store    StudentStore
	notifier Notifier
	loc      *time.Location
	log      zerolog.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler operating in loc (nil = time.Local).
func NewReconciler(store StudentStore, notifier Notifier, loc *time.Location, log zerolog.Logger) *Reconciler {
	if loc == nil {
		loc = time.Local
	}
	return &Reconciler{
		store:    store,
		notifier: notifier,
		loc:      loc,
		log:      log,
		now:      time.Now,
	}
}

// CloseOpenForToday finds today's open records, stamps them closed at
// cutoff, and notifies each parent that the student forgot to scan out.
// Safe to re-run: already-closed records no longer match. One student's
// failure never stops the rest.
func (r *Reconciler) CloseOpenForToday(ctx context.Context, cutoff time.Time) (Summary, error) {
	if n, err := r.store.CountActive(ctx); err == nil {
		r.log.Info().Int("active_students", n).Msg("starting automatic leave attendance marking")
	} else {
		r.log.Info().Msg("starting automatic leave attendance marking")
	}

	from := r.startOfDay(r.now())
	to := from.AddDate(0, 0, 1)
	records, err := r.store.FindOpenRecords(ctx, from, to)
	if err != nil {
		return Summary{}, fmt.Errorf("finding open records for today: %w", err)
	}
	if len(records) == 0 {
		r.log.Info().Msg("no students need automatic leave marking")
		return Summary{}, nil
	}
	r.log.Info().Int("students", len(records)).Msg("students need automatic leave marking")

	var sum Summary
	for _, rec := range records {
		sum.Matched++
		if err := r.closeAndNotify(ctx, rec, cutoff, r.todayMessage(rec), "today", &sum); err != nil {
			r.log.Error().Err(err).Str("student", rec.Name).Msg("error processing student")
			metrics.ReconcileFailures.Inc()
			sum.Failed++
		}
	}

	r.log.Info().Int("closed", sum.Closed).Int("failed", sum.Failed).Msg("completed automatic leave marking")
	return sum, nil
}

// CloseOpenForAllPastDays closes every open record dated strictly before
// today. A student's open records are closed in one pass, each stamped at
// 18:30 of its own date, and one combined notification lists all affected
// dates.
func (r *Reconciler) CloseOpenForAllPastDays(ctx context.Context) (Summary, error) {
	r.log.Info().Msg("checking all past attendance records")

	today := r.startOfDay(r.now())
	records, err := r.store.FindOpenRecords(ctx, time.Time{}, today)
	if err != nil {
		return Summary{}, fmt.Errorf("finding open past records: %w", err)
	}
	if len(records) == 0 {
		r.log.Info().Msg("no incomplete attendance records found from past days")
		return Summary{}, nil
	}

	byStudent := groupByStudent(records)
	r.log.Info().Int("students", len(byStudent)).Msg("students with incomplete past records")

	var sum Summary
	for _, recs := range byStudent {
		if err := r.closePastBatch(ctx, recs, &sum); err != nil {
			r.log.Error().Err(err).Str("student", recs[0].Name).Msg("error processing past attendance")
			metrics.ReconcileFailures.Inc()
			sum.Failed++
		}
	}

	r.log.Info().Int("closed", sum.Closed).Msg("completed past attendance check")
	return sum, nil
}

// CloseOpenForYesterday clears any older backlog first, then closes
// yesterday's calendar window specifically, stamped at 18:30 of yesterday.
func (r *Reconciler) CloseOpenForYesterday(ctx context.Context) (Summary, error) {
	if _, err := r.CloseOpenForAllPastDays(ctx); err != nil {
		return Summary{}, err
	}

	r.log.Info().Msg("checking previous day attendance records")

	yesterday := r.startOfDay(r.now()).AddDate(0, 0, -1)
	cutoff := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(),
		defaultCutoffHour, defaultCutoffMinute, 0, 0, r.loc)

	records, err := r.store.FindOpenRecords(ctx, yesterday, yesterday.AddDate(0, 0, 1))
	if err != nil {
		return Summary{}, fmt.Errorf("finding yesterday's open records: %w", err)
	}
	if len(records) == 0 {
		r.log.Info().Msg("no incomplete attendance records from previous day")
		return Summary{}, nil
	}

	var sum Summary
	for _, rec := range records {
		sum.Matched++
		if err := r.closeAndNotify(ctx, rec, cutoff, r.yesterdayMessage(rec, yesterday), "yesterday", &sum); err != nil {
			r.log.Error().Err(err).Str("student", rec.Name).Msg("error processing previous day attendance")
			metrics.ReconcileFailures.Inc()
			sum.Failed++
		}
	}

	r.log.Info().Int("closed", sum.Closed).Msg("completed previous day attendance check")
	return sum, nil
}

// closeAndNotify closes one record and, if it actually transitioned, sends
// the notification. Persist happens strictly before notify.
func (r *Reconciler) closeAndNotify(ctx context.Context, rec OpenRecord, cutoff time.Time, body, scope string, sum *Summary) error {
	closed, err := r.store.CloseRecord(ctx, rec.StudentID, rec.RecordID, cutoff)
	if err != nil {
		return fmt.Errorf("closing record: %w", err)
	}
	if !closed {
		// Already closed by a concurrent scan or an earlier run.
		return nil
	}
	sum.Closed++
	metrics.RecordsClosed.WithLabelValues(scope).Inc()

	if err := r.store.RecomputePercentage(ctx, rec.StudentID, cutoff); err != nil {
		r.log.Warn().Err(err).Str("student", rec.Name).Msg("percentage recompute failed")
	}

	r.notify(ctx, rec, body, sum)
	r.log.Info().Str("student", rec.Name).Msg("marked leave attendance")
	return nil
}

// closePastBatch closes all of one student's open past records, then sends
// one combined notification listing the affected dates.
func (r *Reconciler) closePastBatch(ctx context.Context, recs []OpenRecord, sum *Summary) error {
	var closedDates []time.Time
	var last time.Time
	for _, rec := range recs {
		sum.Matched++
		cutoff := time.Date(rec.Date.Year(), rec.Date.Month(), rec.Date.Day(),
			defaultCutoffHour, defaultCutoffMinute, 0, 0, r.loc)
		closed, err := r.store.CloseRecord(ctx, rec.StudentID, rec.RecordID, cutoff)
		if err != nil {
			return fmt.Errorf("closing past record: %w", err)
		}
		if !closed {
			continue
		}
		sum.Closed++
		metrics.RecordsClosed.WithLabelValues("past").Inc()
		closedDates = append(closedDates, rec.Date)
		if cutoff.After(last) {
			last = cutoff
		}
	}
	if len(closedDates) == 0 {
		return nil
	}

	rec := recs[0]
	if err := r.store.RecomputePercentage(ctx, rec.StudentID, last); err != nil {
		r.log.Warn().Err(err).Str("student", rec.Name).Msg("percentage recompute failed")
	}

	r.notify(ctx, rec, r.pastDaysMessage(rec, closedDates), sum)
	r.log.Info().Str("student", rec.Name).Int("records", len(closedDates)).Msg("marked past attendance")
	return nil
}

// notify sends the parent message when a phone is on file. A missing phone
// skips the notification with a warning; the close already happened.
func (r *Reconciler) notify(ctx context.Context, rec OpenRecord, body string, sum *Summary) {
	if rec.ParentPhone == "" {
		r.log.Warn().Str("student", rec.Name).Msg("no parent telephone on file, skipping notification")
		return
	}
	res := r.notifier.SendText(ctx, rec.ParentPhone, body)
	if res.Success {
		sum.Notified++
		r.log.Info().Str("student", rec.Name).Msg("sent leave notification to parent")
	} else {
		r.log.Warn().Str("student", rec.Name).Str("error", res.Error).Msg("failed to send notification to parent")
	}
}

func (r *Reconciler) todayMessage(rec OpenRecord) string {
	return fmt.Sprintf(`🏫 Automated Attendance Update

Dear Parent,
Your child %s (Index: %s) did not scan the QR code when leaving today.
The system has automatically marked their departure time as 6:30 PM.
Please remind your child to properly scan both when arriving and leaving.

Thank you.`, rec.Name, rec.IndexNumber)
}

func (r *Reconciler) pastDaysMessage(rec OpenRecord, dates []time.Time) string {
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	lines := make([]string, len(dates))
	for i, d := range dates {
		lines[i] = d.In(r.loc).Format("Mon Jan 2 2006")
	}
	return fmt.Sprintf(`🏫 Past Attendance Records Update

Dear Parent,
Your child %s (Index: %s) had %d incomplete attendance record(s).
The system has automatically marked their departure time as 6:30 PM for these dates:
%s

Please ensure your child properly scans both when arriving and leaving.

Thank you.`, rec.Name, rec.IndexNumber, len(dates), strings.Join(lines, "\n"))
}

func (r *Reconciler) yesterdayMessage(rec OpenRecord, day time.Time) string {
	return fmt.Sprintf(`🏫 Previous Day Attendance Update

Dear Parent,
Your child %s (Index: %s) had an incomplete attendance record for %s.
The system has automatically marked their departure time as 6:30 PM for that day.
Please ensure your child properly scans both when arriving and leaving.

Thank you.`, rec.Name, rec.IndexNumber, day.In(r.loc).Format("Mon Jan 2 2006"))
}

func (r *Reconciler) startOfDay(t time.Time) time.Time {
	t = t.In(r.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, r.loc)
}

// DefaultCutoff returns today's 18:30 in the reconciler's location.
func (r *Reconciler) DefaultCutoff() time.Time {
	t := r.now().In(r.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), defaultCutoffHour, defaultCutoffMinute, 0, 0, r.loc)
}

func groupByStudent(records []OpenRecord) map[string][]OpenRecord {
	out := make(map[string][]OpenRecord)
	for _, rec := range records {
		out[rec.StudentID] = append(out[rec.StudentID], rec)
	}
	return out
}
