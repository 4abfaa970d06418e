package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schooltrack/internal/chat"
)

type fakeStore struct {
	mu         sync.Mutex
	open       []OpenRecord
	closedAt   map[string]time.Time
	recompute  int
	findErr    error
	closeErr   error
	staleReads bool // queries ignore closes, as with a racing writer
}

func newFakeStore(records ...OpenRecord) *fakeStore {
	return &fakeStore{open: records, closedAt: make(map[string]time.Time)}
}

func (s *fakeStore) FindOpenRecords(ctx context.Context, from, to time.Time) ([]OpenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var out []OpenRecord
	for _, rec := range s.open {
		if _, done := s.closedAt[rec.RecordID]; done && !s.staleReads {
			continue
		}
		if !from.IsZero() && rec.Date.Before(from) {
			continue
		}
		if !rec.Date.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) CloseRecord(ctx context.Context, studentID, recordID string, leaveTime time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return false, s.closeErr
	}
	if _, done := s.closedAt[recordID]; done {
		return false, nil
	}
	s.closedAt[recordID] = leaveTime
	return true, nil
}

func (s *fakeStore) RecomputePercentage(ctx context.Context, studentID string, lastAttendance time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recompute++
	return nil
}

func (s *fakeStore) CountActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open) - len(s.closedAt), nil
}

type sentMessage struct {
	Phone string
	Body  string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (n *fakeNotifier) SendText(ctx context.Context, phone, body string) chat.SendResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return chat.SendResult{Success: false, Error: "chat client not ready", Code: chat.CodeClientNotReady}
	}
	n.sent = append(n.sent, sentMessage{Phone: phone, Body: body})
	return chat.SendResult{Success: true, MessageID: "m1"}
}

func (n *fakeNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentMessage, len(n.sent))
	copy(out, n.sent)
	return out
}

var testNow = time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)

func newTestReconciler(store *fakeStore, notifier *fakeNotifier) *Reconciler {
	r := NewReconciler(store, notifier, time.UTC, zerolog.Nop())
	r.now = func() time.Time { return testNow }
	return r
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func openRec(id, studentID, name, phone string, date time.Time) OpenRecord {
	entry := date.Add(8 * time.Hour)
	return OpenRecord{
		StudentID:   studentID,
		RecordID:    id,
		Name:        name,
		IndexNumber: "ST-" + id,
		ParentPhone: phone,
		Date:        date,
		EntryTime:   &entry,
		Status:      "entered",
	}
}

func TestCloseOpenForToday(t *testing.T) {
	today := day(2026, 3, 2)
	store := newFakeStore(
		openRec("r1", "s1", "Kasun", "0771234567", today),
		openRec("r2", "s2", "Nimal", "0719876543", today),
		openRec("r3", "s3", "Amara", "", today),
	)
	notifier := &fakeNotifier{}
	r := newTestReconciler(store, notifier)

	cutoff := time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC)
	sum, err := r.CloseOpenForToday(context.Background(), cutoff)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Matched)
	assert.Equal(t, 3, sum.Closed)
	assert.Equal(t, 2, sum.Notified, "student without a parent phone is skipped")
	assert.Equal(t, 0, sum.Failed)

	assert.Equal(t, cutoff, store.closedAt["r1"])
	assert.Equal(t, cutoff, store.closedAt["r2"])
	assert.Equal(t, cutoff, store.closedAt["r3"], "record is closed even when no one can be notified")

	msgs := notifier.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Body, "did not scan the QR code when leaving today")
	assert.Contains(t, msgs[0].Body, "Kasun")
	assert.Contains(t, msgs[0].Body, "6:30 PM")
}

func TestCloseOpenForTodayIdempotent(t *testing.T) {
	today := day(2026, 3, 2)
	store := newFakeStore(openRec("r1", "s1", "Kasun", "0771234567", today))
	notifier := &fakeNotifier{}
	r := newTestReconciler(store, notifier)

	cutoff := time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC)
	first, err := r.CloseOpenForToday(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Closed)

	second, err := r.CloseOpenForToday(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Closed)
	assert.Len(t, notifier.messages(), 1, "no duplicate notification on re-run")
}

func TestCloseOpenForTodayEmpty(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	r := newTestReconciler(store, notifier)

	sum, err := r.CloseOpenForToday(context.Background(), r.DefaultCutoff())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
	assert.Empty(t, notifier.messages())
}

func TestCloseOpenForTodayConcurrentClose(t *testing.T) {
	today := day(2026, 3, 2)
	store := newFakeStore(openRec("r1", "s1", "Kasun", "0771234567", today))
	// A scan beat the sweep to the close: the record still comes back from
	// the stale query, but the conditional close must not touch it.
	store.staleReads = true
	store.closedAt["r1"] = today.Add(17 * time.Hour)
	notifier := &fakeNotifier{}
	r := newTestReconciler(store, notifier)

	sum, err := r.CloseOpenForToday(context.Background(), r.DefaultCutoff())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Closed)
	assert.Empty(t, notifier.messages())
	assert.Equal(t, today.Add(17*time.Hour), store.closedAt["r1"], "scan-written leave time survives")
}

func TestCloseOpenForTodayFindError(t *testing.T) {
	store := newFakeStore()
	store.findErr = errors.New("db down")
	r := newTestReconciler(store, &fakeNotifier{})

	_, err := r.CloseOpenForToday(context.Background(), r.DefaultCutoff())
	assert.Error(t, err)
}

func TestCloseOpenForAllPastDays(t *testing.T) {
	store := newFakeStore(
		openRec("r1", "s1", "Kasun", "0771234567", day(2026, 2, 27)),
		openRec("r2", "s1", "Kasun", "0771234567", day(2026, 3, 1)),
		openRec("r3", "s2", "Nimal", "0719876543", day(2026, 2, 20)),
		openRec("r4", "s3", "Amara", "0751112223", day(2026, 3, 2)), // today, out of scope
	)
	notifier := &fakeNotifier{}
	r := newTestReconciler(store, notifier)

	sum, err := r.CloseOpenForAllPastDays(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Matched)
	assert.Equal(t, 3, sum.Closed)
	assert.Equal(t, 2, sum.Notified, "one combined notification per student")

	// Each record is stamped at 18:30 of its own date.
	assert.Equal(t, time.Date(2026, 2, 27, 18, 30, 0, 0, time.UTC), store.closedAt["r1"])
	assert.Equal(t, time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC), store.closedAt["r2"])
	assert.Equal(t, time.Date(2026, 2, 20, 18, 30, 0, 0, time.UTC), store.closedAt["r3"])
	_, todayClosed := store.closedAt["r4"]
	assert.False(t, todayClosed, "today's records are not part of the past sweep")

	var kasun *sentMessage
	msgs := notifier.messages()
	for i := range msgs {
		if msgs[i].Phone == "0771234567" {
			kasun = &msgs[i]
		}
	}
	require.NotNil(t, kasun)
	assert.Contains(t, kasun.Body, "2 incomplete attendance record(s)")
	assert.Contains(t, kasun.Body, "Fri Feb 27 2026")
	assert.Contains(t, kasun.Body, "Sun Mar 1 2026")
}

func TestCloseOpenForYesterday(t *testing.T) {
	store := newFakeStore(
		openRec("r1", "s1", "Kasun", "0771234567", day(2026, 2, 20)),
		openRec("r2", "s2", "Nimal", "0719876543", day(2026, 3, 1)),
	)
	notifier := &fakeNotifier{}
	r := newTestReconciler(store, notifier)

	_, err := r.CloseOpenForYesterday(context.Background())
	require.NoError(t, err)

	// The backlog sweep runs first and picks up yesterday's record too; the
	// dedicated yesterday pass then finds nothing left to do.
	assert.Equal(t, time.Date(2026, 2, 20, 18, 30, 0, 0, time.UTC), store.closedAt["r1"])
	assert.Equal(t, time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC), store.closedAt["r2"])
	assert.Len(t, notifier.messages(), 2)
}

func TestNotifyFailureDoesNotUndoClose(t *testing.T) {
	today := day(2026, 3, 2)
	store := newFakeStore(openRec("r1", "s1", "Kasun", "0771234567", today))
	notifier := &fakeNotifier{fail: true}
	r := newTestReconciler(store, notifier)

	sum, err := r.CloseOpenForToday(context.Background(), r.DefaultCutoff())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Closed, "close persists even when the notification fails")
	assert.Equal(t, 0, sum.Notified)
	assert.Equal(t, 0, sum.Failed, "a failed notification is not a reconcile failure")
}

func TestCloseErrorCountsAsFailed(t *testing.T) {
	today := day(2026, 3, 2)
	store := newFakeStore(openRec("r1", "s1", "Kasun", "0771234567", today))
	store.closeErr = errors.New("db write failed")
	notifier := &fakeNotifier{}
	r := newTestReconciler(store, notifier)

	sum, err := r.CloseOpenForToday(context.Background(), r.DefaultCutoff())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Closed)
	assert.Empty(t, notifier.messages())
}

func TestDefaultCutoff(t *testing.T) {
	r := newTestReconciler(newFakeStore(), &fakeNotifier{})
	assert.Equal(t, time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC), r.DefaultCutoff())
}
