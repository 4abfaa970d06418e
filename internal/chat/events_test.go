package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogNewestFirst(t *testing.T) {
	l := NewEventLog()
	l.Add("first", SeverityInfo)
	l.Add("second", SeverityWarning)
	l.Add("third", SeverityError)

	got := l.Recent(10)
	require.Len(t, got, 3)
	assert.Equal(t, "third", got[0].Description)
	assert.Equal(t, "second", got[1].Description)
	assert.Equal(t, "first", got[2].Description)
	assert.Equal(t, SeverityError, got[0].Severity)
}

func TestEventLogCap(t *testing.T) {
	l := NewEventLog()
	for i := 0; i < maxEvents+20; i++ {
		l.Add(fmt.Sprintf("event %d", i), SeverityInfo)
	}

	assert.Equal(t, maxEvents, l.Len())

	got := l.Recent(maxEvents)
	require.Len(t, got, maxEvents)
	// Newest survives, oldest were truncated.
	assert.Equal(t, fmt.Sprintf("event %d", maxEvents+19), got[0].Description)
	assert.Equal(t, "event 20", got[maxEvents-1].Description)
}

func TestEventLogRecentBounds(t *testing.T) {
	l := NewEventLog()
	assert.Empty(t, l.Recent(5))

	l.Add("only", SeveritySuccess)
	got := l.Recent(5)
	require.Len(t, got, 1)
	assert.Equal(t, "only", got[0].Description)

	got = l.Recent(0)
	assert.Empty(t, got)
}

func TestEventLogTimestamps(t *testing.T) {
	l := NewEventLog()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	l.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}

	l.Add("a", SeverityInfo)
	l.Add("b", SeverityInfo)

	got := l.Recent(2)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.After(got[1].Timestamp))
}
