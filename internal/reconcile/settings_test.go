package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestAutoCheckoutDefaults(t *testing.T) {
	a := NewAutoCheckout(newTestReconciler(newFakeStore(), &fakeNotifier{}))

	s := a.Settings()
	assert.False(t, s.Enabled)
	assert.Equal(t, "18:30", s.Time)
	assert.True(t, s.SendNotification)
	assert.Nil(t, s.LastRun)
}

func TestAutoCheckoutConfigure(t *testing.T) {
	tests := []struct {
		name    string
		enabled *bool
		time    string
		notify  *bool
		want    AutoCheckoutSettings
		wantErr bool
	}{
		{
			name:    "enable with new time",
			enabled: boolPtr(true),
			time:    "17:00",
			want:    AutoCheckoutSettings{Enabled: true, Time: "17:00", SendNotification: true},
		},
		{
			name: "partial update keeps other fields",
			time: "08:05",
			want: AutoCheckoutSettings{Enabled: false, Time: "08:05", SendNotification: true},
		},
		{
			name:   "disable notifications only",
			notify: boolPtr(false),
			want:   AutoCheckoutSettings{Enabled: false, Time: "18:30", SendNotification: false},
		},
		{
			name:    "rejects bad time",
			time:    "25:00",
			wantErr: true,
		},
		{
			name:    "rejects bad minutes",
			time:    "18:75",
			wantErr: true,
		},
		{
			name:    "rejects free text",
			time:    "tea time",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAutoCheckout(newTestReconciler(newFakeStore(), &fakeNotifier{}))
			got, err := a.Configure(tt.enabled, tt.time, tt.notify)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAutoCheckoutRunNow(t *testing.T) {
	today := day(2026, 3, 2)
	store := newFakeStore(openRec("r1", "s1", "Kasun", "0771234567", today))
	r := newTestReconciler(store, &fakeNotifier{})
	a := NewAutoCheckout(r)
	a.now = func() time.Time { return testNow }

	_, err := a.Configure(boolPtr(true), "17:15", nil)
	require.NoError(t, err)

	sum, err := a.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Closed)

	// The configured time, not the default cutoff, is stamped as departure.
	assert.Equal(t, time.Date(2026, 3, 2, 17, 15, 0, 0, time.UTC), store.closedAt["r1"])

	s := a.Settings()
	require.NotNil(t, s.LastRun)
	assert.Equal(t, testNow, *s.LastRun)
}
