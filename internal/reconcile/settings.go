package reconcile

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"
)

var timeOfDayRe = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)

// AutoCheckoutSettings controls the on-demand auto-checkout run. Process-wide,
// mutated via the configuration endpoint and read by RunNow.
type AutoCheckoutSettings struct {
	Enabled          bool       `json:"enabled"`
	Time             string     `json:"time"` // HH:MM, 24-hour
	SendNotification bool       `json:"sendNotification"`
	LastRun          *time.Time `json:"lastRun,omitempty"`
}

// AutoCheckout owns the settings and runs today's close on demand.
type AutoCheckout struct {
	mu         sync.Mutex
	settings   AutoCheckoutSettings
	reconciler *Reconciler
	now        func() time.Time
}

// NewAutoCheckout returns auto-checkout with the original defaults:
// disabled, 18:30, notifications on.
func NewAutoCheckout(r *Reconciler) *AutoCheckout {
	return &AutoCheckout{
		settings: AutoCheckoutSettings{
			Enabled:          false,
			Time:             "18:30",
			SendNotification: true,
		},
		reconciler: r,
		now:        time.Now,
	}
}

// Configure applies partial updates. A nil field leaves the current value.
func (a *AutoCheckout) Configure(enabled *bool, timeOfDay string, sendNotification *bool) (AutoCheckoutSettings, error) {
	if timeOfDay != "" && !timeOfDayRe.MatchString(timeOfDay) {
		return AutoCheckoutSettings{}, fmt.Errorf("invalid time format %q: must be HH:MM (24-hour)", timeOfDay)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if enabled != nil {
		a.settings.Enabled = *enabled
	}
	if timeOfDay != "" {
		a.settings.Time = timeOfDay
	}
	if sendNotification != nil {
		a.settings.SendNotification = *sendNotification
	}
	return a.settings, nil
}

// Settings returns a copy of the current settings.
func (a *AutoCheckout) Settings() AutoCheckoutSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// RunNow closes today's open records at the configured cutoff time and
// stamps LastRun.
func (a *AutoCheckout) RunNow(ctx context.Context) (Summary, error) {
	a.mu.Lock()
	timeOfDay := a.settings.Time
	a.mu.Unlock()

	cutoff, err := a.cutoffToday(timeOfDay)
	if err != nil {
		return Summary{}, err
	}

	sum, err := a.reconciler.CloseOpenForToday(ctx, cutoff)

	ran := a.now()
	a.mu.Lock()
	a.settings.LastRun = &ran
	a.mu.Unlock()
	return sum, err
}

func (a *AutoCheckout) cutoffToday(timeOfDay string) (time.Time, error) {
	parsed, err := time.Parse("15:04", timeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid auto-checkout time %q: %w", timeOfDay, err)
	}
	now := a.now().In(a.reconciler.loc)
	return time.Date(now.Year(), now.Month(), now.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, a.reconciler.loc), nil
}
