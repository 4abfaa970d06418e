package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Clock provides time for scheduling. Mockable in tests.
type Clock interface {
	Now() time.Time
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time { return time.Now() }

// Daily sweep fires at 18:45 local unless overridden.
const (
	defaultSweepHour   = 18
	defaultSweepMinute = 45
)

// Scheduler runs the past-days sweep once at startup and the today sweep
// daily at a fixed wall-clock time. A single one-shot timer is recomputed
// after every fire, so slow runs do not compound drift the way a fixed-rate
// interval would.
type Scheduler struct {
	reconciler *Reconciler
	loc        *time.Location
	clock      Clock
	log        zerolog.Logger

	sweepHour   int
	sweepMinute int

	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

// NewScheduler creates a scheduler in loc (nil = time.Local).
func NewScheduler(r *Reconciler, loc *time.Location, clock Clock, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		reconciler:  r,
		loc:         loc,
		clock:       clock,
		log:         log,
		sweepHour:   defaultSweepHour,
		sweepMinute: defaultSweepMinute,
	}
}

// SetSweepTime overrides the daily sweep wall-clock time. Must be called
// before Start.
func (s *Scheduler) SetSweepTime(timeOfDay string) error {
	parsed, err := time.Parse("15:04", timeOfDay)
	if err != nil {
		return fmt.Errorf("invalid sweep time %q: %w", timeOfDay, err)
	}
	s.sweepHour = parsed.Hour()
	s.sweepMinute = parsed.Minute()
	return nil
}

// Start kicks off the startup sweep of past days (unawaited) and arms the
// daily timer.
func (s *Scheduler) Start() {
	s.log.Info().Msg("starting attendance scheduler")

	go func() {
		if _, err := s.reconciler.CloseOpenForAllPastDays(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("startup past attendance sweep failed")
		}
	}()

	s.schedule()
	s.log.Info().Msg("attendance scheduler started")
}

// Stop cancels the pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// schedule arms a one-shot timer for the next occurrence of the sweep time.
func (s *Scheduler) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}

	target := s.NextRun(s.clock.Now())
	delay := target.Sub(s.clock.Now())
	s.timer = time.AfterFunc(delay, s.fire)
	s.log.Info().Time("next", target).Msg("next auto-mark attendance task scheduled")
}

// fire runs the daily sweep and always reschedules, even when the job
// itself fails.
func (s *Scheduler) fire() {
	defer s.schedule()

	cutoff := s.reconciler.DefaultCutoff()
	if _, err := s.reconciler.CloseOpenForToday(context.Background(), cutoff); err != nil {
		s.log.Error().Err(err).Msg("scheduled auto-mark attendance task failed")
	}
}

// NextRun computes the next occurrence of the daily sweep time after now:
// today's 18:45, or tomorrow's when today's has passed.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	now = now.In(s.loc)
	target := time.Date(now.Year(), now.Month(), now.Day(), s.sweepHour, s.sweepMinute, 0, 0, s.loc)
	if !now.Before(target) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}
