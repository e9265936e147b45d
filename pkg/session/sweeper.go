package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs the expiry sweep once a minute
const DefaultSweepSchedule = "@every 1m"

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks that a sweep schedule parses
func ValidateSchedule(schedule string) error {
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return nil
}

// Sweeper periodically removes expired sessions from a store
type Sweeper struct {
	store    *Store
	schedule string
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a sweeper. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(store *Store, schedule string, logger zerolog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	return &Sweeper{
		store:    store,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Start begins running sweeps on the schedule
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	c := cron.New(cron.WithParser(scheduleParser))
	if _, err := c.AddFunc(s.schedule, func() { s.SweepNow() }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.logger.Info().Str("schedule", s.schedule).Msg("Session sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	running := s.running
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	if !running {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info().Msg("Session sweeper stopped")
}

// SweepNow runs one sweep immediately and returns how many sessions expired
func (s *Sweeper) SweepNow() int {
	removed := s.store.SweepExpired(s.store.now())
	if removed > 0 {
		s.logger.Info().
			Int("removed", removed).
			Int("remaining", s.store.Len()).
			Msg("Expired sessions swept")
	}
	return removed
}

// IsRunning reports whether the schedule is active
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reschedule replaces the sweep schedule, restarting the sweeper if it was running
func (s *Sweeper) Reschedule(schedule string) error {
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}

	wasRunning := s.IsRunning()
	if wasRunning {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(ctx)
		cancel()
	}

	s.mu.Lock()
	s.schedule = schedule
	s.mu.Unlock()

	if wasRunning {
		return s.Start()
	}
	return nil
}
