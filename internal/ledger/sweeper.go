package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"llm_router/internal/utils"
)

// SweepObserver is notified after every sweep run.
type SweepObserver interface {
	ObserveSweep(released int, err error)
}

// Sweeper periodically releases reservations whose TTL elapsed.
// It runs outside the request path on a cron schedule such as "@every 30s".
type Sweeper struct {
	ledger   Ledger
	schedule string
	now      func() time.Time
	observer SweepObserver
	cron     *cron.Cron
	logger   *utils.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper for ledger on the given cron schedule
func NewSweeper(ledger Ledger, schedule string, observer SweepObserver) *Sweeper {
	return &Sweeper{
		ledger:   ledger,
		schedule: schedule,
		now:      time.Now,
		observer: observer,
		cron:     cron.New(),
		logger:   utils.NewLogger("ledger-sweeper"),
	}
}

// Start registers the sweep job and starts the scheduler.
// An empty schedule disables the sweeper.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Warn("Sweep schedule not configured, expired reservations will not be released")
		return nil
	}
	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("Reservation sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("Reservation sweeper stopped")
}

// RunOnce performs a single sweep
func (s *Sweeper) RunOnce(ctx context.Context) int {
	released, err := s.ledger.SweepExpired(ctx, s.now())
	if s.observer != nil {
		s.observer.ObserveSweep(released, err)
	}
	if err != nil {
		s.logger.Error("Reservation sweep failed", "released", released, "error", err)
		return released
	}
	if released > 0 {
		s.logger.Info("Released expired reservations", "count", released)
	}
	return released
}
