// Package sched drives monitoring cycles on a fixed interval, guaranteeing
// at most one cycle in flight at a time.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"avito-notifier/poll"
)

// ErrCycleInFlight is returned when a cycle is requested while one is running.
var ErrCycleInFlight = errors.New("cycle already in flight")

// Runner executes one monitoring cycle.
type Runner interface {
	RunCycle(ctx context.Context) (*poll.CycleStats, error)
}

// Scheduler triggers cycles every interval. A trigger that lands while a
// cycle is still running is skipped, not queued, and the skip is counted.
// Consecutive failures are escalated as an operational alert but never stop
// the schedule.
type Scheduler struct {
	cron          *cron.Cron
	runner        Runner
	interval      time.Duration
	escalateAfter int
	logger        *slog.Logger

	ctx      context.Context
	running  atomic.Bool
	skipped  atomic.Int64
	failures atomic.Int64
}

// New creates a scheduler. escalateAfter is the consecutive-failure count
// that raises an operational alert; zero disables escalation.
func New(runner Runner, interval time.Duration, escalateAfter int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:          cron.New(),
		runner:        runner,
		interval:      interval,
		escalateAfter: escalateAfter,
		logger:        logger,
	}
}

// Start registers the interval trigger and starts the cron driver. Cycles
// run under ctx, so cancelling it interrupts an in-flight cycle's blocking
// calls during shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.tick); err != nil {
		return fmt.Errorf("register cycle schedule: %w", err)
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", "interval", s.interval.String())
	return nil
}

// Stop halts the schedule and waits for an in-flight cycle to finish, up to
// the given grace context.
func (s *Scheduler) Stop(grace context.Context) {
	drained := s.cron.Stop()
	select {
	case <-drained.Done():
		s.logger.Info("Scheduler stopped")
	case <-grace.Done():
		s.logger.Warn("Scheduler stop timed out with a cycle in flight")
	}
}

// Skipped returns how many triggers were skipped because a cycle was running.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// ConsecutiveFailures returns the current failure streak.
func (s *Scheduler) ConsecutiveFailures() int64 {
	return s.failures.Load()
}

func (s *Scheduler) tick() {
	err := s.RunOnce(s.ctx)
	if errors.Is(err, ErrCycleInFlight) {
		n := s.skipped.Add(1)
		s.logger.Warn("Cycle still in flight, trigger skipped", "skipped_total", n)
	}
}

// RunOnce runs a single cycle now, subject to the same single-flight
// guarantee as scheduled triggers. Returns ErrCycleInFlight without running
// anything when a cycle is already active.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrCycleInFlight
	}
	defer s.running.Store(false)

	_, err := s.runner.RunCycle(ctx)
	if err != nil {
		streak := s.failures.Add(1)
		s.logger.Error("Cycle failed", "error", err, "consecutive_failures", streak)
		if s.escalateAfter > 0 && streak >= int64(s.escalateAfter) {
			// Operational alert; the schedule keeps running regardless.
			s.logger.Error("ALERT: repeated cycle failures",
				"consecutive_failures", streak,
				"threshold", s.escalateAfter)
		}
		return err
	}

	s.failures.Store(0)
	return nil
}
