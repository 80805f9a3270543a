package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per poll cycle with the tick's scheduled time.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler drives the fixed-cadence poll loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run fires the first tick immediately and then one tick per interval, measured from
// the first. Ticks that fall due while a previous tick is still running are skipped.
// Tick errors are logged. Run returns ctx.Err() once ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	start := time.Now()
	next := start
	for {
		if delay := time.Until(next); delay > 0 {
			timer := time.NewTimer(delay)
			s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		at := next.UTC()
		began := time.Now()
		if err := tick(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
		}
		s.logger.Debug().Time("tick", at).Dur("took", time.Since(began)).Msg("tick finished")

		var skipped int64
		next, skipped = s.following(start, next, time.Now())
		if skipped > 0 {
			s.logger.Warn().Int64("skipped", skipped).Time("next_tick", next).Msg("cycle overran, skipping missed ticks")
		}
	}
}

// following returns the first tick slot after now, and how many slots after prev were missed.
func (s *Scheduler) following(start, prev, now time.Time) (time.Time, int64) {
	next := prev.Add(s.opts.Interval)
	if next.After(now) {
		return next, 0
	}
	elapsed := now.Sub(start)
	k := int64(elapsed/s.opts.Interval) + 1
	slot := start.Add(time.Duration(k) * s.opts.Interval)
	missed := int64(slot.Sub(next) / s.opts.Interval)
	return slot, missed
}
