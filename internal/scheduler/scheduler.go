// Package scheduler triggers one detection run per billing bucket. With the
// default 24h interval a bucket is a UTC calendar day; the service subtracts
// the configured lag from the bucket start to pick the day it analyses.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc runs detection for one bucket. bucket is the start of the interval
// the tick belongs to (UTC midnight for daily runs). A returned error is
// logged and the next bucket is still scheduled.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Interval is the bucket width, normally 24h.
	Interval time.Duration
	// AlignToStart waits for the next bucket boundary instead of ticking
	// Interval after start-up, so runs land shortly after billing days close.
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart fires one tick for the current bucket before waiting.
	RunOnStart bool
}

// Scheduler drives daily detection runs on bucket boundaries.
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

// Run blocks, invoking tick once per bucket until ctx is cancelled. Ticks
// never overlap: a slow detection run delays the next one.
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

	if s.opts.RunOnStart {
		s.fire(ctx, tick, s.bucketStart(time.Now().UTC()))
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next billing bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.fire(ctx, tick, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, bucket time.Time) {
	s.logger.Info().Time("bucket", bucket).Msg("starting detection run")
	if err := tick(ctx, bucket); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("detection run failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
