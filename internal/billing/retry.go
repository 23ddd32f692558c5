package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cost-anomaly-alerts/internal/detector"
)

// ErrMaxRetries indicates that all attempts have been exhausted.
var ErrMaxRetries = errors.New("max retries exceeded")

// RetryOptions bound a retried operation.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Multiplier < 1 {
		o.Multiplier = 2.0
	}
	return o
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// WithRetry runs operation until it succeeds, returns a permanent error, the
// context ends, or MaxAttempts is reached. Delays grow by Multiplier up to
// MaxDelay.
func WithRetry(ctx context.Context, opts RetryOptions, logger zerolog.Logger, operation func(ctx context.Context) error) error {
	opts = opts.withDefaults()
	delay := opts.InitialDelay

	for attempt := 1; ; attempt++ {
		err := operation(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if attempt >= opts.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, opts.MaxAttempts, err)
		}

		logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", opts.MaxAttempts).
			Dur("delay", delay).
			Msg("operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * opts.Multiplier)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

// RetryingFetcher applies WithRetry to every lookup of the wrapped fetcher.
type RetryingFetcher struct {
	next   DayFetcher
	opts   RetryOptions
	logger zerolog.Logger
}

// NewRetryingFetcher wraps next with a bounded retry policy.
func NewRetryingFetcher(next DayFetcher, opts RetryOptions, logger zerolog.Logger) *RetryingFetcher {
	return &RetryingFetcher{
		next:   next,
		opts:   opts,
		logger: logger.With().Str("component", "billing_retry").Logger(),
	}
}

// FetchDay implements DayFetcher.
func (r *RetryingFetcher) FetchDay(ctx context.Context, day time.Time) (map[string]float64, error) {
	var costs map[string]float64
	err := WithRetry(ctx, r.opts, r.logger.With().Time("day", day).Logger(), func(ctx context.Context) error {
		var fetchErr error
		costs, fetchErr = r.next.FetchDay(ctx, day)
		if errors.Is(fetchErr, detector.ErrDataUnavailable) {
			return Permanent(fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return costs, nil
}

var _ DayFetcher = (*RetryingFetcher)(nil)
