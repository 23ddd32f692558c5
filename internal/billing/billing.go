// Package billing provides the daily cost data collaborators: window
// sources for detection and previous-day lookups for attribution.
package billing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"cost-anomaly-alerts/internal/detector"
)

// WindowSource returns the observations for the inclusive day range [from, to],
// ordered by date.
type WindowSource interface {
	FetchWindow(ctx context.Context, from, to time.Time) ([]detector.CostObservation, error)
}

// DayFetcher returns the per-contributor costs of a single day. It returns an
// error wrapping detector.ErrDataUnavailable when the day has no record.
type DayFetcher interface {
	FetchDay(ctx context.Context, day time.Time) (map[string]float64, error)
}

// Source is both a window source and a day fetcher.
type Source interface {
	WindowSource
	DayFetcher
}

// DayFetcherFunc adapts a function to DayFetcher.
type DayFetcherFunc func(ctx context.Context, day time.Time) (map[string]float64, error)

// FetchDay calls f.
func (f DayFetcherFunc) FetchDay(ctx context.Context, day time.Time) (map[string]float64, error) {
	return f(ctx, day)
}

// WindowFetcher serves day lookups from an already-fetched window.
type WindowFetcher struct {
	days map[time.Time]map[string]float64
}

// NewWindowFetcher indexes observations by day.
func NewWindowFetcher(observations []detector.CostObservation) *WindowFetcher {
	days := make(map[time.Time]map[string]float64, len(observations))
	for _, o := range observations {
		days[detector.Day(o.Date)] = maps.Clone(o.Contributors)
	}
	return &WindowFetcher{days: days}
}

// FetchDay returns a copy of the indexed breakdown for day.
func (w *WindowFetcher) FetchDay(_ context.Context, day time.Time) (map[string]float64, error) {
	costs, ok := w.days[detector.Day(day)]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in window", detector.ErrDataUnavailable, detector.Day(day).Format(detector.DateLayout))
	}
	out := maps.Clone(costs)
	if out == nil {
		out = map[string]float64{}
	}
	return out, nil
}

// Fallback tries each fetcher in order, moving on only when a fetcher reports
// the day as unavailable. Other errors are returned immediately.
type Fallback []DayFetcher

// FetchDay implements DayFetcher.
func (f Fallback) FetchDay(ctx context.Context, day time.Time) (map[string]float64, error) {
	var lastErr error
	for _, fetcher := range f {
		if fetcher == nil {
			continue
		}
		costs, err := fetcher.FetchDay(ctx, day)
		if err == nil {
			return costs, nil
		}
		if !errors.Is(err, detector.ErrDataUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no fetcher configured", detector.ErrDataUnavailable)
	}
	return nil, lastErr
}

var (
	_ DayFetcher = (*WindowFetcher)(nil)
	_ DayFetcher = Fallback(nil)
	_ DayFetcher = DayFetcherFunc(nil)
)
