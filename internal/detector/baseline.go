package detector

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Median returns the middle value of v, or the mean of the two middle values
// when len(v) is even. The input is not modified. Median of an empty slice is 0.
func Median(v []float64) float64 {
	n := len(v)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(v)
	slices.Sort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// EstimateBaseline computes the median and MAD of costs. A MAD of exactly
// zero is replaced with floor.
func EstimateBaseline(costs []float64, floor float64) (Baseline, error) {
	if len(costs) == 0 {
		return Baseline{}, fmt.Errorf("%w: empty cost window", ErrInput)
	}
	if floor <= 0 {
		return Baseline{}, fmt.Errorf("%w: mad floor must be greater than zero", ErrInput)
	}
	for i, c := range costs {
		if err := checkCost(c); err != nil {
			return Baseline{}, fmt.Errorf("%w: cost[%d]: %s", ErrInput, i, err)
		}
	}

	median := Median(costs)
	deviations := make([]float64, len(costs))
	for i, c := range costs {
		deviations[i] = math.Abs(c - median)
	}

	mad := Median(deviations)
	if mad == 0 {
		mad = floor
	}
	return Baseline{Median: median, MAD: mad}, nil
}

// Totals extracts the daily totals of a window in order.
func Totals(observations []CostObservation) []float64 {
	totals := make([]float64, len(observations))
	for i, o := range observations {
		totals[i] = o.Total
	}
	return totals
}

// ValidateWindow rejects empty windows, missing or duplicate dates and
// negative or non-finite costs.
func ValidateWindow(observations []CostObservation) error {
	if len(observations) == 0 {
		return fmt.Errorf("%w: empty observation window", ErrInput)
	}

	seen := make(map[time.Time]struct{}, len(observations))
	for _, o := range observations {
		if o.Date.IsZero() {
			return fmt.Errorf("%w: observation without date", ErrInput)
		}
		day := Day(o.Date)
		if _, dup := seen[day]; dup {
			return fmt.Errorf("%w: duplicate observation for %s", ErrInput, day.Format(DateLayout))
		}
		seen[day] = struct{}{}

		if err := checkCost(o.Total); err != nil {
			return fmt.Errorf("%w: %s total: %s", ErrInput, day.Format(DateLayout), err)
		}
		for name, c := range o.Contributors {
			if err := checkCost(c); err != nil {
				return fmt.Errorf("%w: %s contributor %q: %s", ErrInput, day.Format(DateLayout), name, err)
			}
		}
	}
	return nil
}

// ValidateCosts applies the per-value checks of ValidateWindow to a
// contributor map.
func ValidateCosts(costs map[string]float64) error {
	for name, c := range costs {
		if err := checkCost(c); err != nil {
			return fmt.Errorf("%w: contributor %q: %s", ErrInput, name, err)
		}
	}
	return nil
}

func checkCost(c float64) error {
	switch {
	case math.IsNaN(c) || math.IsInf(c, 0):
		return fmt.Errorf("non-finite value %v", c)
	case c < 0:
		return fmt.Errorf("negative value %v", c)
	}
	return nil
}
