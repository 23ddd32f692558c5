package detector

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// ZScore returns the modified z-score of value against b.
func ZScore(value float64, b Baseline) float64 {
	return ZScoreScale * (value - b.Median) / b.MAD
}

// Classify scores every observation against the baseline and returns the
// anomalous ones ordered by descending |z|, ties broken by ascending date.
func Classify(observations []CostObservation, baseline Baseline, threshold, severityMultiplier float64) ([]AnomalyRecord, error) {
	if baseline.MAD <= 0 || math.IsNaN(baseline.MAD) {
		return nil, fmt.Errorf("%w: baseline mad %v", ErrComputation, baseline.MAD)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("%w: threshold must be greater than zero", ErrInput)
	}

	critical := threshold * severityMultiplier
	records := make([]AnomalyRecord, 0)
	for _, o := range observations {
		z := ZScore(o.Total, baseline)
		abs := math.Abs(z)
		if abs <= threshold {
			continue
		}

		kind := KindDrop
		if z > 0 {
			kind = KindSpike
		}
		severity := SeverityWarning
		if abs > critical {
			severity = SeverityCritical
		}

		records = append(records, AnomalyRecord{
			Date:         Day(o.Date),
			Total:        o.Total,
			Baseline:     baseline,
			ZScore:       z,
			Kind:         kind,
			Severity:     severity,
			Contributors: cloneCosts(o.Contributors),
		})
	}

	slices.SortFunc(records, func(a, b AnomalyRecord) int {
		if c := cmp.Compare(math.Abs(b.ZScore), math.Abs(a.ZScore)); c != 0 {
			return c
		}
		return a.Date.Compare(b.Date)
	})
	return records, nil
}
