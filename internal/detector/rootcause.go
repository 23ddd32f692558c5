package detector

import (
	"cmp"
	"math"
	"slices"
)

// PriorDay is the contributor breakdown of the day before an anomaly, or a
// marker that it could not be obtained.
type PriorDay struct {
	Costs     map[string]float64
	Available bool
	Reason    string
}

// Prior wraps a fetched prior-day breakdown.
func Prior(costs map[string]float64) PriorDay {
	return PriorDay{Costs: cloneCosts(costs), Available: true}
}

// Unavailable marks the prior day as missing.
func Unavailable(reason string) PriorDay {
	return PriorDay{Reason: reason}
}

// Attribution is the ranked root cause of one anomalous day.
type Attribution struct {
	Contributions []ContributionDelta
	Degraded      bool
	Reason        string
}

// Analyze compares the anomaly's contributors with the prior day and ranks
// them by descending |delta|, ties broken by ascending name. Contributors
// missing on one side count as 0 there. A contributor with no prior cost and
// a positive current cost gets sentinel as its delta percent. When the prior
// day is unavailable every previous cost is 0 and the result is degraded.
func Analyze(anomaly AnomalyRecord, prior PriorDay, sentinel float64) Attribution {
	var previous map[string]float64
	if prior.Available {
		previous = prior.Costs
	}

	names := make([]string, 0, len(anomaly.Contributors)+len(previous))
	for name := range anomaly.Contributors {
		names = append(names, name)
	}
	for name := range previous {
		if _, ok := anomaly.Contributors[name]; !ok {
			names = append(names, name)
		}
	}

	deltas := make([]ContributionDelta, len(names))
	for i, name := range names {
		deltas[i] = contribution(name, anomaly.Contributors[name], previous[name], sentinel)
	}

	slices.SortFunc(deltas, func(a, b ContributionDelta) int {
		if c := cmp.Compare(math.Abs(b.Delta), math.Abs(a.Delta)); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	attr := Attribution{Contributions: deltas}
	if !prior.Available {
		attr.Degraded = true
		attr.Reason = prior.Reason
		if attr.Reason == "" {
			attr.Reason = "previous day unavailable"
		}
	}
	return attr
}

func contribution(name string, current, previous, sentinel float64) ContributionDelta {
	delta := current - previous

	var pct float64
	switch {
	case previous > 0:
		pct = delta / previous * 100
	case current > 0:
		pct = sentinel
	}

	return ContributionDelta{
		Name:         name,
		Current:      current,
		Previous:     previous,
		Delta:        delta,
		DeltaPercent: pct,
	}
}
