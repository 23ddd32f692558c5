package detector

import (
	"fmt"
	"slices"
	"time"
)

// Assemble composes an anomaly and its attribution into a report.
func Assemble(anomaly AnomalyRecord, attribution Attribution) (AnomalyReport, error) {
	if anomaly.Date.IsZero() {
		return AnomalyReport{}, fmt.Errorf("%w: anomaly without date", ErrInput)
	}

	anomaly.Contributors = cloneCosts(anomaly.Contributors)
	contributions := slices.Clone(attribution.Contributions)
	if contributions == nil {
		contributions = []ContributionDelta{}
	}

	return AnomalyReport{
		Anomaly:        anomaly,
		Contributions:  contributions,
		Degraded:       attribution.Degraded,
		DegradedReason: attribution.Reason,
	}, nil
}

// Summarize builds the run-level summary. runID and detectedAt come from the
// caller so that runs stay reproducible.
func Summarize(runID string, detectedAt time.Time, observations []CostObservation, baseline Baseline, reports []AnomalyReport) RunSummary {
	summary := RunSummary{
		RunID:        runID,
		DetectedAt:   detectedAt.UTC(),
		Observations: len(observations),
		Baseline:     baseline,
		AnomalyCount: len(reports),
	}
	for i, o := range observations {
		day := Day(o.Date)
		if i == 0 || day.Before(summary.WindowStart) {
			summary.WindowStart = day
		}
		if i == 0 || day.After(summary.WindowEnd) {
			summary.WindowEnd = day
		}
	}
	return summary
}

// TopSeverity returns the most severe level among reports, or "" when there
// are none.
func (r Run) TopSeverity() Severity {
	var top Severity
	for _, rep := range r.Reports {
		if rep.Anomaly.Severity == SeverityCritical {
			return SeverityCritical
		}
		top = SeverityWarning
	}
	return top
}
