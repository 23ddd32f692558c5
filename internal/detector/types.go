// Package detector implements the robust-statistics core: median/MAD
// baselines, modified z-score classification, contributor attribution and
// report assembly. Every function is a pure transform over its arguments.
package detector

import (
	"maps"
	"time"
)

// DateLayout is the calendar-day format used in logs, storage and alerts.
const DateLayout = "2006-01-02"

// Kind is the direction of an anomalous deviation.
type Kind string

const (
	KindSpike Kind = "spike"
	KindDrop  Kind = "drop"
)

// Severity grades an anomaly relative to the configured threshold.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// CostObservation is one day of billing data.
type CostObservation struct {
	Date         time.Time
	Total        float64
	Contributors map[string]float64
}

// NewObservation normalises the date to a UTC calendar day and takes a
// private copy of the contributor map.
func NewObservation(date time.Time, total float64, contributors map[string]float64) CostObservation {
	return CostObservation{
		Date:         Day(date),
		Total:        total,
		Contributors: cloneCosts(contributors),
	}
}

// Baseline describes normal cost behaviour over a window.
type Baseline struct {
	Median float64
	MAD    float64
}

// Computed reports whether the baseline came from EstimateBaseline. A
// floored MAD is always positive, so the zero value means no baseline.
func (b Baseline) Computed() bool {
	return b.MAD > 0
}

// AnomalyRecord is a day whose total deviates beyond the threshold.
type AnomalyRecord struct {
	Date         time.Time
	Total        float64
	Baseline     Baseline
	ZScore       float64
	Kind         Kind
	Severity     Severity
	Contributors map[string]float64
}

// Deviation returns total minus the baseline median.
func (a AnomalyRecord) Deviation() float64 {
	return a.Total - a.Baseline.Median
}

// DeviationPercent returns the deviation relative to the median, or 0 when
// the median is 0.
func (a AnomalyRecord) DeviationPercent() float64 {
	if a.Baseline.Median <= 0 {
		return 0
	}
	return a.Deviation() / a.Baseline.Median * 100
}

// ContributionDelta compares one contributor's cost against the prior day.
type ContributionDelta struct {
	Name         string
	Current      float64
	Previous     float64
	Delta        float64
	DeltaPercent float64
}

// IsNew reports whether the contributor had no cost on the prior day.
func (c ContributionDelta) IsNew() bool {
	return c.Previous == 0 && c.Current > 0
}

// AnomalyReport is one anomaly plus its ranked contributors.
type AnomalyReport struct {
	Anomaly        AnomalyRecord
	Contributions  []ContributionDelta
	Degraded       bool
	DegradedReason string
}

// RunSummary carries run-level data supplied by the caller.
type RunSummary struct {
	RunID        string
	DetectedAt   time.Time
	WindowStart  time.Time
	WindowEnd    time.Time
	Observations int
	Baseline     Baseline
	AnomalyCount int
}

// Run is the complete output of one detection pass.
type Run struct {
	Summary RunSummary
	Reports []AnomalyReport
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func cloneCosts(src map[string]float64) map[string]float64 {
	if src == nil {
		return map[string]float64{}
	}
	return maps.Clone(src)
}
