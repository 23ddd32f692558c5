package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"cost-anomaly-alerts/internal/detector"
)

const moneyPlaces = 6

// ObservationRecord is a persisted day of billing data.
type ObservationRecord struct {
	Day          time.Time
	Total        decimal.Decimal
	Contributors map[string]decimal.Decimal
	Source       string
	FetchedAt    time.Time
}

// RunRecord is the audit row of one detection run.
type RunRecord struct {
	RunID        string
	DetectedAt   time.Time
	WindowStart  time.Time
	WindowEnd    time.Time
	Observations int
	// Median and MAD are NULL for runs that stopped before a baseline was
	// computed (insufficient history, failures).
	Median       decimal.NullDecimal
	MAD          decimal.NullDecimal
	AnomalyCount int
	Status       string
	Error        *string
}

// ReportRecord is an append-only anomaly report row.
type ReportRecord struct {
	ID             int64
	RunID          string
	Day            time.Time
	Total          decimal.Decimal
	Median         decimal.Decimal
	MAD            decimal.Decimal
	ZScore         float64
	Kind           string
	Severity       string
	Contributions  []ContributionRow
	Degraded       bool
	DegradedReason string
	DetectedAt     time.Time
	CreatedAt      time.Time
}

// ContributionRow is the JSON shape of a ranked contributor.
type ContributionRow struct {
	Name         string          `json:"name"`
	Current      decimal.Decimal `json:"current"`
	Previous     decimal.Decimal `json:"previous"`
	Delta        decimal.Decimal `json:"delta"`
	DeltaPercent decimal.Decimal `json:"delta_percent"`
}

// Run statuses.
const (
	RunStatusComplete     = "complete"
	RunStatusInsufficient = "insufficient_history"
	RunStatusFailed       = "failed"
)

func money(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(moneyPlaces)
}

// NewObservationRecord converts a detector observation for persistence.
func NewObservationRecord(o detector.CostObservation, source string, fetchedAt time.Time) ObservationRecord {
	contributors := make(map[string]decimal.Decimal, len(o.Contributors))
	for name, c := range o.Contributors {
		contributors[name] = money(c)
	}
	return ObservationRecord{
		Day:          detector.Day(o.Date),
		Total:        money(o.Total),
		Contributors: contributors,
		Source:       source,
		FetchedAt:    fetchedAt.UTC(),
	}
}

// Observation converts the record back to a detector observation.
func (r ObservationRecord) Observation() detector.CostObservation {
	contributors := make(map[string]float64, len(r.Contributors))
	for name, c := range r.Contributors {
		contributors[name] = c.InexactFloat64()
	}
	return detector.NewObservation(r.Day, r.Total.InexactFloat64(), contributors)
}

// NewRunRecord converts a run summary for persistence.
func NewRunRecord(s detector.RunSummary, status string, runErr error) RunRecord {
	rec := RunRecord{
		RunID:        s.RunID,
		DetectedAt:   s.DetectedAt,
		WindowStart:  s.WindowStart,
		WindowEnd:    s.WindowEnd,
		Observations: s.Observations,
		AnomalyCount: s.AnomalyCount,
		Status:       status,
	}
	if s.Baseline.Computed() {
		rec.Median = decimal.NewNullDecimal(money(s.Baseline.Median))
		rec.MAD = decimal.NewNullDecimal(money(s.Baseline.MAD))
	}
	if runErr != nil {
		msg := runErr.Error()
		rec.Error = &msg
	}
	return rec
}

// NewReportRecord converts an anomaly report for persistence.
func NewReportRecord(runID string, detectedAt time.Time, rep detector.AnomalyReport) ReportRecord {
	rows := make([]ContributionRow, len(rep.Contributions))
	for i, c := range rep.Contributions {
		rows[i] = ContributionRow{
			Name:         c.Name,
			Current:      money(c.Current),
			Previous:     money(c.Previous),
			Delta:        money(c.Delta),
			DeltaPercent: decimal.NewFromFloat(c.DeltaPercent).Round(4),
		}
	}

	a := rep.Anomaly
	return ReportRecord{
		RunID:          runID,
		Day:            detector.Day(a.Date),
		Total:          money(a.Total),
		Median:         money(a.Baseline.Median),
		MAD:            money(a.Baseline.MAD),
		ZScore:         a.ZScore,
		Kind:           string(a.Kind),
		Severity:       string(a.Severity),
		Contributions:  rows,
		Degraded:       rep.Degraded,
		DegradedReason: rep.DegradedReason,
		DetectedAt:     detectedAt.UTC(),
	}
}
