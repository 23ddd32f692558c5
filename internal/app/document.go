package app

import (
	"encoding/json"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"cost-anomaly-alerts/internal/detector"
	"cost-anomaly-alerts/internal/storage"
)

// runDocument is the JSON rendering of a detection run.
type runDocument struct {
	RunID        string            `json:"run_id"`
	DetectedAt   time.Time         `json:"detected_at"`
	WindowStart  string            `json:"window_start,omitempty"`
	WindowEnd    string            `json:"window_end,omitempty"`
	Observations int               `json:"observations"`
	Median       *decimal.Decimal  `json:"median,omitempty"`
	MAD          *decimal.Decimal  `json:"mad,omitempty"`
	Anomalies    []anomalyDocument `json:"anomalies"`
}

type anomalyDocument struct {
	Date           string                    `json:"date"`
	Total          decimal.Decimal           `json:"total"`
	Deviation      decimal.Decimal           `json:"deviation"`
	DeviationPct   decimal.Decimal           `json:"deviation_pct"`
	ZScore         decimal.Decimal           `json:"z_score"`
	Kind           string                    `json:"kind"`
	Severity       string                    `json:"severity"`
	Contributors   []storage.ContributionRow `json:"contributors"`
	Degraded       bool                      `json:"degraded"`
	DegradedReason string                    `json:"degraded_reason,omitempty"`
}

func newRunDocument(run detector.Run) runDocument {
	s := run.Summary
	doc := runDocument{
		RunID:        s.RunID,
		DetectedAt:   s.DetectedAt,
		Observations: s.Observations,
		Anomalies:    make([]anomalyDocument, 0, len(run.Reports)),
	}
	if s.Baseline.Computed() {
		median := decimal.NewFromFloat(s.Baseline.Median).Round(6)
		mad := decimal.NewFromFloat(s.Baseline.MAD).Round(6)
		doc.Median, doc.MAD = &median, &mad
	}
	if !s.WindowStart.IsZero() {
		doc.WindowStart = s.WindowStart.Format(detector.DateLayout)
		doc.WindowEnd = s.WindowEnd.Format(detector.DateLayout)
	}

	for _, rep := range run.Reports {
		rec := storage.NewReportRecord(s.RunID, s.DetectedAt, rep)
		doc.Anomalies = append(doc.Anomalies, anomalyDocument{
			Date:           rec.Day.Format(detector.DateLayout),
			Total:          rec.Total,
			Deviation:      decimal.NewFromFloat(rep.Anomaly.Deviation()).Round(6),
			DeviationPct:   decimal.NewFromFloat(rep.Anomaly.DeviationPercent()).Round(4),
			ZScore:         decimal.NewFromFloat(rep.Anomaly.ZScore).Round(4),
			Kind:           rec.Kind,
			Severity:       rec.Severity,
			Contributors:   rec.Contributions,
			Degraded:       rec.Degraded,
			DegradedReason: rec.DegradedReason,
		})
	}
	return doc
}

func writeRunJSON(w io.Writer, run detector.Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newRunDocument(run))
}
