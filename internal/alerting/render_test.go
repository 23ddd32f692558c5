package alerting

import (
	"strings"
	"testing"

	"cost-anomaly-alerts/internal/detector"
)

func TestRenderReport(t *testing.T) {
	text := Render(sampleNotification())

	for _, want := range []string{
		"[costwatch] CRITICAL cost anomaly\n",
		"Window: 2024-01-01 .. 2024-01-30 (30 days)",
		"Baseline: median 102.50 USD, MAD 2.50 USD",
		"#1 2024-01-26 spike (critical)",
		"Total: 487.00 USD vs median 102.50 (+384.50, +375.1%)",
		"z-score: 103.74",
		"1. EC2: 80.00 -> 400.00 (+320.00, +400.0%)",
		"2. RDS: 20.00 -> 82.00 (+62.00, +310.0%)",
		"... and 1 more",
		"Anomalies: 1",
		"Detected: 2024-01-31T06:00:00Z UTC",
		"Run: 6a0b4c2e-1f1d-4e55-8d3c-0c9a7b1e2f44",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered alert missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Lambda") {
		t.Errorf("contributors beyond TopN should be elided:\n%s", text)
	}
}

func TestRenderNewAndDegraded(t *testing.T) {
	note := sampleNotification()
	note.TopN = 0
	note.Reports[0].Degraded = true
	note.Reports[0].DegradedReason = "previous day unavailable"
	note.Currency = "EUR"

	text := Render(note)
	if !strings.Contains(text, "3. Lambda: 0.00 -> 5.00 (+5.00, new)") {
		t.Errorf("new contributor should be marked:\n%s", text)
	}
	if !strings.Contains(text, "Attribution degraded: previous day unavailable") {
		t.Errorf("degraded note missing:\n%s", text)
	}
	if !strings.Contains(text, "487.00 EUR") {
		t.Errorf("currency not applied:\n%s", text)
	}
}

func TestRenderDrop(t *testing.T) {
	note := sampleNotification()
	a := &note.Reports[0].Anomaly
	a.Total = 20
	a.ZScore = -22.2597
	a.Kind = detector.KindDrop
	a.Severity = detector.SeverityWarning
	note.Reports[0].Contributions = []detector.ContributionDelta{
		{Name: "EC2", Current: 10, Previous: 80, Delta: -70, DeltaPercent: -87.5},
	}

	text := Render(note)
	for _, want := range []string{
		"[costwatch] WARNING cost anomaly",
		"drop (warning)",
		"(-82.50, -80.5%)",
		"z-score: -22.26",
		"EC2: 80.00 -> 10.00 (-70.00, -87.5%)",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered alert missing %q:\n%s", want, text)
		}
	}
}

func TestSubjectWithoutReports(t *testing.T) {
	if got := Subject(Notification{}); got != "[costwatch] cost report" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestRenderOmitsMissingBaseline(t *testing.T) {
	note := sampleNotification()
	note.Summary.Baseline = detector.Baseline{}

	if text := Render(note); strings.Contains(text, "Baseline:") {
		t.Errorf("baseline line should be omitted without a computed baseline:\n%s", text)
	}
}
