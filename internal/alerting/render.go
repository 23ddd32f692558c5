package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cost-anomaly-alerts/internal/detector"
)

// DefaultTopN is the number of contributors listed per anomaly.
const DefaultTopN = 5

// Subject 返回携带最高严重级别的标题。
func Subject(note Notification) string {
	severity := note.TopSeverity()
	if severity == "" {
		return "[costwatch] cost report"
	}
	return fmt.Sprintf("[costwatch] %s cost anomaly", strings.ToUpper(string(severity)))
}

// Render 生成可读的告警正文。
func Render(note Notification) string {
	topN := note.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	currency := note.Currency
	if currency == "" {
		currency = "USD"
	}

	builder := strings.Builder{}
	builder.WriteString(Subject(note))
	builder.WriteString("\n")

	s := note.Summary
	if !s.WindowStart.IsZero() {
		builder.WriteString(fmt.Sprintf("Window: %s .. %s (%d days)\n",
			s.WindowStart.Format(detector.DateLayout), s.WindowEnd.Format(detector.DateLayout), s.Observations))
	}
	if s.Baseline.Computed() {
		builder.WriteString(fmt.Sprintf("Baseline: median %s %s, MAD %s %s\n",
			money(s.Baseline.Median), currency, money(s.Baseline.MAD), currency))
	}

	for i, rep := range note.Reports {
		a := rep.Anomaly
		builder.WriteString("\n")
		builder.WriteString(fmt.Sprintf("#%d %s %s (%s)\n", i+1, a.Date.Format(detector.DateLayout), a.Kind, a.Severity))
		builder.WriteString(fmt.Sprintf("  Total: %s %s vs median %s (%s, %s%%)\n",
			money(a.Total), currency, money(a.Baseline.Median),
			signed(money(a.Deviation())), signed(decimal.NewFromFloat(a.DeviationPercent()).StringFixed(1))))
		builder.WriteString(fmt.Sprintf("  z-score: %s\n", decimal.NewFromFloat(a.ZScore).StringFixed(2)))

		if len(rep.Contributions) > 0 {
			builder.WriteString("  Top contributors:\n")
			for rank, c := range rep.Contributions {
				if rank >= topN {
					break
				}
				builder.WriteString(fmt.Sprintf("    %d. %s\n", rank+1, contributorLine(c)))
			}
			if extra := len(rep.Contributions) - topN; extra > 0 {
				builder.WriteString(fmt.Sprintf("    ... and %d more\n", extra))
			}
		}
		if rep.Degraded {
			builder.WriteString(fmt.Sprintf("  Attribution degraded: %s\n", rep.DegradedReason))
		}
	}

	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("Anomalies: %d\n", len(note.Reports)))
	if !s.DetectedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", s.DetectedAt.UTC().Format(time.RFC3339)))
	}
	if s.RunID != "" {
		builder.WriteString(fmt.Sprintf("Run: %s\n", s.RunID))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func contributorLine(c detector.ContributionDelta) string {
	change := signed(decimal.NewFromFloat(c.DeltaPercent).StringFixed(1)) + "%"
	if c.IsNew() {
		change = "new"
	}
	return fmt.Sprintf("%s: %s -> %s (%s, %s)", c.Name, money(c.Previous), money(c.Current), signed(money(c.Delta)), change)
}

func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

func signed(s string) string {
	if strings.HasPrefix(s, "-") {
		return s
	}
	return "+" + s
}
