package cli

import (
	"fmt"
	"time"

	"cost-anomaly-alerts/internal/detector"
)

// parseDay accepts YYYY-MM-DD or RFC3339. An empty value yields fallback.
func parseDay(flag, value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return detector.Day(fallback), nil
	}
	if t, err := time.Parse(detector.DateLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s value %q: want YYYY-MM-DD", flag, value)
	}
	return detector.Day(t), nil
}

// defaultAsOf is the most recent day expected to have complete billing data.
func defaultAsOf() time.Time {
	lag := getApp().Config.Scheduler.Lag
	return time.Now().UTC().Add(-lag)
}
