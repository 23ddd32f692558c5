package detector

import "errors"

var (
	// ErrInput marks an empty or malformed window. Fatal to the run.
	ErrInput = errors.New("invalid input")
	// ErrDataUnavailable marks missing prior-day data. Scoped to one anomaly.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrComputation marks an internal invariant violation.
	ErrComputation = errors.New("computation invariant violated")
)
