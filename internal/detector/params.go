package detector

import "fmt"

const (
	// ZScoreScale rescales MAD to be comparable to a standard deviation
	// under a normal distribution.
	ZScoreScale = 0.6745

	DefaultThreshold              = 3.0
	DefaultSeverityMultiplier     = 1.5
	DefaultMADFloor               = 0.01
	DefaultNewContributorSentinel = 100.0
)

// Params tune classification and attribution.
type Params struct {
	Threshold              float64
	SeverityMultiplier     float64
	MADFloor               float64
	NewContributorSentinel float64
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		Threshold:              DefaultThreshold,
		SeverityMultiplier:     DefaultSeverityMultiplier,
		MADFloor:               DefaultMADFloor,
		NewContributorSentinel: DefaultNewContributorSentinel,
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	if p.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be greater than zero", ErrInput)
	}
	if p.SeverityMultiplier < 1 {
		return fmt.Errorf("%w: severity multiplier must be at least 1", ErrInput)
	}
	if p.MADFloor <= 0 {
		return fmt.Errorf("%w: mad floor must be greater than zero", ErrInput)
	}
	return nil
}
