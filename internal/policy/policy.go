// Package policy turns soil moisture, the rain forecast and the tariff tier
// into an irrigation action.
package policy

import (
	"fmt"

	"procodus.dev/green-horizon/internal/forecast"
	"procodus.dev/green-horizon/internal/tariff"
)

// DefaultMoistureThreshold is the soil moisture percentage at or above which
// irrigation is never needed.
const DefaultMoistureThreshold = 30.0

// Action is the advisory outcome of a cycle.
type Action string

const (
	ActionIrrigate Action = "IRRIGATE"
	ActionWait     Action = "WAIT"
	ActionSkip     Action = "SKIP"
)

// Decision is the action and its human-readable reason.
type Decision struct {
	Action Action
	Reason string
}

// Policy holds the decision thresholds.
type Policy struct {
	MoistureThreshold float64
	PeakTier          string
}

// New returns a policy with the given moisture threshold. Non-positive
// values select DefaultMoistureThreshold.
func New(threshold float64) Policy {
	if threshold <= 0 {
		threshold = DefaultMoistureThreshold
	}
	return Policy{MoistureThreshold: threshold, PeakTier: tariff.TierPeak}
}

// Decide applies the rules in order: moist soil, unknown forecast, incoming
// rain, peak tariff. A nil forecast never yields ActionIrrigate.
func (p Policy) Decide(moisture float64, fc *forecast.Aggregate, tier string) Decision {
	threshold := p.MoistureThreshold
	if threshold <= 0 {
		threshold = DefaultMoistureThreshold
	}
	peak := p.PeakTier
	if peak == "" {
		peak = tariff.TierPeak
	}

	switch {
	case moisture >= threshold:
		return Decision{
			Action: ActionSkip,
			Reason: fmt.Sprintf("MAINTENANCE: soil moisture %.1f%% is within the ideal range.", moisture),
		}
	case fc == nil:
		return Decision{
			Action: ActionWait,
			Reason: "UNAVAILABLE: forecast unavailable, irrigation suppressed until it can be checked.",
		}
	case fc.WillRain:
		return Decision{
			Action: ActionWait,
			Reason: fmt.Sprintf("PREDICTIVE: %.2fmm of rain expected in the next %d hours.", fc.TotalRainMM, fc.Hours),
		}
	case tier == peak:
		return Decision{
			Action: ActionWait,
			Reason: "SAVINGS: peak energy tariff, deferring irrigation to avoid the cost.",
		}
	default:
		return Decision{
			Action: ActionIrrigate,
			Reason: "EXECUTION: dry soil and favorable energy cost.",
		}
	}
}
