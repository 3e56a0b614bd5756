package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultHorizon is the number of hourly entries reduced into an Aggregate.
	DefaultHorizon = 3
	// WillRainThresholdMM is the total above which rain is considered imminent.
	WillRainThresholdMM = 0.1
	// RainFlagThresholdMM is the total above which the high-probability flag is set.
	RainFlagThresholdMM = 0.5
)

// ErrInvalidHorizon is returned when the horizon or the series cannot produce an aggregate.
var ErrInvalidHorizon = errors.New("invalid forecast horizon")

// Conditions are the ambient values observed at request time.
type Conditions struct {
	TempC           float64
	PrecipitationMM float64
	WindKmh         float64
	ObservedAt      time.Time
}

// Aggregate is the short-horizon reduction of an hourly forecast.
type Aggregate struct {
	// Hours is the number of hourly entries reduced.
	Hours int
	// MeanTempC is rounded to one decimal.
	MeanTempC float64
	// TotalRainMM is rounded to two decimals.
	TotalRainMM float64
	// WillRain is set when the unrounded total exceeds WillRainThresholdMM.
	WillRain bool
	// RainProbabilityFlag is set when the unrounded total exceeds RainFlagThresholdMM.
	RainProbabilityFlag bool
	// Current holds the ambient conditions, nil when the source had none.
	Current *Conditions
}

// NewAggregate reduces the first hours entries of temps and rain. Both series
// must hold at least hours values.
func NewAggregate(temps, rain []float64, hours int) (*Aggregate, error) {
	if hours < 1 {
		return nil, fmt.Errorf("%w: horizon %d", ErrInvalidHorizon, hours)
	}

	if len(temps) < hours || len(rain) < hours {
		return nil, fmt.Errorf("%w: need %d entries, got %d temperatures and %d precipitation values",
			ErrInvalidHorizon, hours, len(temps), len(rain))
	}

	var tempSum, rainSum float64
	for i := 0; i < hours; i++ {
		tempSum += temps[i]
		rainSum += rain[i]
	}

	return &Aggregate{
		Hours:               hours,
		MeanTempC:           round(tempSum/float64(hours), 1),
		TotalRainMM:         round(rainSum, 2),
		WillRain:            rainSum > WillRainThresholdMM,
		RainProbabilityFlag: rainSum > RainFlagThresholdMM,
	}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
