package fare

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidEstimateInput rejects negative or non-finite distance and
// duration inputs. The estimator never clamps: a nonsense input means
// a nonsense upstream, and hiding it would produce a confidently wrong
// price.
var ErrInvalidEstimateInput = errors.New("invalid fare estimate input")

// Pricing constants, in dollars.
const (
	baseFare  = 3.00
	perMile   = 2.80
	perMinute = 0.40

	airportExitFee    = 4.12
	airportDropoffFee = 3.12
)

// airportMarker triggers the airport surcharges when it occurs,
// case-insensitively, in the destination text.
const airportMarker = "dfw airport"

type Surcharge struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// Breakdown is the derived, immutable price decomposition. Components
// keep full float precision; rounding to cents happens only at
// presentation time (FormatUSD) so summation never accumulates
// rounding drift.
type Breakdown struct {
	BaseFare     float64     `json:"baseFare"`
	DistanceCost float64     `json:"distanceCost"`
	TimeCost     float64     `json:"timeCost"`
	Surcharges   []Surcharge `json:"surcharges,omitempty"`
	Total        float64     `json:"total"`
}

// Estimate computes the deterministic price breakdown for a trip.
func Estimate(distanceMiles, durationMinutes float64, destination string) (*Breakdown, error) {
	if !isFiniteNonNegative(distanceMiles) {
		return nil, fmt.Errorf("%w: distance %v", ErrInvalidEstimateInput, distanceMiles)
	}
	if !isFiniteNonNegative(durationMinutes) {
		return nil, fmt.Errorf("%w: duration %v", ErrInvalidEstimateInput, durationMinutes)
	}

	b := &Breakdown{
		BaseFare:     baseFare,
		DistanceCost: distanceMiles * perMile,
		TimeCost:     durationMinutes * perMinute,
	}
	if strings.Contains(strings.ToLower(destination), airportMarker) {
		b.Surcharges = []Surcharge{
			{Label: "Airport Exit Fee", Amount: airportExitFee},
			{Label: "Airport Drop-off Fee", Amount: airportDropoffFee},
		}
	}

	b.Total = b.BaseFare + b.DistanceCost + b.TimeCost
	for _, s := range b.Surcharges {
		b.Total += s.Amount
	}
	return b, nil
}

// FormatUSD renders a dollar amount rounded to cents. This is the only
// place rounding happens.
func FormatUSD(amount float64) string {
	return fmt.Sprintf("$%.2f", amount)
}

// Line is one human-readable row of a fare breakdown.
type Line struct {
	Label  string `json:"label"`
	Amount string `json:"amount"`
}

// Lines renders the breakdown for display, each amount rounded
// independently at presentation time.
func (b *Breakdown) Lines() []Line {
	lines := []Line{
		{Label: "Base Fare", Amount: FormatUSD(b.BaseFare)},
		{Label: "Distance", Amount: FormatUSD(b.DistanceCost)},
		{Label: "Time", Amount: FormatUSD(b.TimeCost)},
	}
	for _, s := range b.Surcharges {
		lines = append(lines, Line{Label: s.Label, Amount: FormatUSD(s.Amount)})
	}
	lines = append(lines, Line{Label: "Total Estimate", Amount: FormatUSD(b.Total)})
	return lines
}

func isFiniteNonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
