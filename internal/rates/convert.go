// Package rates converts raw periodic funding rates into the derived
// horizons used across the board: hourly, 8-hour, linear annualized and
// compounded annualized.
package rates

import "math"

const hoursPerYear = 24 * 365

// Converted carries the derived rates for one raw funding observation.
// All fields are nil together when the inputs are unusable; Rate1y alone may
// be nil when compounding overflows.
type Converted struct {
	Rate1h        *float64
	Rate8h        *float64
	Rate1y        *float64
	NominalRate1y *float64
}

// Convert derives the rate set from a raw per-settlement rate and its
// interval in hours. A nil rate or a nil/non-positive interval yields the
// all-nil set; partial derivation is never produced.
func Convert(fundingRateRaw *float64, fundingIntervalHours *float64) Converted {
	if fundingRateRaw == nil || fundingIntervalHours == nil || *fundingIntervalHours <= 0 {
		return Converted{}
	}

	rate1h := *fundingRateRaw / *fundingIntervalHours
	rate8h := rate1h * 8
	// Linear annualization is the primary ranking metric: funding payments
	// on a held position do not compound.
	nominal1y := rate1h * hoursPerYear

	out := Converted{
		Rate1h:        &rate1h,
		Rate8h:        &rate8h,
		NominalRate1y: &nominal1y,
	}

	compounded := math.Pow(1+rate1h, hoursPerYear) - 1
	if !math.IsInf(compounded, 0) && !math.IsNaN(compounded) {
		out.Rate1y = &compounded
	}
	return out
}
