// Package proration computes the credit and charge owed when a
// subscription's price changes mid-period.
package proration

import "time"

// Result holds the billing delta for a mid-period amount change. Credit is
// always <= 0, Charge always >= 0, Net = Credit + Charge.
type Result struct {
	Credit float64 `json:"credit"`
	Charge float64 `json:"charge"`
	Net    float64 `json:"net"`
}

// Prorate returns the unused-time credit for oldAmount and the remaining-time
// charge for newAmount as of asOf within [periodStart, periodEnd). The
// remaining fraction is clamped to [0, 1]; a change at or after the period
// boundary owes nothing. Deterministic and side-effect free.
func Prorate(oldAmount, newAmount float64, periodStart, periodEnd, asOf time.Time) Result {
	if !periodEnd.After(periodStart) {
		return Result{}
	}
	if !asOf.Before(periodEnd) {
		return Result{}
	}

	total := periodEnd.Sub(periodStart).Seconds()
	remaining := periodEnd.Sub(asOf).Seconds()

	fraction := remaining / total
	if fraction > 1.0 {
		fraction = 1.0
	}
	if fraction < 0.0 {
		fraction = 0.0
	}

	credit := -oldAmount * fraction
	charge := newAmount * fraction
	return Result{
		Credit: credit,
		Charge: charge,
		Net:    credit + charge,
	}
}
