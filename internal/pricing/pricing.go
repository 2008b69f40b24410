// Package pricing implements the tiered per-track price used for track
// allowance subscriptions.
//
// The tier applies to the whole allowance, never to the delta: 50 tracks are
// all billed at the high-volume rate, 45 tracks are all billed at the base
// rate.
package pricing

import (
	"github.com/shopspring/decimal"
)

const (
	// TierThreshold is the largest allowance still billed at BaseCents.
	TierThreshold = 45

	// BaseCents is the per-track price for allowances up to TierThreshold.
	BaseCents int64 = 400

	// VolumeCents is the per-track price for allowances above TierThreshold.
	VolumeCents int64 = 200

	// MinimumIncrement is the smallest allowance increase a tenant may buy.
	MinimumIncrement = 5

	// Currency is the ISO code every amount in this package is expressed in.
	Currency = "usd"
)

// PerTrackCents returns the per-track monthly price for an allowance of
// tracksAllowed tracks.
func PerTrackCents(tracksAllowed int) int64 {
	if tracksAllowed > TierThreshold {
		return VolumeCents
	}
	return BaseCents
}

// MonthlyAmountCents returns the monthly amount billed for tracksAllowed.
func MonthlyAmountCents(tracksAllowed int) int64 {
	if tracksAllowed <= 0 {
		return 0
	}
	return int64(tracksAllowed) * PerTrackCents(tracksAllowed)
}

// Quote is a priced allowance.
type Quote struct {
	Tracks             int   `json:"tracks"`
	PerTrackCents      int64 `json:"perTrackCents"`
	MonthlyAmountCents int64 `json:"monthlyAmountCents"`
}

// QuoteFor prices an allowance of tracks.
func QuoteFor(tracks int) Quote {
	return Quote{
		Tracks:             tracks,
		PerTrackCents:      PerTrackCents(tracks),
		MonthlyAmountCents: MonthlyAmountCents(tracks),
	}
}

// Display formats the monthly amount as a dollar string, e.g. "110.00".
func (q Quote) Display() string {
	return FormatCents(q.MonthlyAmountCents)
}

// FormatCents renders an amount in cents as a fixed two-decimal string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
