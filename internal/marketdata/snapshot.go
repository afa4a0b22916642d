// Package marketdata models the daily ranking snapshots the rotation signal
// compares. A snapshot is the asset universe on one date, ordered by rank.
package marketdata

import (
	"time"
)

const dateLayout = "2006-01-02"

// DateKey renders the snapshot date the way the store keys it.
func DateKey(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// Entry is one asset in a snapshot. Rank is 1-based. HighUSD and LowUSD are
// the 24h extremes from the capture; zero when the source had none.
type Entry struct {
	Rank        int     `json:"rank"`
	Asset       string  `json:"asset"`
	PriceUSD    float64 `json:"price_usd"`
	HighUSD     float64 `json:"high_usd,omitempty"`
	LowUSD      float64 `json:"low_usd,omitempty"`
	QuoteVolume float64 `json:"quote_volume"`
}

type Snapshot struct {
	Date    string  `json:"date"`
	Entries []Entry `json:"entries"`
}

func (s *Snapshot) Len() int {
	return len(s.Entries)
}

// Ranks returns the asset-to-rank index of the snapshot.
func (s *Snapshot) Ranks() map[string]int {
	ranks := make(map[string]int, len(s.Entries))
	for _, e := range s.Entries {
		ranks[e.Asset] = e.Rank
	}
	return ranks
}

// Prices returns the asset-to-USD-price index of the snapshot.
func (s *Snapshot) Prices() map[string]float64 {
	prices := make(map[string]float64, len(s.Entries))
	for _, e := range s.Entries {
		prices[e.Asset] = e.PriceUSD
	}
	return prices
}
