// Package signal turns a pair of ranking snapshots into buy and sell
// decisions. An asset whose rank climbed enough over the window is an entry
// candidate; a held asset whose rank fell enough, or that dropped out of the
// universe entirely, is an exit candidate.
package signal

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/qtrading/rank-rotation-bot/internal/marketdata"
	"github.com/qtrading/rank-rotation-bot/internal/portfolio"
	"github.com/qtrading/rank-rotation-bot/internal/utils"
)

// Candidate is one asset the rotation wants to trade, with the rank move
// that selected it. PriceUSD, QuoteVolume and TrendSlope come from the newer
// snapshot when the asset is listed there; TrendSlope is the least-squares
// slope of the asset's USD price across the window endpoints.
type Candidate struct {
	Asset       string
	StartRank   int
	StopRank    int
	Delta       float64
	PriceUSD    float64
	QuoteVolume float64
	TrendSlope  float64
}

type Decisions struct {
	Buys  []Candidate
	Sells []Candidate
}

type Generator struct {
	upMove       int
	downMove     int
	riseBuyLimit int
	logger       *logrus.Logger
}

func NewGenerator(upDownMove, rankRiseBuyLimit int, logger *logrus.Logger) *Generator {
	return &Generator{
		upMove:       upDownMove,
		downMove:     upDownMove,
		riseBuyLimit: rankRiseBuyLimit,
		logger:       logger,
	}
}

// Evaluate compares the older (start) and newer (stop) snapshots against the
// ledger. Rank delta is startRank minus stopRank, so a positive delta is a
// climb. Assets the newer snapshot lists but the older one does not get an
// estimated delta only when the two universes are close in size; otherwise
// they are skipped.
func (g *Generator) Evaluate(start, stop *marketdata.Snapshot, led *portfolio.Ledger) Decisions {
	startRanks := start.Ranks()
	startPrices := start.Prices()
	lenStart := float64(start.Len())
	lenStop := float64(stop.Len())
	minLen := int(math.Min(lenStart, lenStop))
	maxLen := math.Max(lenStart, lenStop)

	var decisions Decisions
	seen := make(map[string]bool, stop.Len())

	for _, entry := range stop.Entries {
		seen[entry.Asset] = true

		var delta float64
		startRank, known := startRanks[entry.Asset]
		if known {
			delta = float64(startRank - entry.Rank)
		} else {
			// A newcomer's climb can only be estimated, and only when the
			// two universes are near the same size.
			if maxLen == 0 || !utils.IsClose(lenStop, lenStart, (float64(g.upMove)/2)/maxLen) {
				continue
			}
			delta = float64(minLen - entry.Rank)
		}

		candidate := Candidate{
			Asset:       entry.Asset,
			StartRank:   startRank,
			StopRank:    entry.Rank,
			Delta:       delta,
			PriceUSD:    entry.PriceUSD,
			QuoteVolume: entry.QuoteVolume,
		}
		if startPrice, ok := startPrices[entry.Asset]; ok {
			candidate.TrendSlope = utils.TrendSlope([]float64{startPrice, entry.PriceUSD})
		}

		if pos, held := led.Open[entry.Asset]; held {
			if pos.Fill.Sellable() && delta <= float64(-g.downMove) {
				decisions.Sells = append(decisions.Sells, candidate)
			}
			continue
		}

		if delta >= float64(g.upMove) && delta <= float64(g.riseBuyLimit) {
			decisions.Buys = append(decisions.Buys, candidate)
		}
	}

	// Held assets that fell out of the newer universe are exits regardless
	// of how far they fell; assume the worst rank the window could show.
	held := make([]string, 0, len(led.Open))
	for asset := range led.Open {
		held = append(held, asset)
	}
	sort.Strings(held)

	for _, asset := range held {
		if seen[asset] {
			continue
		}
		pos := led.Open[asset]
		if !pos.Fill.Sellable() {
			continue
		}

		startRank, known := startRanks[asset]
		if !known {
			startRank = minLen
		}
		delta := float64(startRank - (minLen + g.downMove))

		g.logger.WithFields(logrus.Fields{
			"asset": asset,
			"delta": delta,
		}).Info("Held asset missing from newer snapshot, selling")

		decisions.Sells = append(decisions.Sells, Candidate{
			Asset:     asset,
			StartRank: startRank,
			Delta:     delta,
		})
	}

	return decisions
}
