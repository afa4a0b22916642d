// Package gateway caches venue quotes and answers pricing questions for the
// rest of the system: last price per pair, cross rates through the pivot
// pair, and the liquidity sanity check run before buys.
package gateway

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/qtrading/rank-rotation-bot/internal/exchange"
	"github.com/qtrading/rank-rotation-bot/internal/utils"
)

type Quote struct {
	Last        float64
	QuoteVolume float64
}

type Gateway struct {
	venue          exchange.Venue
	settleCurrency string
	pivotAsset     string
	minVolume      float64
	mismatchLimit  float64
	logger         *logrus.Logger

	mu     sync.RWMutex
	quotes map[string]Quote
}

func New(venue exchange.Venue, settleCurrency string, minVolume, mismatchLimit float64, logger *logrus.Logger) *Gateway {
	return &Gateway{
		venue:          venue,
		settleCurrency: strings.ToUpper(settleCurrency),
		pivotAsset:     "BTC",
		minVolume:      minVolume,
		mismatchLimit:  mismatchLimit,
		logger:         logger,
		quotes:         make(map[string]Quote),
	}
}

// Symbol renders the venue pair for an asset against the settlement currency.
func (g *Gateway) Symbol(asset string) string {
	return strings.ToUpper(asset) + "-" + g.settleCurrency
}

// Refresh replaces the quote cache from the venue's full ticker list.
func (g *Gateway) Refresh(ctx context.Context) error {
	tickers, err := g.venue.AllTickers(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh quotes: %w", err)
	}

	quotes := make(map[string]Quote, len(tickers.Ticker))
	for _, t := range tickers.Ticker {
		quotes[t.Symbol] = Quote{
			Last:        utils.ParseFloat(t.Last),
			QuoteVolume: utils.ParseFloat(t.VolValue),
		}
	}

	g.mu.Lock()
	g.quotes = quotes
	g.mu.Unlock()

	g.logger.WithField("quote_count", len(quotes)).Debug("Quote cache refreshed")
	return nil
}

// Apply folds a single websocket tick into the cache, keeping the volume
// figure from the last REST refresh.
func (g *Gateway) Apply(update exchange.PriceUpdate) {
	if update.Symbol == "" || update.Price == 0 {
		return
	}
	g.mu.Lock()
	q := g.quotes[update.Symbol]
	q.Last = update.Price
	g.quotes[update.Symbol] = q
	g.mu.Unlock()
}

func (g *Gateway) Quote(symbol string) (Quote, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	q, ok := g.quotes[symbol]
	return q, ok
}

// Price returns the last trade price for a pair, zero when unknown.
func (g *Gateway) Price(symbol string) float64 {
	q, _ := g.Quote(symbol)
	return q.Last
}

// Prices snapshots the cache as a symbol-to-last-price map.
func (g *Gateway) Prices() map[string]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	prices := make(map[string]float64, len(g.quotes))
	for symbol, q := range g.quotes {
		prices[symbol] = q.Last
	}
	return prices
}

// PivotRate returns the pivot asset's price in the settlement currency, zero
// when the pivot pair has no quote yet.
func (g *Gateway) PivotRate() float64 {
	return g.Price(g.Symbol(g.pivotAsset))
}

// PriceInPivot prices a pair in the pivot asset by dividing its settle-
// currency price by the pivot rate. Zero when either leg is unknown.
func (g *Gateway) PriceInPivot(symbol string) float64 {
	last := g.Price(symbol)
	pivot := g.PivotRate()
	if last == 0 || pivot == 0 {
		return 0
	}
	return last / pivot
}

// PriceInSettle prices an asset in the settlement currency, deriving a cross
// rate through the pivot pair when no direct pair trades.
func (g *Gateway) PriceInSettle(asset string) float64 {
	asset = strings.ToUpper(asset)
	if asset == g.settleCurrency {
		return 1
	}

	if direct := g.Price(g.Symbol(asset)); direct != 0 {
		return direct
	}

	viaPivot := g.Price(asset + "-" + g.pivotAsset)
	pivotSettle := g.Price(g.Symbol(g.pivotAsset))
	if viaPivot != 0 && pivotSettle != 0 {
		return viaPivot * pivotSettle
	}
	return 0
}

// CheckTradable verifies an asset is worth buying at the venue: the pair
// exists, turned over at least the minimum 24h quote volume, and its venue
// price does not stray from the reference USD price beyond the mismatch
// limit. A zero reference skips the mismatch comparison.
func (g *Gateway) CheckTradable(asset string, refPriceUSD float64) error {
	symbol := g.Symbol(asset)
	q, ok := g.Quote(symbol)
	if !ok || q.Last == 0 {
		return fmt.Errorf("%s does not trade against %s", asset, g.settleCurrency)
	}

	if q.QuoteVolume < g.minVolume {
		return fmt.Errorf("%s 24h volume %.0f below minimum %.0f", symbol, q.QuoteVolume, g.minVolume)
	}

	if refPriceUSD > 0 {
		mismatch := math.Abs(q.Last-refPriceUSD) / refPriceUSD
		if mismatch > g.mismatchLimit {
			return fmt.Errorf("%s venue price %.8f strays %.2f%% from reference %.8f", symbol, q.Last, mismatch*100, refPriceUSD)
		}
	}

	return nil
}
