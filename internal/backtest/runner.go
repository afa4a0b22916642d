// Package backtest replays the strategy over stored ranking snapshots. The
// same signal generator and stop evaluator drive it; executions are
// simulated at snapshot prices and settle instantly.
package backtest

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qtrading/rank-rotation-bot/internal/config"
	"github.com/qtrading/rank-rotation-bot/internal/execution"
	"github.com/qtrading/rank-rotation-bot/internal/marketdata"
	"github.com/qtrading/rank-rotation-bot/internal/portfolio"
	"github.com/qtrading/rank-rotation-bot/internal/signal"
	"github.com/qtrading/rank-rotation-bot/internal/stops"
)

type Result struct {
	Ledger     *portfolio.Ledger
	Days       int
	Gaps       []string
	FinalValue float64
	ROI        float64
}

type Runner struct {
	cfg      config.StrategyConfig
	provider marketdata.Provider
	signals  *signal.Generator
	stopEval *stops.Evaluator
	executor *execution.Executor
	logger   *logrus.Logger
}

func NewRunner(cfg config.StrategyConfig, provider marketdata.Provider, signals *signal.Generator, stopEval *stops.Evaluator, logger *logrus.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		provider: provider,
		signals:  signals,
		stopEval: stopEval,
		executor: execution.NewExecutor(nil, nil, logger),
		logger:   logger,
	}
}

// Run replays every day of the window, inclusive. Days without a snapshot
// are recorded as gaps, annotated on the open positions, and skipped.
func (r *Runner) Run(ctx context.Context, start, end time.Time) (*Result, error) {
	params := portfolio.Params{
		SettleCurrency:   r.cfg.SettleCurrency,
		UpDownMove:       r.cfg.UpDownMove,
		WindowDays:       r.cfg.WindowDays,
		RankRiseBuyLimit: r.cfg.RankRiseBuyLimit,
		UniverseSize:     r.cfg.UniverseSize,
		Invest:           r.cfg.Invest,
		InvestMin:        r.cfg.InvestMin,
		StopLoss:         r.cfg.StopLoss,
		TrailingArm:      r.cfg.TrailingArm,
		TrailingStop:     r.cfg.TrailingStop,
	}
	led := portfolio.NewLedger(params, r.cfg.StartBalance)
	result := &Result{Ledger: led}

	lastPrices := map[string]float64{}

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Days++

		stop, err := r.provider.Snapshot(ctx, day)
		if err != nil {
			r.recordGap(led, result, day)
			continue
		}

		prices := r.symbolPrices(stop)
		lastPrices = prices

		r.evaluateStops(ctx, led, stop, prices)

		startDay := day.AddDate(0, 0, -r.cfg.WindowDays)
		windowStart, err := r.provider.Snapshot(ctx, startDay)
		if err != nil {
			r.recordGap(led, result, startDay)
			continue
		}

		decisions := r.signals.Evaluate(windowStart, stop, led)

		for _, candidate := range decisions.Sells {
			pos, ok := led.Open[candidate.Asset]
			if !ok {
				continue
			}
			price := prices[pos.Symbol]
			if price == 0 {
				continue
			}
			r.sell(ctx, led, pos, price, r.pivotRate(prices), "rank_fall", day)
		}

		for _, candidate := range decisions.Buys {
			r.buy(ctx, led, candidate, r.pivotRate(prices), day)
		}
	}

	result.FinalValue = led.Value(lastPrices)
	result.ROI = led.ROI(lastPrices, portfolio.ROIOptions{IncludeOpen: true, IncludeClosed: true})

	r.logger.WithFields(logrus.Fields{
		"days":   result.Days,
		"gaps":   len(result.Gaps),
		"open":   len(led.Open),
		"closed": len(led.Closed),
		"value":  result.FinalValue,
		"roi":    result.ROI,
	}).Info("Backtest finished")

	return result, nil
}

func (r *Runner) symbolPrices(snap *marketdata.Snapshot) map[string]float64 {
	prices := make(map[string]float64, snap.Len())
	for _, entry := range snap.Entries {
		symbol := strings.ToUpper(entry.Asset) + "-" + strings.ToUpper(r.cfg.SettleCurrency)
		prices[symbol] = entry.PriceUSD
	}
	return prices
}

// pivotRate is the pivot pair's close for the day. Snapshots that never list
// the pivot replay with prices already in the stop denomination.
func (r *Runner) pivotRate(prices map[string]float64) float64 {
	if rate := prices["BTC-"+strings.ToUpper(r.cfg.SettleCurrency)]; rate > 0 {
		return rate
	}
	return 1
}

// evaluateStops walks each held asset through the day's recorded extremes
// toward the close, low first, and exits at the first price that trips a
// stop. Entries without extremes evaluate on the close alone.
func (r *Runner) evaluateStops(ctx context.Context, led *portfolio.Ledger, snap *marketdata.Snapshot, prices map[string]float64) {
	pivotRate := r.pivotRate(prices)

	entries := make(map[string]marketdata.Entry, snap.Len())
	for _, entry := range snap.Entries {
		entries[entry.Asset] = entry
	}

	assets := make([]string, 0, len(led.Open))
	for asset := range led.Open {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		pos := led.Open[asset]
		entry, ok := entries[asset]
		if !ok || entry.PriceUSD == 0 {
			continue
		}
		for _, price := range dayPath(entry) {
			if reason := r.stopEval.Evaluate(pos, price/pivotRate); reason != "" {
				r.sell(ctx, led, pos, price, pivotRate, reason, time.Time{})
				break
			}
		}
	}
}

func dayPath(entry marketdata.Entry) []float64 {
	path := make([]float64, 0, 3)
	if entry.LowUSD > 0 && entry.LowUSD != entry.PriceUSD {
		path = append(path, entry.LowUSD)
	}
	if entry.HighUSD > 0 && entry.HighUSD != entry.PriceUSD {
		path = append(path, entry.HighUSD)
	}
	return append(path, entry.PriceUSD)
}

func (r *Runner) buy(ctx context.Context, led *portfolio.Ledger, candidate signal.Candidate, pivotRate float64, day time.Time) {
	if led.Holds(candidate.Asset) || candidate.PriceUSD <= 0 {
		return
	}

	notional := math.Min(r.cfg.Invest, led.Balance())
	if notional < r.cfg.InvestMin {
		return
	}

	symbol := strings.ToUpper(candidate.Asset) + "-" + strings.ToUpper(r.cfg.SettleCurrency)
	result, err := r.executor.Execute(ctx, execution.Request{
		Side:      "buy",
		Asset:     candidate.Asset,
		Symbol:    symbol,
		Price:     candidate.PriceUSD,
		Notional:  notional,
		PivotRate: pivotRate,
		Simulate:  true,
	})
	if err != nil {
		r.logger.WithError(err).WithField("asset", candidate.Asset).Error("Backtest entry rejected")
		return
	}

	led.AddOpen(&portfolio.Position{
		Asset:      candidate.Asset,
		Symbol:     symbol,
		Quantity:   result.Quantity,
		Price:      result.Price,
		PricePivot: result.PricePivot,
		Invest:     result.Notional,
		CreatedAt:  day,
		Kind:       portfolio.Live,
		Fill:       portfolio.Filled,
		RankRise:   int(candidate.Delta),
		TrendSlope: candidate.TrendSlope,
		Volume24h:  candidate.QuoteVolume,
	})
	led.AddBalance(-result.Notional)
}

func (r *Runner) sell(ctx context.Context, led *portfolio.Ledger, pos *portfolio.Position, price, pivotRate float64, reason string, day time.Time) {
	result, err := r.executor.Execute(ctx, execution.Request{
		Side:      "sell",
		Asset:     pos.Asset,
		Symbol:    pos.Symbol,
		Price:     price,
		Quantity:  pos.Quantity,
		PivotRate: pivotRate,
		Simulate:  true,
	})
	if err != nil {
		r.logger.WithError(err).WithField("asset", pos.Asset).Error("Backtest exit rejected")
		return
	}

	if closed := led.Close(pos.Asset, result.Price, "", portfolio.Filled, day, reason); closed != nil {
		closed.SellPricePivot = result.PricePivot
	}
	led.AddBalance(result.Notional)
}

func (r *Runner) recordGap(led *portfolio.Ledger, result *Result, day time.Time) {
	date := marketdata.DateKey(day)
	result.Gaps = append(result.Gaps, date)

	note := "MDI " + date
	for _, pos := range led.Open {
		if pos.OtherNotes == "" {
			pos.OtherNotes = note
		} else if !strings.Contains(pos.OtherNotes, note) {
			pos.OtherNotes += "; " + note
		}
	}
}
