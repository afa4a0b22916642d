package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtrading/rank-rotation-bot/internal/config"
	"github.com/qtrading/rank-rotation-bot/internal/marketdata"
	"github.com/qtrading/rank-rotation-bot/internal/portfolio"
	"github.com/qtrading/rank-rotation-bot/internal/signal"
	"github.com/qtrading/rank-rotation-bot/internal/stops"
)

type mapProvider struct {
	snaps map[string]*marketdata.Snapshot
}

func (p *mapProvider) Snapshot(_ context.Context, date time.Time) (*marketdata.Snapshot, error) {
	snap, ok := p.snaps[marketdata.DateKey(date)]
	if !ok {
		return nil, marketdata.ErrNoSnapshot
	}
	return snap, nil
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func backtestConfig() config.StrategyConfig {
	return config.StrategyConfig{
		SettleCurrency:   "USDT",
		UpDownMove:       2,
		WindowDays:       1,
		RankRiseBuyLimit: 1000,
		UniverseSize:     1000,
		Invest:           1000,
		InvestMin:        100,
		StopLoss:         -0.15,
		TrailingArm:      0.05,
		TrailingStop:     -0.0125,
		StartBalance:     5000,
	}
}

func newRunner(cfg config.StrategyConfig, snaps map[string]*marketdata.Snapshot) *Runner {
	gen := signal.NewGenerator(cfg.UpDownMove, cfg.RankRiseBuyLimit, newTestLogger())
	ev := stops.NewEvaluator(cfg.StopLoss, cfg.TrailingArm, cfg.TrailingStop, newTestLogger())
	return NewRunner(cfg, &mapProvider{snaps: snaps}, gen, ev, newTestLogger())
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func snap(date string, entries ...marketdata.Entry) *marketdata.Snapshot {
	return &marketdata.Snapshot{Date: date, Entries: entries}
}

func TestRunBuysAndSellsOnRotation(t *testing.T) {
	snaps := map[string]*marketdata.Snapshot{
		"2026-08-01": snap("2026-08-01",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 2, Asset: "ETH", PriceUSD: 3000},
			marketdata.Entry{Rank: 5, Asset: "ADA", PriceUSD: 1.0},
		),
		"2026-08-02": snap("2026-08-02",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 2, Asset: "ADA", PriceUSD: 1.0},
			marketdata.Entry{Rank: 3, Asset: "ETH", PriceUSD: 3000},
		),
		"2026-08-03": snap("2026-08-03",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 2, Asset: "ETH", PriceUSD: 3000},
			marketdata.Entry{Rank: 6, Asset: "ADA", PriceUSD: 1.1},
		),
	}

	r := newRunner(backtestConfig(), snaps)
	result, err := r.Run(context.Background(), day("2026-08-01"), day("2026-08-03"))
	require.NoError(t, err)

	assert.Equal(t, 3, result.Days)
	// Day one has no window start
	assert.Equal(t, []string{"2026-07-31"}, result.Gaps)

	led := result.Ledger
	assert.False(t, led.Holds("ADA"))
	require.Len(t, led.Closed, 1)

	closed := led.Closed[0]
	assert.Equal(t, "ADA", closed.Asset)
	assert.Equal(t, "rank_fall", closed.ExitReason)
	assert.Equal(t, 1000.0, closed.Quantity)
	assert.Equal(t, 1.1, closed.SellPrice)

	// 5000 - 1000 + 1100
	assert.InDelta(t, 5100.0, led.Balance(), 1e-9)
	assert.InDelta(t, 0.1, result.ROI, 1e-9)
	assert.InDelta(t, 5100.0, result.FinalValue, 1e-9)
}

func TestRunStopLossExit(t *testing.T) {
	snaps := map[string]*marketdata.Snapshot{
		"2026-08-01": snap("2026-08-01",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 5, Asset: "ADA", PriceUSD: 1.0},
		),
		"2026-08-02": snap("2026-08-02",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 2, Asset: "ADA", PriceUSD: 1.0},
		),
		"2026-08-03": snap("2026-08-03",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 2, Asset: "ADA", PriceUSD: 0.8},
		),
	}

	r := newRunner(backtestConfig(), snaps)
	result, err := r.Run(context.Background(), day("2026-08-01"), day("2026-08-03"))
	require.NoError(t, err)

	led := result.Ledger
	require.Len(t, led.Closed, 1)
	assert.Equal(t, stops.ReasonStopLoss, led.Closed[0].ExitReason)
	assert.Equal(t, 0.8, led.Closed[0].SellPrice)
	// 5000 - 1000 + 800
	assert.InDelta(t, 4800.0, led.Balance(), 1e-9)
}

// The day's low breaches the stop even though the close recovered; the exit
// settles at the breaching price, not the close.
func TestRunStopLossOnIntradayLow(t *testing.T) {
	snaps := map[string]*marketdata.Snapshot{
		"2026-08-01": snap("2026-08-01",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 5, Asset: "ADA", PriceUSD: 1.0},
		),
		"2026-08-02": snap("2026-08-02",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 2, Asset: "ADA", PriceUSD: 1.0},
		),
		"2026-08-03": snap("2026-08-03",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 2, Asset: "ADA", PriceUSD: 0.95, LowUSD: 0.7, HighUSD: 1.02},
		),
	}

	r := newRunner(backtestConfig(), snaps)
	result, err := r.Run(context.Background(), day("2026-08-01"), day("2026-08-03"))
	require.NoError(t, err)

	led := result.Ledger
	require.Len(t, led.Closed, 1)
	assert.Equal(t, stops.ReasonStopLoss, led.Closed[0].ExitReason)
	assert.Equal(t, 0.7, led.Closed[0].SellPrice)
	// 5000 - 1000 + 700
	assert.InDelta(t, 4700.0, led.Balance(), 1e-9)
}

// The pivot doubling stops the position out even though the settle price
// never moved.
func TestRunStopLossOnPivotRally(t *testing.T) {
	snaps := map[string]*marketdata.Snapshot{
		"2026-08-01": snap("2026-08-01",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 5, Asset: "ADA", PriceUSD: 1.0},
		),
		"2026-08-02": snap("2026-08-02",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 2, Asset: "ADA", PriceUSD: 1.0},
		),
		"2026-08-03": snap("2026-08-03",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 100000},
			marketdata.Entry{Rank: 2, Asset: "ADA", PriceUSD: 1.0},
		),
	}

	r := newRunner(backtestConfig(), snaps)
	result, err := r.Run(context.Background(), day("2026-08-01"), day("2026-08-03"))
	require.NoError(t, err)

	led := result.Ledger
	require.Len(t, led.Closed, 1)
	assert.Equal(t, stops.ReasonStopLoss, led.Closed[0].ExitReason)
	// The sale still settles at the settle-currency price
	assert.Equal(t, 1.0, led.Closed[0].SellPrice)
}

func TestRunAnnotatesGaps(t *testing.T) {
	snaps := map[string]*marketdata.Snapshot{
		"2026-08-01": snap("2026-08-01",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 5, Asset: "ADA", PriceUSD: 1.0},
		),
		"2026-08-02": snap("2026-08-02",
			marketdata.Entry{Rank: 1, Asset: "BTC", PriceUSD: 50000},
			marketdata.Entry{Rank: 2, Asset: "ADA", PriceUSD: 1.0},
		),
		// 2026-08-03 missing entirely
	}

	r := newRunner(backtestConfig(), snaps)
	result, err := r.Run(context.Background(), day("2026-08-01"), day("2026-08-03"))
	require.NoError(t, err)

	assert.Contains(t, result.Gaps, "2026-08-03")
	require.True(t, result.Ledger.Holds("ADA"))
	assert.Contains(t, result.Ledger.Open["ADA"].OtherNotes, "MDI 2026-08-03")
}

func TestRunRespectsMinimumStake(t *testing.T) {
	cfg := backtestConfig()
	cfg.StartBalance = 50 // below InvestMin

	snaps := map[string]*marketdata.Snapshot{
		"2026-08-01": snap("2026-08-01", marketdata.Entry{Rank: 5, Asset: "ADA", PriceUSD: 1.0}),
		"2026-08-02": snap("2026-08-02", marketdata.Entry{Rank: 2, Asset: "ADA", PriceUSD: 1.0}),
	}

	r := newRunner(cfg, snaps)
	result, err := r.Run(context.Background(), day("2026-08-01"), day("2026-08-02"))
	require.NoError(t, err)

	assert.Empty(t, result.Ledger.Open)
	assert.Equal(t, 50.0, result.Ledger.Balance())
}

func TestRunKeepsLedgerParams(t *testing.T) {
	r := newRunner(backtestConfig(), map[string]*marketdata.Snapshot{})
	result, err := r.Run(context.Background(), day("2026-08-01"), day("2026-08-01"))
	require.NoError(t, err)

	assert.Equal(t, portfolio.Params{
		SettleCurrency:   "USDT",
		UpDownMove:       2,
		WindowDays:       1,
		RankRiseBuyLimit: 1000,
		UniverseSize:     1000,
		Invest:           1000,
		InvestMin:        100,
		StopLoss:         -0.15,
		TrailingArm:      0.05,
		TrailingStop:     -0.0125,
	}, result.Ledger.Params)
}
