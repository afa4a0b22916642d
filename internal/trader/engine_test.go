package trader

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/qtrading/rank-rotation-bot/internal/config"
	"github.com/qtrading/rank-rotation-bot/internal/exchange"
	"github.com/qtrading/rank-rotation-bot/internal/execution"
	"github.com/qtrading/rank-rotation-bot/internal/gateway"
	"github.com/qtrading/rank-rotation-bot/internal/portfolio"
	"github.com/qtrading/rank-rotation-bot/internal/stops"
	"github.com/qtrading/rank-rotation-bot/internal/store"
)

type MockVenue struct {
	mock.Mock
}

func (m *MockVenue) AllTickers(ctx context.Context) (*exchange.AllTickersResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.AllTickersResponse), args.Error(1)
}

func (m *MockVenue) Balances(ctx context.Context) ([]exchange.Account, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]exchange.Account), args.Error(1)
}

func (m *MockVenue) PlaceLimitOrder(ctx context.Context, side, symbol, price, size string) (*exchange.OrderResponse, error) {
	args := m.Called(ctx, side, symbol, price, size)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.OrderResponse), args.Error(1)
}

func (m *MockVenue) OpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]exchange.Order), args.Error(1)
}

func (m *MockVenue) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func strategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		SettleCurrency:   "USDT",
		UpDownMove:       10,
		WindowDays:       10,
		RankRiseBuyLimit: 1000,
		UniverseSize:     1000,
		Invest:           1000,
		InvestMin:        100,
		StopLoss:         -0.15,
		TrailingArm:      0.05,
		TrailingStop:     -0.0125,
		PanicDrawdown:    -0.3,
		RestartROI:       0.15,
	}
}

// tickEngine wires an engine around the mock venue with a throwaway file
// store, ready for direct tick calls.
func tickEngine(t *testing.T, venue *MockVenue, led *portfolio.Ledger) *Engine {
	t.Helper()
	logger := newTestLogger()
	cfg := strategyConfig()

	gw := gateway.New(venue, cfg.SettleCurrency, 0, 1, logger)
	docs, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	e := NewEngine(Deps{
		Strategy: cfg,
		Gateway:  gw,
		Store:    docs,
		Executor: execution.NewExecutor(venue, nil, logger),
		Stops:    stops.NewEvaluator(cfg.StopLoss, cfg.TrailingArm, cfg.TrailingStop, logger),
		Logger:   logger,
	})
	e.led = led
	return e
}

func TestLedgerKeys(t *testing.T) {
	e := &Engine{cfg: strategyConfig()}

	assert.Equal(t, "portfolio_usdt_10_-10_10_-0.15_0.05_-0.0125_1000_100_1000_1000", e.ledgerKey())

	day := time.Date(2026, 8, 29, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, e.ledgerKey()+"_to_2026-08-29", e.backupKey(day))
}

func TestParamsMapping(t *testing.T) {
	p := Params(strategyConfig())
	assert.Equal(t, "USDT", p.SettleCurrency)
	assert.Equal(t, 10, p.UpDownMove)
	assert.Equal(t, 1000.0, p.Invest)
	assert.Equal(t, -0.0125, p.TrailingStop)
}

func TestAnnotateGap(t *testing.T) {
	led := portfolio.NewLedger(Params(strategyConfig()), 5000)
	led.AddOpen(&portfolio.Position{Asset: "ADA", Symbol: "ADA-USDT"})
	led.AddOpen(&portfolio.Position{Asset: "DOT", Symbol: "DOT-USDT", OtherNotes: "MDI 2026-08-10"})

	e := &Engine{cfg: strategyConfig(), led: led}
	day := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)

	e.annotateGap(day)
	assert.Equal(t, "MDI 2026-08-19", led.Open["ADA"].OtherNotes)
	assert.Equal(t, "MDI 2026-08-10; MDI 2026-08-19", led.Open["DOT"].OtherNotes)

	// Annotating the same gap twice is a no-op
	e.annotateGap(day)
	assert.Equal(t, "MDI 2026-08-19", led.Open["ADA"].OtherNotes)
}

func TestTickStops(t *testing.T) {
	// The settle price is flat while the pivot doubled, so the pivot-
	// denominated return is -50%.
	tickers := &exchange.AllTickersResponse{Ticker: []exchange.Ticker{
		{Symbol: "BTC-USDT", Last: "100000"},
		{Symbol: "ADA-USDT", Last: "1.0"},
	}}

	t.Run("sellable position stops out on the pivot price", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("AllTickers", mock.Anything).Return(tickers, nil).Once()
		venue.On("PlaceLimitOrder", mock.Anything, "sell", "ADA-USDT", "1.00000000", "100.00000000").
			Return(&exchange.OrderResponse{OrderId: "s1"}, nil).Once()
		venue.On("OpenOrders", mock.Anything, "ADA-USDT").Return([]exchange.Order{}, nil).Once()

		led := portfolio.NewLedger(Params(strategyConfig()), 1000)
		led.AddOpen(&portfolio.Position{
			Asset: "ADA", Symbol: "ADA-USDT", Quantity: 100, Price: 1.0, PricePivot: 1.0 / 50000,
			Invest: 100, Kind: portfolio.Live, Fill: portfolio.Filled,
		})

		e := tickEngine(t, venue, led)
		e.tick(context.Background())

		assert.False(t, led.Holds("ADA"))
		require.Len(t, led.Closed, 1)
		assert.Equal(t, stops.ReasonStopLoss, led.Closed[0].ExitReason)
		assert.InDelta(t, 1.0/100000, led.Closed[0].SellPricePivot, 1e-12)
		venue.AssertExpectations(t)
	})

	t.Run("working entry order is not stop-evaluated", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("AllTickers", mock.Anything).Return(tickers, nil).Once()

		led := portfolio.NewLedger(Params(strategyConfig()), 1000)
		pos := &portfolio.Position{
			Asset: "ADA", Symbol: "ADA-USDT", Quantity: 100, Price: 1.0, PricePivot: 1.0 / 50000,
			Invest: 100, Kind: portfolio.Live, Fill: portfolio.NotFilled,
		}
		led.AddOpen(pos)

		e := tickEngine(t, venue, led)
		e.tick(context.Background())

		assert.True(t, led.Holds("ADA"))
		assert.True(t, pos.LastSeen.IsZero())
		venue.AssertNotCalled(t, "PlaceLimitOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("tick records the last observation", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("AllTickers", mock.Anything).Return(&exchange.AllTickersResponse{Ticker: []exchange.Ticker{
			{Symbol: "BTC-USDT", Last: "50000"},
			{Symbol: "ADA-USDT", Last: "1.02"},
		}}, nil).Once()

		led := portfolio.NewLedger(Params(strategyConfig()), 1000)
		pos := &portfolio.Position{
			Asset: "ADA", Symbol: "ADA-USDT", Quantity: 100, Price: 1.0, PricePivot: 1.0 / 50000,
			Invest: 100, Kind: portfolio.Live, Fill: portfolio.Filled,
		}
		led.AddOpen(pos)

		e := tickEngine(t, venue, led)
		e.tick(context.Background())

		assert.False(t, pos.LastSeen.IsZero())
		assert.InDelta(t, 1.02/50000, pos.LastPricePivot, 1e-12)
		assert.InDelta(t, 0.02, pos.LastROIPivot, 1e-9)
		assert.True(t, led.Holds("ADA"))
	})
}

func TestShouldRestart(t *testing.T) {
	prices := map[string]float64{"ADA-USDT": 1.2}

	paperLedger := func(peak float64) *portfolio.Ledger {
		led := portfolio.NewLedger(Params(strategyConfig()), 1000)
		led.Paper = true
		led.PeakValue = peak
		led.AddOpen(&portfolio.Position{
			Asset: "ADA", Symbol: "ADA-USDT", Quantity: 100, Price: 1.0, Invest: 100,
			Kind: portfolio.Simulated,
		})
		return led
	}

	t.Run("restarts when return and value both recovered", func(t *testing.T) {
		// Open return +20%, value 1120 against a 1500 peak (floor 1050)
		e := &Engine{cfg: strategyConfig(), led: paperLedger(1500)}
		ok, roi := e.shouldRestart(prices)
		assert.True(t, ok)
		assert.InDelta(t, 0.2, roi, 1e-9)
	})

	t.Run("holds while the value lags the peak", func(t *testing.T) {
		// Value 1120 against a 2000 peak (floor 1400)
		e := &Engine{cfg: strategyConfig(), led: paperLedger(2000)}
		ok, _ := e.shouldRestart(prices)
		assert.False(t, ok)
	})

	t.Run("holds below the return threshold", func(t *testing.T) {
		e := &Engine{cfg: strategyConfig(), led: paperLedger(1500)}
		ok, _ := e.shouldRestart(map[string]float64{"ADA-USDT": 1.1})
		assert.False(t, ok)
	})

	t.Run("closed profits alone do not restart", func(t *testing.T) {
		led := portfolio.NewLedger(Params(strategyConfig()), 1000)
		led.Paper = true
		led.PeakValue = 500
		led.AddOpen(&portfolio.Position{
			Asset: "ADA", Symbol: "ADA-USDT", Quantity: 100, Price: 1.0, Invest: 100,
			Kind: portfolio.Simulated,
		})
		led.Closed = append(led.Closed, &portfolio.Position{
			Asset: "SOL", Symbol: "SOL-USDT", Quantity: 10, Price: 10, Invest: 100,
			Kind: portfolio.Live, SellPrice: 20,
		})

		e := &Engine{cfg: strategyConfig(), led: led}
		ok, _ := e.shouldRestart(map[string]float64{"ADA-USDT": 1.0})
		assert.False(t, ok)
	})
}

func TestStatusLine(t *testing.T) {
	led := portfolio.NewLedger(Params(strategyConfig()), 1000)
	led.AddOpen(&portfolio.Position{Asset: "ADA", Symbol: "ADA-USDT", Quantity: 100, Price: 1.0, Invest: 100, Kind: portfolio.Live})

	line := statusLine(led, map[string]float64{"ADA-USDT": 1.1})
	assert.Contains(t, line, "mode live")
	assert.Contains(t, line, "open 1")
	assert.Contains(t, line, "value 1110.00")

	led.Paper = true
	assert.Contains(t, statusLine(led, nil), "mode paper")
}
