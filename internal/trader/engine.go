// Package trader runs the live strategy: a drift-corrected evaluation tick
// for stops, a daily rotation pass, and an hourly reconciliation pass. The
// engine is the ledger's only mutator; the cron jobs and the tick loop
// serialize on its mutex.
package trader

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/qtrading/rank-rotation-bot/internal/config"
	"github.com/qtrading/rank-rotation-bot/internal/exchange"
	"github.com/qtrading/rank-rotation-bot/internal/execution"
	"github.com/qtrading/rank-rotation-bot/internal/fetch"
	"github.com/qtrading/rank-rotation-bot/internal/gateway"
	"github.com/qtrading/rank-rotation-bot/internal/marketdata"
	"github.com/qtrading/rank-rotation-bot/internal/metrics"
	"github.com/qtrading/rank-rotation-bot/internal/portfolio"
	"github.com/qtrading/rank-rotation-bot/internal/reconcile"
	"github.com/qtrading/rank-rotation-bot/internal/signal"
	"github.com/qtrading/rank-rotation-bot/internal/stops"
	"github.com/qtrading/rank-rotation-bot/internal/store"
)

// The restart path re-buys profitable simulated positions at whatever the
// market asks; this limit only guards against absurd quotes.
const restartDriftLimit = 10.0

type Deps struct {
	Strategy   config.StrategyConfig
	Gateway    *gateway.Gateway
	Capture    marketdata.Provider
	History    marketdata.Provider
	Store      store.Store
	Executor   *execution.Executor
	Reconciler *reconcile.Reconciler
	Signals    *signal.Generator
	Stops      *stops.Evaluator
	Notifier   execution.Notifier
	Stream     func(symbols []string) *exchange.Stream
	Logger     *logrus.Logger
}

type Engine struct {
	cfg        config.StrategyConfig
	gw         *gateway.Gateway
	capture    marketdata.Provider
	history    marketdata.Provider
	docs       store.Store
	executor   *execution.Executor
	reconciler *reconcile.Reconciler
	signals    *signal.Generator
	stopEval   *stops.Evaluator
	notifier   execution.Notifier
	stream     func(symbols []string) *exchange.Stream
	logger     *logrus.Logger

	mu  sync.Mutex
	led *portfolio.Ledger
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		cfg:        d.Strategy,
		gw:         d.Gateway,
		capture:    d.Capture,
		history:    d.History,
		docs:       d.Store,
		executor:   d.Executor,
		reconciler: d.Reconciler,
		signals:    d.Signals,
		stopEval:   d.Stops,
		notifier:   d.Notifier,
		stream:     d.Stream,
		logger:     d.Logger,
	}
}

// Params maps the strategy configuration onto the ledger's identity.
func Params(cfg config.StrategyConfig) portfolio.Params {
	return portfolio.Params{
		SettleCurrency:   cfg.SettleCurrency,
		UpDownMove:       cfg.UpDownMove,
		WindowDays:       cfg.WindowDays,
		RankRiseBuyLimit: cfg.RankRiseBuyLimit,
		UniverseSize:     cfg.UniverseSize,
		Invest:           cfg.Invest,
		InvestMin:        cfg.InvestMin,
		StopLoss:         cfg.StopLoss,
		TrailingArm:      cfg.TrailingArm,
		TrailingStop:     cfg.TrailingStop,
	}
}

func (e *Engine) ledgerKey() string {
	return "portfolio_" + Params(e.cfg).Signature()
}

func (e *Engine) backupKey(day time.Time) string {
	return e.ledgerKey() + "_to_" + marketdata.DateKey(day)
}

func (e *Engine) Run(ctx context.Context) error {
	if err := e.loadLedger(ctx); err != nil {
		return err
	}

	if e.stream != nil {
		s := e.stream(e.watchSymbols())
		go s.Run(ctx)
		go func() {
			for update := range s.Updates() {
				e.gw.Apply(update)
			}
		}()
	}

	c := cron.New(cron.WithSeconds())
	c.AddFunc("0 5 0 * * *", func() { e.runDaily(ctx) })
	c.AddFunc("0 30 * * * *", func() { e.runHourly(ctx) })
	c.AddFunc("0 0 12 * * *", func() { e.heartbeat() })
	c.Start()
	defer c.Stop()

	e.logger.WithField("signature", Params(e.cfg).Signature()).Info("Trading engine started")

	// A fresh start should not wait until midnight to trade today's rotation.
	e.runDaily(ctx)

	for {
		started := time.Now()
		e.tick(ctx)

		// Re-align the cadence so a slow tick does not shift every later one
		elapsed := time.Since(started)
		sleep := e.cfg.TickInterval - elapsed%e.cfg.TickInterval

		select {
		case <-ctx.Done():
			e.logger.Info("Trading engine stopping")
			e.saveLedgerLocked(context.Background())
			return nil
		case <-time.After(sleep):
		}
	}
}

func (e *Engine) loadLedger(ctx context.Context) error {
	var led portfolio.Ledger
	err := e.docs.Load(ctx, e.ledgerKey(), &led)
	switch err {
	case nil:
		e.led = &led
		e.logger.WithFields(logrus.Fields{
			"open":    len(led.Open),
			"closed":  len(led.Closed),
			"balance": led.Balance(),
		}).Info("Ledger restored")
	case store.ErrNotFound:
		e.led = portfolio.NewLedger(Params(e.cfg), e.cfg.StartBalance)
		e.logger.WithField("balance", e.cfg.StartBalance).Info("Starting fresh ledger")
	default:
		return err
	}
	return nil
}

func (e *Engine) watchSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := map[string]bool{e.gw.Symbol("BTC"): true}
	for _, pos := range e.led.Open {
		seen[pos.Symbol] = true
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// tick is the fast path: refresh quotes, run the stop evaluator over the
// settled open positions, report status. Positions whose entry is still
// working or rejected hold no sellable quantity yet, so stops skip them.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.refreshQuotes(ctx) {
		return
	}
	prices := e.gw.Prices()
	now := time.Now().UTC()

	for _, asset := range e.sortedOpenAssets() {
		pos := e.led.Open[asset]
		if !pos.Fill.Sellable() {
			continue
		}
		pricePivot := e.gw.PriceInPivot(pos.Symbol)
		if pricePivot == 0 {
			continue
		}
		pos.LastSeen = now
		pos.LastPricePivot = pricePivot
		pos.LastROIPivot = pos.ROIPivot(pricePivot)
		if reason := e.stopEval.Evaluate(pos, pricePivot); reason != "" {
			e.exitPosition(ctx, pos, prices[pos.Symbol], reason)
		}
	}

	e.reportStatus(prices, false)
	e.saveLedger(ctx)
}

// runDaily captures the day's snapshot and trades the rotation against the
// window-start snapshot, then rolls the ledger backup forward.
func (e *Engine) runDaily(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	today := time.Now().UTC()

	stop, err := e.history.Snapshot(ctx, today)
	if err == marketdata.ErrNoSnapshot {
		stop, err = e.capture.Snapshot(ctx, today)
		if err == nil {
			if saveErr := e.docs.Save(ctx, marketdata.SnapshotKey(today), stop); saveErr != nil {
				e.logger.WithError(saveErr).Error("Could not persist today's snapshot")
			}
		}
	}
	if err != nil {
		e.logger.WithError(err).Warn("No snapshot for today, skipping rotation")
		e.annotateGap(today)
		e.saveLedger(ctx)
		return
	}

	if !e.refreshQuotes(ctx) {
		return
	}
	e.reconciler.AlignBalance(ctx, e.led)

	startDay := today.AddDate(0, 0, -e.cfg.WindowDays)
	start, err := e.history.Snapshot(ctx, startDay)
	if err != nil {
		e.logger.WithError(err).WithField("date", marketdata.DateKey(startDay)).Warn("Window start snapshot missing, skipping rotation")
		e.annotateGap(startDay)
		e.saveLedger(ctx)
		return
	}

	decisions := e.signals.Evaluate(start, stop, e.led)
	e.logger.WithFields(logrus.Fields{
		"buys":  len(decisions.Buys),
		"sells": len(decisions.Sells),
	}).Info("Rotation evaluated")

	for _, candidate := range decisions.Sells {
		pos, ok := e.led.Open[candidate.Asset]
		if !ok {
			continue
		}
		price := e.gw.Price(pos.Symbol)
		if price == 0 {
			// Delisted pairs can still be priced through the pivot
			price = e.gw.PriceInSettle(pos.Asset)
		}
		if price == 0 {
			price = candidate.PriceUSD
		}
		if price == 0 {
			continue
		}
		e.exitPosition(ctx, pos, price, "rank_fall")
	}

	for _, candidate := range decisions.Buys {
		e.enterPosition(ctx, candidate)
	}

	e.reportStatus(e.gw.Prices(), true)
	e.saveLedger(ctx)

	if err := e.docs.Save(ctx, e.backupKey(today), e.led); err != nil {
		e.logger.WithError(err).Error("Could not write ledger backup")
	} else if err := e.docs.Delete(ctx, e.backupKey(today.AddDate(0, 0, -1))); err != nil {
		e.logger.WithError(err).Warn("Could not prune previous ledger backup")
	}
}

// runHourly reconciles the ledger against the venue and watches the
// portfolio drawdown.
func (e *Engine) runHourly(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.refreshQuotes(ctx) {
		return
	}

	e.reconciler.AlignBalance(ctx, e.led)
	e.reconciler.RepairOpenOrders(ctx, e.led)
	e.reconciler.SweepStaleTags(ctx, e.led)
	e.reconciler.RetryFailed(ctx, e.led, false, e.cfg.DriftTolerance)
	metrics.IncReconcile("hourly_pass")

	prices := e.gw.Prices()

	// The peak only ratchets while trading live; paper mode freezes it so
	// the recovery bar stays where the panic left it.
	if !e.led.Paper {
		e.led.UpdatePeak(prices)
		if dd := e.led.Drawdown(prices); dd <= e.cfg.PanicDrawdown {
			e.panicSell(ctx, prices, dd)
		}
	} else if ok, roi := e.shouldRestart(prices); ok {
		e.restartLive(ctx, roi)
	}

	e.reportStatus(prices, true)
	e.saveLedger(ctx)
}

// panicSell liquidates losing live positions, worst first, and drops to
// simulated trading until the portfolio recovers.
func (e *Engine) panicSell(ctx context.Context, prices map[string]float64, drawdown float64) {
	e.logger.WithField("drawdown", drawdown).Warn("Drawdown limit breached, liquidating losers")

	for _, pos := range e.led.OpenSortedByROI(prices) {
		price := prices[pos.Symbol]
		if pos.Kind != portfolio.Live || price == 0 || pos.ROI(price) >= 0 {
			continue
		}
		e.exitPosition(ctx, pos, price, "panic_sell")
	}

	e.led.Paper = true
	if e.notifier != nil {
		e.notifier.Notify("Panic sell", "Switched to simulated trading after drawdown")
	}
}

// shouldRestart reports whether a paper portfolio has earned its way back to
// live trading: the open positions' return clears the restart threshold and
// the portfolio value has climbed back to within the panic drawdown of the
// peak it fell from.
func (e *Engine) shouldRestart(prices map[string]float64) (bool, float64) {
	roi := e.led.ROI(prices, portfolio.ROIOptions{IncludeOpen: true})
	if math.IsNaN(roi) || roi <= e.cfg.RestartROI {
		return false, roi
	}
	if e.led.PeakValue > 0 && e.led.Value(prices) < e.led.PeakValue*(1+e.cfg.PanicDrawdown) {
		return false, roi
	}
	return true, roi
}

// restartLive returns to live trading and re-buys the simulated positions
// that proved themselves while the strategy was on paper.
func (e *Engine) restartLive(ctx context.Context, roi float64) {
	e.logger.WithField("roi", roi).Info("Portfolio recovered, restarting live trading")

	e.led.Paper = false
	e.reconciler.RetryFailed(ctx, e.led, true, restartDriftLimit)

	if e.notifier != nil {
		e.notifier.Notify("Live trading restarted", "Recovered paper positions are being re-bought")
	}
}

func (e *Engine) enterPosition(ctx context.Context, candidate signal.Candidate) {
	if e.led.Holds(candidate.Asset) {
		return
	}

	paper := e.led.Paper
	price := e.gw.Price(e.gw.Symbol(candidate.Asset))
	if price == 0 {
		return
	}

	notional := e.cfg.Invest
	if !paper {
		if err := e.gw.CheckTradable(candidate.Asset, candidate.PriceUSD); err != nil {
			e.logger.WithError(err).WithField("asset", candidate.Asset).Info("Skipping entry")
			return
		}
		notional = math.Min(notional, e.led.Balance())
		if notional < e.cfg.InvestMin {
			e.logger.WithFields(logrus.Fields{
				"asset":   candidate.Asset,
				"balance": e.led.Balance(),
			}).Info("Balance below minimum stake, skipping entry")
			return
		}
	}

	result, err := e.executor.Execute(ctx, execution.Request{
		Side:      "buy",
		Asset:     candidate.Asset,
		Symbol:    e.gw.Symbol(candidate.Asset),
		Price:     price,
		Notional:  notional,
		PivotRate: e.gw.PivotRate(),
		Simulate:  paper,
	})
	if err != nil {
		e.logger.WithError(err).WithField("asset", candidate.Asset).Error("Entry order rejected by contract")
		return
	}

	kind := portfolio.Live
	if paper {
		kind = portfolio.Simulated
	}
	e.led.AddOpen(&portfolio.Position{
		Asset:      candidate.Asset,
		Symbol:     e.gw.Symbol(candidate.Asset),
		Quantity:   result.Quantity,
		Price:      result.Price,
		PricePivot: result.PricePivot,
		Invest:     result.Notional,
		OrderID:    result.OrderID,
		CreatedAt:  result.CreatedAt,
		Kind:       kind,
		Fill:       result.Fill,
		RankRise:   int(candidate.Delta),
		TrendSlope: candidate.TrendSlope,
		Volume24h:  candidate.QuoteVolume,
	})

	if !paper && result.Fill != portfolio.TradeError {
		e.led.AddBalance(-result.Notional)
	}
	metrics.IncOrder(kind.String(), "buy")

	e.logger.WithFields(logrus.Fields{
		"asset":    candidate.Asset,
		"delta":    candidate.Delta,
		"notional": result.Notional,
		"fill":     result.Fill.String(),
		"kind":     kind.String(),
	}).Info("Entered position")
}

func (e *Engine) exitPosition(ctx context.Context, pos *portfolio.Position, price float64, reason string) {
	simulate := pos.Kind == portfolio.Simulated

	result, err := e.executor.Execute(ctx, execution.Request{
		Side:      "sell",
		Asset:     pos.Asset,
		Symbol:    pos.Symbol,
		Price:     price,
		Quantity:  pos.Quantity,
		PivotRate: e.gw.PivotRate(),
		Simulate:  simulate,
	})
	if err != nil {
		e.logger.WithError(err).WithField("asset", pos.Asset).Error("Exit order rejected by contract")
		return
	}

	if closed := e.led.Close(pos.Asset, result.Price, result.OrderID, result.Fill, result.CreatedAt, reason); closed != nil {
		closed.SellPricePivot = result.PricePivot
	}
	if !simulate && result.Fill != portfolio.TradeError {
		e.led.AddBalance(result.Notional)
	}
	metrics.IncOrder(pos.Kind.String(), "sell")
	metrics.IncExitReason(reason)

	e.logger.WithFields(logrus.Fields{
		"asset":  pos.Asset,
		"price":  result.Price,
		"reason": reason,
		"fill":   result.Fill.String(),
	}).Info("Exited position")
}

func (e *Engine) refreshQuotes(ctx context.Context) bool {
	return fetch.Do(ctx, e.logger, "quotes", func() (bool, error) {
		return true, e.gw.Refresh(ctx)
	}, false)
}

func (e *Engine) annotateGap(day time.Time) {
	note := "MDI " + marketdata.DateKey(day)
	for _, pos := range e.led.Open {
		if pos.OtherNotes == "" {
			pos.OtherNotes = note
		} else if !strings.Contains(pos.OtherNotes, note) {
			pos.OtherNotes += "; " + note
		}
	}
}

func (e *Engine) sortedOpenAssets() []string {
	assets := make([]string, 0, len(e.led.Open))
	for asset := range e.led.Open {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

func (e *Engine) reportStatus(prices map[string]float64, includeClosed bool) {
	value := e.led.Value(prices)
	roiLive := e.led.ROI(prices, portfolio.ROIOptions{IncludeOpen: true, IncludeClosed: includeClosed, LiveOnly: true})
	roiAll := e.led.ROI(prices, portfolio.ROIOptions{IncludeOpen: true, IncludeClosed: includeClosed})

	metrics.SetPortfolioValue(value)
	metrics.SetSettleBalance(e.led.Balance())
	metrics.SetOpenPositions(len(e.led.Open))
	if !math.IsNaN(roiAll) {
		metrics.SetROICombined(roiAll)
	}

	e.logger.WithFields(logrus.Fields{
		"open":     len(e.led.Open),
		"closed":   len(e.led.Closed),
		"balance":  e.led.Balance(),
		"value":    value,
		"roi_live": roiLive,
		"roi_all":  roiAll,
		"paper":    e.led.Paper,
	}).Info("Portfolio status")
}

func (e *Engine) heartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.notifier == nil {
		return
	}
	prices := e.gw.Prices()
	e.notifier.Notify("Daily heartbeat", statusLine(e.led, prices))
}

func statusLine(led *portfolio.Ledger, prices map[string]float64) string {
	roi := led.ROI(prices, portfolio.ROIOptions{IncludeOpen: true, IncludeClosed: true})
	mode := "live"
	if led.Paper {
		mode = "paper"
	}
	return fmt.Sprintf("mode %s, open %d, balance %.2f, value %.2f, roi %.4f",
		mode, len(led.Open), led.Balance(), led.Value(prices), roi)
}

func (e *Engine) saveLedger(ctx context.Context) {
	if err := e.docs.Save(ctx, e.ledgerKey(), e.led); err != nil {
		e.logger.WithError(err).Error("Could not persist ledger")
	}
}

func (e *Engine) saveLedgerLocked(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saveLedger(ctx)
}
