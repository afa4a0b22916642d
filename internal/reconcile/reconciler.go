// Package reconcile repairs the ledger against the venue: it chases limit
// orders the market moved away from, retries rejected orders, clears stale
// fill tags, and keeps the settlement balance aligned with the exchange.
// Every procedure degrades to leaving the ledger untouched when the venue
// cannot be read.
package reconcile

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qtrading/rank-rotation-bot/internal/exchange"
	"github.com/qtrading/rank-rotation-bot/internal/execution"
	"github.com/qtrading/rank-rotation-bot/internal/gateway"
	"github.com/qtrading/rank-rotation-bot/internal/portfolio"
	"github.com/qtrading/rank-rotation-bot/internal/utils"
)

// Sell orders are matched to closed positions only when the venue order was
// created within this window of the recorded exit.
const sellMatchWindow = 10 * time.Minute

type Reconciler struct {
	venue          exchange.Venue
	gw             *gateway.Gateway
	executor       *execution.Executor
	driftTolerance float64
	investMin      float64
	logger         *logrus.Logger
}

func New(venue exchange.Venue, gw *gateway.Gateway, executor *execution.Executor, driftTolerance, investMin float64, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		venue:          venue,
		gw:             gw,
		executor:       executor,
		driftTolerance: driftTolerance,
		investMin:      investMin,
		logger:         logger,
	}
}

// RepairOpenOrders walks the venue's open-order book and, for every order
// that belongs to a reconcilable ledger position, cancels it and resubmits
// the unexecuted remainder at the current price, provided the price has not
// drifted beyond the tolerance. The position's recorded price becomes the
// volume-weighted blend of the executed part and the resubmitted remainder.
func (r *Reconciler) RepairOpenOrders(ctx context.Context, led *portfolio.Ledger) {
	open, err := r.venue.OpenOrders(ctx, "")
	if err != nil {
		r.logger.WithError(err).Warn("Cannot list open orders, skipping repair")
		return
	}

	for i := range open {
		order := &open[i]
		switch strings.ToLower(order.Side) {
		case "buy":
			r.repairBuy(ctx, led, order)
		case "sell":
			r.repairSell(ctx, led, order)
		}
	}
}

func (r *Reconciler) repairBuy(ctx context.Context, led *portfolio.Ledger, order *exchange.Order) {
	var pos *portfolio.Position
	for _, p := range led.Open {
		if p.Symbol == order.Symbol && p.Kind == portfolio.Live && p.Fill.Reconcilable() {
			pos = p
			break
		}
	}
	if pos == nil {
		return
	}

	current := r.gw.Price(order.Symbol)
	orderPrice := utils.ParseFloat(order.Price)
	size := utils.ParseFloat(order.Size)
	executed := utils.ParseFloat(order.DealSize)
	remainder := size - executed

	if current == 0 || orderPrice == 0 || remainder <= 0 {
		return
	}

	drift := math.Abs(current-orderPrice) / orderPrice
	if drift > r.driftTolerance {
		r.logger.WithFields(logrus.Fields{
			"symbol": order.Symbol,
			"drift":  drift,
		}).Info("Price drifted beyond tolerance, leaving order alone")
		return
	}

	// The remainder costs more at the new price; the difference must be
	// coverable from the settlement balance.
	additional := remainder * (current - orderPrice)
	if additional > led.Balance() {
		r.logger.WithFields(logrus.Fields{
			"symbol":     order.Symbol,
			"additional": additional,
		}).Info("Cannot afford repriced remainder, leaving order alone")
		return
	}

	if err := r.venue.CancelOrder(ctx, order.Id); err != nil {
		r.logger.WithError(err).WithField("order_id", order.Id).Warn("Cancel failed, leaving order alone")
		return
	}

	resp, err := r.venue.PlaceLimitOrder(ctx, "buy", order.Symbol,
		utils.FormatAmount(current), utils.FormatAmount(remainder))
	if err != nil {
		r.logger.WithError(err).WithField("symbol", order.Symbol).Error("Resubmission failed")
		pos.Fill = portfolio.TradeError
		return
	}

	blended := (current*remainder + orderPrice*executed) / size
	pos.Price = blended
	if rate := r.gw.PivotRate(); rate > 0 {
		pos.PricePivot = blended / rate
	}
	pos.OrderID = resp.OrderId
	pos.Fill = portfolio.NotFilled
	pos.Invest += additional
	if additional != 0 {
		led.AddBalance(-additional)
	}

	r.logger.WithFields(logrus.Fields{
		"symbol":    order.Symbol,
		"remainder": remainder,
		"price":     current,
		"blended":   blended,
	}).Info("Repriced working buy order")
}

func (r *Reconciler) repairSell(ctx context.Context, led *portfolio.Ledger, order *exchange.Order) {
	created := time.UnixMilli(order.CreatedAt).UTC()

	var pos *portfolio.Position
	for _, p := range led.Closed {
		if p.Symbol != order.Symbol || p.Kind != portfolio.Live || !p.SellFill.Reconcilable() {
			continue
		}
		if p.SoldAt.IsZero() || created.Sub(p.SoldAt).Abs() > sellMatchWindow {
			continue
		}
		pos = p
		break
	}
	if pos == nil {
		return
	}

	current := r.gw.Price(order.Symbol)
	orderPrice := utils.ParseFloat(order.Price)
	size := utils.ParseFloat(order.Size)
	executed := utils.ParseFloat(order.DealSize)
	remainder := size - executed

	if current == 0 || orderPrice == 0 || remainder <= 0 {
		return
	}

	drift := math.Abs(current-orderPrice) / orderPrice
	if drift > r.driftTolerance {
		r.logger.WithFields(logrus.Fields{
			"symbol": order.Symbol,
			"drift":  drift,
		}).Info("Price drifted beyond tolerance, leaving order alone")
		return
	}

	if err := r.venue.CancelOrder(ctx, order.Id); err != nil {
		r.logger.WithError(err).WithField("order_id", order.Id).Warn("Cancel failed, leaving order alone")
		return
	}

	resp, err := r.venue.PlaceLimitOrder(ctx, "sell", order.Symbol,
		utils.FormatAmount(current), utils.FormatAmount(remainder))
	if err != nil {
		r.logger.WithError(err).WithField("symbol", order.Symbol).Error("Resubmission failed")
		pos.SellFill = portfolio.TradeError
		return
	}

	blended := (current*remainder + orderPrice*executed) / size
	// Proceeds change by the repricing of the remainder
	led.AddBalance(remainder * (current - orderPrice))
	pos.SellPrice = blended
	if rate := r.gw.PivotRate(); rate > 0 {
		pos.SellPricePivot = blended / rate
	}
	pos.SellOrderID = resp.OrderId
	pos.SellFill = portfolio.NotFilled

	r.logger.WithFields(logrus.Fields{
		"symbol":    order.Symbol,
		"remainder": remainder,
		"price":     current,
		"blended":   blended,
	}).Info("Repriced working sell order")
}

// SweepStaleTags promotes not-filled and partially-filled tags to filled for
// every pair the venue no longer has an open order on. The venue's book is
// the truth: no working order means the quantity was worked to completion.
// ~Filled tags are left for the repair pass; the sweep never promotes them.
func (r *Reconciler) SweepStaleTags(ctx context.Context, led *portfolio.Ledger) {
	open, err := r.venue.OpenOrders(ctx, "")
	if err != nil {
		r.logger.WithError(err).Warn("Cannot list open orders, skipping sweep")
		return
	}

	working := make(map[string]bool, len(open))
	for _, o := range open {
		working[o.Symbol] = true
	}

	sweepable := func(f portfolio.FillStatus) bool {
		return f == portfolio.NotFilled || f == portfolio.PartiallyFilled
	}

	for _, pos := range led.Open {
		if sweepable(pos.Fill) && !working[pos.Symbol] {
			r.logger.WithFields(logrus.Fields{"symbol": pos.Symbol, "was": pos.Fill.String()}).Info("Promoting stale entry tag to filled")
			pos.Fill = portfolio.Filled
		}
	}
	for _, pos := range led.Closed {
		if sweepable(pos.SellFill) && !working[pos.Symbol] {
			r.logger.WithFields(logrus.Fields{"symbol": pos.Symbol, "was": pos.SellFill.String()}).Info("Promoting stale exit tag to filled")
			pos.SellFill = portfolio.Filled
		}
	}
}

// RetryFailed resubmits rejected entries, and optionally re-buys profitable
// simulated positions when the strategy returns to live trading. The retry
// pays at the current price but only when it has not drifted past the limit,
// and never spends more than the settlement balance.
func (r *Reconciler) RetryFailed(ctx context.Context, led *portfolio.Ledger, includePaper bool, driftLimit float64) {
	assets := make([]string, 0, len(led.Open))
	for asset := range led.Open {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		pos := led.Open[asset]

		rejected := pos.Kind == portfolio.Live && pos.Fill == portfolio.TradeError
		paper := includePaper && pos.Kind == portfolio.Simulated

		if !rejected && !paper {
			continue
		}

		current := r.gw.Price(pos.Symbol)
		if current == 0 || pos.Price == 0 {
			continue
		}

		diff := (current - pos.Price) / pos.Price
		if diff > driftLimit {
			continue
		}
		if paper && pos.ROI(current) <= 0 {
			continue
		}

		notional := math.Min(pos.Invest, led.Balance())
		if notional < r.investMin {
			continue
		}

		result, err := r.executor.Execute(ctx, execution.Request{
			Side:      "buy",
			Asset:     pos.Asset,
			Symbol:    pos.Symbol,
			Price:     current,
			Notional:  notional,
			PivotRate: r.gw.PivotRate(),
		})
		if err != nil {
			r.logger.WithError(err).WithField("symbol", pos.Symbol).Error("Retry rejected by contract")
			continue
		}
		if result.Fill == portfolio.TradeError {
			pos.Fill = portfolio.TradeError
			continue
		}

		// A re-buy is a fresh entry: the trailing stop re-arms from scratch.
		pos.Price = result.Price
		pos.PricePivot = result.PricePivot
		pos.TrailingMaxPivot = 0
		pos.Quantity = result.Quantity
		pos.Invest = result.Notional
		pos.OrderID = result.OrderID
		pos.Fill = result.Fill
		pos.Kind = portfolio.Live
		pos.CreatedAt = result.CreatedAt
		led.AddBalance(-result.Notional)

		r.logger.WithFields(logrus.Fields{
			"symbol":   pos.Symbol,
			"notional": result.Notional,
			"fill":     result.Fill.String(),
		}).Info("Retried entry order")
	}

	r.retryFailedSells(ctx, led, driftLimit)
}

func (r *Reconciler) retryFailedSells(ctx context.Context, led *portfolio.Ledger, driftLimit float64) {
	for _, pos := range led.Closed {
		if pos.Kind != portfolio.Live || pos.SellFill != portfolio.TradeError {
			continue
		}

		current := r.gw.Price(pos.Symbol)
		if current == 0 || pos.SellPrice == 0 {
			continue
		}

		diff := (current - pos.SellPrice) / pos.SellPrice
		if diff < -driftLimit {
			continue
		}

		result, err := r.executor.Execute(ctx, execution.Request{
			Side:      "sell",
			Asset:     pos.Asset,
			Symbol:    pos.Symbol,
			Price:     current,
			Quantity:  pos.Quantity,
			PivotRate: r.gw.PivotRate(),
		})
		if err != nil {
			r.logger.WithError(err).WithField("symbol", pos.Symbol).Error("Retry rejected by contract")
			continue
		}
		if result.Fill == portfolio.TradeError {
			continue
		}

		pos.SellPrice = result.Price
		pos.SellPricePivot = result.PricePivot
		pos.SellOrderID = result.OrderID
		pos.SellFill = result.Fill
		led.AddBalance(result.Notional)

		r.logger.WithFields(logrus.Fields{
			"symbol":   pos.Symbol,
			"notional": result.Notional,
			"fill":     result.Fill.String(),
		}).Info("Retried exit order")
	}
}

// AlignBalance overwrites the ledger's settlement balance with the venue's.
// The exchange wins every disagreement, including reporting the currency as
// absent, which zeroes the ledger balance.
func (r *Reconciler) AlignBalance(ctx context.Context, led *portfolio.Ledger) {
	accounts, err := r.venue.Balances(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Cannot fetch balances, skipping alignment")
		return
	}

	settle := led.Params.SettleCurrency
	venueBalance := 0.0
	found := false
	for _, acct := range accounts {
		if strings.EqualFold(acct.Currency, settle) && acct.Type == "trade" {
			venueBalance = utils.ParseFloat(acct.Available)
			found = true
			break
		}
	}

	ledgerBalance := led.Balance()
	if !found {
		if ledgerBalance != 0 {
			r.logger.WithField("currency", settle).Warn("Settlement currency absent at venue, zeroing ledger balance")
			led.SetBalance(0)
		}
		return
	}

	if venueBalance != ledgerBalance {
		r.logger.WithFields(logrus.Fields{
			"ledger": ledgerBalance,
			"venue":  venueBalance,
		}).Info("Aligning settlement balance to venue")
		led.SetBalance(venueBalance)
	}
}
