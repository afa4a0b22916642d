// Package execution submits limit orders and classifies how much of them the
// venue worked immediately. The classification feeds the ledger's fill tags,
// which drive both the rotation signal's sell gate and reconciliation.
package execution

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qtrading/rank-rotation-bot/internal/exchange"
	"github.com/qtrading/rank-rotation-bot/internal/portfolio"
	"github.com/qtrading/rank-rotation-bot/internal/utils"
)

// Below this notional a buy rounds its quantity up instead of down, so the
// order is never sized to zero.
const minViableNotional = 10.0

var graceWait = 5 * time.Second

// Notifier receives trade summaries. Delivery failures are the notifier's
// problem; execution never fails on them.
type Notifier interface {
	Notify(title, message string)
}

// Request describes one order. Exactly one of Quantity and Notional must be
// set; Side is "buy" or "sell".
type Request struct {
	Side     string
	Asset    string
	Symbol   string
	Price    float64
	Quantity float64
	Notional float64
	// PivotRate is the pivot asset's settle-currency price at submission
	// time. When set, the result carries the order price re-denominated in
	// the pivot for the ledger's stop bookkeeping.
	PivotRate float64
	Simulate  bool
}

// Result is the executed (or attempted) order as the ledger should record it.
type Result struct {
	OrderID    string
	Price      float64
	PricePivot float64
	Quantity   float64
	Notional   float64
	Fill       portfolio.FillStatus
	CreatedAt  time.Time
}

type Executor struct {
	venue    exchange.Venue
	notifier Notifier
	logger   *logrus.Logger
}

func NewExecutor(venue exchange.Venue, notifier Notifier, logger *logrus.Logger) *Executor {
	return &Executor{venue: venue, notifier: notifier, logger: logger}
}

// Execute validates the request, sizes it, and either simulates it or
// submits it to the venue and classifies the fill. Submission failures are
// not returned as errors: they come back tagged TradeError for the
// reconciler to retry later. Errors mean the request itself was malformed.
func (x *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Side != "buy" && req.Side != "sell" {
		return nil, fmt.Errorf("order for %s has invalid side %q", req.Symbol, req.Side)
	}
	if (req.Quantity > 0) == (req.Notional > 0) {
		return nil, fmt.Errorf("order for %s must set exactly one of quantity and notional", req.Symbol)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("order for %s has no price", req.Symbol)
	}

	quantity := req.Quantity
	if quantity == 0 {
		if req.Notional > minViableNotional {
			quantity = math.Floor(req.Notional / req.Price)
		} else {
			quantity = math.Ceil(req.Notional / req.Price)
		}
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("order for %s sized to zero at price %.8f", req.Symbol, req.Price)
	}

	result := &Result{
		Price:     req.Price,
		Quantity:  quantity,
		Notional:  quantity * req.Price,
		CreatedAt: time.Now().UTC(),
	}
	if req.PivotRate > 0 {
		result.PricePivot = req.Price / req.PivotRate
	}

	if req.Simulate {
		result.Fill = portfolio.FillNone
		x.notify(req, result, "simulated")
		return result, nil
	}

	resp, err := x.venue.PlaceLimitOrder(ctx, req.Side, req.Symbol,
		utils.FormatAmount(req.Price), utils.FormatAmount(quantity))
	if err != nil {
		x.logger.WithError(err).WithFields(logrus.Fields{
			"symbol": req.Symbol,
			"side":   req.Side,
		}).Error("Order submission failed")
		result.Fill = portfolio.TradeError
		x.notify(req, result, result.Fill.String())
		return result, nil
	}
	result.OrderID = resp.OrderId

	result.Fill = x.classify(ctx, req, result)
	x.notify(req, result, result.Fill.String())
	return result, nil
}

// classify inspects the venue's open-order book for the pair right after
// submission. No open order means the limit crossed and filled; an open
// order at the full size means nothing executed yet; a smaller remainder
// means a partial fill. Anything indeterminate is tagged near-filled.
func (x *Executor) classify(ctx context.Context, req Request, result *Result) portfolio.FillStatus {
	open, err := x.venue.OpenOrders(ctx, req.Symbol)
	if err != nil {
		x.logger.WithError(err).WithField("symbol", req.Symbol).Warn("Could not list open orders, assuming near filled")
		return portfolio.NearFilled
	}

	// A missing order id together with an empty book can mean the venue is
	// still registering the order. Give it a moment and look again.
	if result.OrderID == "" && len(open) == 0 {
		select {
		case <-ctx.Done():
			return portfolio.NearFilled
		case <-time.After(graceWait):
		}
		open, err = x.venue.OpenOrders(ctx, req.Symbol)
		if err != nil {
			return portfolio.NearFilled
		}
	}

	ours := x.findOrder(open, req, result)
	if ours == nil {
		return portfolio.Filled
	}

	openSize := utils.ParseFloat(ours.Size)
	switch {
	case openSize == result.Quantity:
		return portfolio.NotFilled
	case openSize > 0:
		return portfolio.PartiallyFilled
	default:
		return portfolio.NearFilled
	}
}

func (x *Executor) findOrder(open []exchange.Order, req Request, result *Result) *exchange.Order {
	for i := range open {
		o := &open[i]
		if result.OrderID != "" {
			if o.Id == result.OrderID {
				return o
			}
			continue
		}
		if o.Symbol == req.Symbol && strings.EqualFold(o.Side, req.Side) {
			return o
		}
	}
	return nil
}

func (x *Executor) notify(req Request, result *Result, tag string) {
	if x.notifier == nil {
		return
	}
	if tag == "" {
		tag = "pending"
	}
	title := fmt.Sprintf("%s %s", strings.ToUpper(req.Side), req.Symbol)
	message := fmt.Sprintf("qty %.8f @ %.8f, notional %.2f, fill: %s",
		result.Quantity, result.Price, result.Notional, tag)
	x.notifier.Notify(title, message)
}
