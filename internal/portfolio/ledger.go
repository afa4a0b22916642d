// Package portfolio holds the position ledger: the single source of truth
// for open and closed positions, settlement balances and the strategy
// parameters they were traded under. The ledger itself is not synchronized;
// the trading engine is its only mutator.
package portfolio

import (
	"math"
	"sort"
	"time"
)

type Ledger struct {
	Params   Params               `json:"params"`
	Open     map[string]*Position `json:"open"`
	Closed   []*Position          `json:"closed"`
	Balances map[string]float64   `json:"balances"`

	// PeakValue is the highest portfolio value seen, used for the
	// drawdown-triggered switch to simulated trading.
	PeakValue float64 `json:"peak_value"`

	// Paper is set after a panic sell; new entries are simulated until the
	// portfolio recovers.
	Paper bool `json:"paper"`
}

func NewLedger(params Params, startBalance float64) *Ledger {
	return &Ledger{
		Params:   params,
		Open:     make(map[string]*Position),
		Closed:   []*Position{},
		Balances: map[string]float64{params.SettleCurrency: startBalance},
	}
}

func (l *Ledger) Holds(asset string) bool {
	_, ok := l.Open[asset]
	return ok
}

func (l *Ledger) Balance() float64 {
	return l.Balances[l.Params.SettleCurrency]
}

func (l *Ledger) SetBalance(amount float64) {
	l.Balances[l.Params.SettleCurrency] = amount
}

func (l *Ledger) AddBalance(delta float64) {
	l.Balances[l.Params.SettleCurrency] += delta
}

// AddOpen records a new entry. The caller has already debited the balance
// through the execution path.
func (l *Ledger) AddOpen(pos *Position) {
	l.Open[pos.Asset] = pos
}

// Close moves an open position to the closed table, stamping the exit.
// The proceeds are credited by the execution path, not here.
func (l *Ledger) Close(asset string, sellPrice float64, sellOrderID string, sellFill FillStatus, at time.Time, reason string) *Position {
	pos, ok := l.Open[asset]
	if !ok {
		return nil
	}
	delete(l.Open, asset)

	pos.SellPrice = sellPrice
	pos.SellOrderID = sellOrderID
	pos.SellFill = sellFill
	pos.SoldAt = at
	pos.ExitReason = reason
	l.Closed = append(l.Closed, pos)
	return pos
}

// OpenValue prices the open positions with the given quote map, falling back
// to the entry price for assets with no quote.
func (l *Ledger) OpenValue(prices map[string]float64) float64 {
	var value float64
	for _, pos := range l.Open {
		price, ok := prices[pos.Symbol]
		if !ok || price == 0 {
			price = pos.Price
		}
		value += pos.Quantity * price
	}
	return value
}

// Value is the open positions plus the settlement balance.
func (l *Ledger) Value(prices map[string]float64) float64 {
	return l.OpenValue(prices) + l.Balance()
}

func (l *Ledger) UpdatePeak(prices map[string]float64) float64 {
	value := l.Value(prices)
	if value > l.PeakValue {
		l.PeakValue = value
	}
	return value
}

// Drawdown is the fractional distance of the current value below the peak,
// zero or negative when at or below it.
func (l *Ledger) Drawdown(prices map[string]float64) float64 {
	if l.PeakValue == 0 {
		return 0
	}
	return (l.Value(prices) - l.PeakValue) / l.PeakValue
}

// ROIOptions selects which ledger slices contribute to a return figure.
type ROIOptions struct {
	IncludeOpen   bool
	IncludeClosed bool
	LiveOnly      bool
}

// ROI computes (current value + sale proceeds - cost) / cost over the
// selected positions. Returns NaN when the selection has no cost basis.
func (l *Ledger) ROI(prices map[string]float64, opts ROIOptions) float64 {
	var cost, valueCurrent, valueSold float64

	if opts.IncludeOpen {
		for _, pos := range l.Open {
			if opts.LiveOnly && pos.Kind != Live {
				continue
			}
			cost += pos.Invest
			price, ok := prices[pos.Symbol]
			if !ok || price == 0 {
				price = pos.Price
			}
			valueCurrent += pos.Quantity * price
		}
	}

	if opts.IncludeClosed {
		for _, pos := range l.Closed {
			if opts.LiveOnly && pos.Kind != Live {
				continue
			}
			cost += pos.Invest
			valueSold += pos.Quantity * pos.SellPrice
		}
	}

	if cost == 0 {
		return math.NaN()
	}
	return (valueCurrent + valueSold - cost) / cost
}

// OpenSortedByROI returns the open positions ordered from worst to best
// return at the given prices.
func (l *Ledger) OpenSortedByROI(prices map[string]float64) []*Position {
	positions := make([]*Position, 0, len(l.Open))
	for _, pos := range l.Open {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		pi := prices[positions[i].Symbol]
		pj := prices[positions[j].Symbol]
		return positions[i].ROI(pi) < positions[j].ROI(pj)
	})
	return positions
}
