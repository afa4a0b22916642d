// Package stops decides when an open position must be exited on price
// action: a hard stop below entry, or a trailing stop once the position has
// run far enough into profit. All comparisons run on pivot-denominated
// prices, so a settle-currency rally that merely tracks the pivot never
// counts as a gain.
package stops

import (
	"github.com/sirupsen/logrus"

	"github.com/qtrading/rank-rotation-bot/internal/portfolio"
)

const (
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
)

type Evaluator struct {
	stopLoss     float64
	trailingArm  float64
	trailingStop float64
	logger       *logrus.Logger
}

func NewEvaluator(stopLoss, trailingArm, trailingStop float64, logger *logrus.Logger) *Evaluator {
	return &Evaluator{
		stopLoss:     stopLoss,
		trailingArm:  trailingArm,
		trailingStop: trailingStop,
		logger:       logger,
	}
}

// Evaluate inspects one position at the given pivot-denominated price and
// returns the exit reason, or "" to hold. A non-zero TrailingMaxPivot marks
// the trailing stop as armed; from then on the position exits only on the
// pullback from its high, never on the hard stop.
func (e *Evaluator) Evaluate(pos *portfolio.Position, pricePivot float64) string {
	if pricePivot <= 0 || pos.PricePivot <= 0 {
		return ""
	}

	delta := pos.ROIPivot(pricePivot)

	if pos.TrailingMaxPivot > 0 {
		if pricePivot > pos.TrailingMaxPivot {
			pos.TrailingMaxPivot = pricePivot
		}
		pullback := (pricePivot - pos.TrailingMaxPivot) / pos.TrailingMaxPivot
		if pullback <= e.trailingStop {
			e.logger.WithFields(logrus.Fields{
				"asset":    pos.Asset,
				"price":    pricePivot,
				"high":     pos.TrailingMaxPivot,
				"pullback": pullback,
			}).Info("Trailing stop hit")
			return ReasonTrailingStop
		}
		return ""
	}

	if delta >= e.trailingArm {
		pos.TrailingMaxPivot = pricePivot
		e.logger.WithFields(logrus.Fields{
			"asset": pos.Asset,
			"price": pricePivot,
			"gain":  delta,
		}).Info("Trailing stop armed")
		return ""
	}

	if delta <= e.stopLoss {
		e.logger.WithFields(logrus.Fields{
			"asset": pos.Asset,
			"price": pricePivot,
			"loss":  delta,
		}).Info("Stop loss hit")
		return ReasonStopLoss
	}

	return ""
}
