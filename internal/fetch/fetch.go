// Package fetch wraps venue calls with the loop's degrade-to-empty policy:
// transient failures get one retry after a cooldown, everything else logs and
// yields the caller's empty value so the trading loop never aborts.
package fetch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qtrading/rank-rotation-bot/internal/exchange"
)

var (
	transientCooldown = 10 * time.Second
	rateLimitCooldown = 65 * time.Second
)

// Do runs fn, retrying exactly once after a cooldown when the failure is
// transient. On any terminal failure, or when the retry also fails, it logs
// and returns empty.
func Do[T any](ctx context.Context, logger *logrus.Logger, name string, fn func() (T, error), empty T) T {
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		value, err := fn()
		if err == nil {
			return value
		}
		lastErr = err

		if !exchange.IsTransient(err) {
			logger.WithError(err).WithField("call", name).Error("Venue call failed")
			return empty
		}

		if attempt == 0 {
			cooldown := transientCooldown
			if exchange.IsRateLimited(err) {
				cooldown = rateLimitCooldown
			}

			logger.WithError(err).WithFields(logrus.Fields{
				"call":     name,
				"cooldown": cooldown,
			}).Warn("Venue call failed, retrying once")

			select {
			case <-ctx.Done():
				return empty
			case <-time.After(cooldown):
			}
		}
	}

	logger.WithError(lastErr).WithField("call", name).Error("Venue call failed after retry")
	return empty
}
