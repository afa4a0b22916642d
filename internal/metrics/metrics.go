// Package metrics exposes the bot's operational counters and gauges in
// Prometheus format, together with a liveness endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	exitReasonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exit_reasons_total",
			Help: "Position exits split by reason",
		},
		[]string{"reason"},
	)

	reconcileActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reconcile_actions_total",
			Help: "Reconciliation actions taken",
		},
		[]string{"kind"},
	)

	portfolioValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_portfolio_value",
			Help: "Portfolio value in the settlement currency",
		},
	)

	settleBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_settle_balance",
			Help: "Free settlement balance",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Open position count",
		},
	)

	roiCombined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_roi_combined",
			Help: "Return over cost across open and closed positions",
		},
	)
)

func init() {
	prometheus.MustRegister(ordersTotal, exitReasonsTotal, reconcileActionsTotal)
	prometheus.MustRegister(portfolioValue, settleBalance, openPositions, roiCombined)
}

func IncOrder(mode, side string)  { ordersTotal.WithLabelValues(mode, side).Inc() }
func IncExitReason(reason string) { exitReasonsTotal.WithLabelValues(reason).Inc() }
func IncReconcile(kind string)    { reconcileActionsTotal.WithLabelValues(kind).Inc() }
func SetPortfolioValue(v float64) { portfolioValue.Set(v) }
func SetSettleBalance(v float64)  { settleBalance.Set(v) }
func SetOpenPositions(n int)      { openPositions.Set(float64(n)) }
func SetROICombined(roi float64)  { roiCombined.Set(roi) }

// Server serves /metrics and /healthz.
type Server struct {
	srv    *http.Server
	logger *logrus.Logger
}

func NewServer(port string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		srv:    &http.Server{Addr: ":" + port, Handler: mux},
		logger: logger,
	}
}

func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.srv.Addr).Info("Metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Metrics server stopped")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Warn("Metrics server shutdown failed")
	}
}
