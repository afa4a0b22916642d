package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/qtrading/rank-rotation-bot/internal/backtest"
	"github.com/qtrading/rank-rotation-bot/internal/config"
	"github.com/qtrading/rank-rotation-bot/internal/exchange"
	"github.com/qtrading/rank-rotation-bot/internal/execution"
	"github.com/qtrading/rank-rotation-bot/internal/gateway"
	"github.com/qtrading/rank-rotation-bot/internal/marketdata"
	"github.com/qtrading/rank-rotation-bot/internal/metrics"
	"github.com/qtrading/rank-rotation-bot/internal/notify"
	"github.com/qtrading/rank-rotation-bot/internal/reconcile"
	"github.com/qtrading/rank-rotation-bot/internal/signal"
	"github.com/qtrading/rank-rotation-bot/internal/stops"
	"github.com/qtrading/rank-rotation-bot/internal/store"
	"github.com/qtrading/rank-rotation-bot/internal/trader"
	"github.com/qtrading/rank-rotation-bot/internal/utils"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	logger := utils.NewLogger("rank-rotation-bot")

	cfg := config.Load()
	logger.WithFields(logrus.Fields{
		"mode":            cfg.Mode,
		"settle_currency": cfg.Strategy.SettleCurrency,
		"window_days":     cfg.Strategy.WindowDays,
		"up_down_move":    cfg.Strategy.UpDownMove,
		"invest":          cfg.Strategy.Invest,
	}).Info("Configuration loaded")

	docs := openStore(cfg, logger)

	switch cfg.Mode {
	case "backtest":
		runBacktest(cfg, docs, logger)
	default:
		runLive(cfg, docs, logger)
	}
}

func openStore(cfg *config.Config, logger *logrus.Logger) store.Store {
	if cfg.DbUri != "" {
		pg, err := store.NewPostgresStore(cfg.DbUri, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		return pg
	}

	fs, err := store.NewFileStore(cfg.DataDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open data directory")
	}
	return fs
}

func runLive(cfg *config.Config, docs store.Store, logger *logrus.Logger) {
	client := exchange.NewClient(cfg.KuCoin, logger)
	gw := gateway.New(client, cfg.Strategy.SettleCurrency, cfg.Strategy.MinQuoteVolume24h, cfg.Strategy.PriceMismatchLimit, logger)
	notifier := notify.NewWebhookNotifier(cfg.WebhookURL, logger)
	executor := execution.NewExecutor(client, notifier, logger)
	reconciler := reconcile.New(client, gw, executor, cfg.Strategy.DriftTolerance, cfg.Strategy.InvestMin, logger)
	signals := signal.NewGenerator(cfg.Strategy.UpDownMove, cfg.Strategy.RankRiseBuyLimit, logger)
	stopEval := stops.NewEvaluator(cfg.Strategy.StopLoss, cfg.Strategy.TrailingArm, cfg.Strategy.TrailingStop, logger)

	engine := trader.NewEngine(trader.Deps{
		Strategy:   cfg.Strategy,
		Gateway:    gw,
		Capture:    marketdata.NewVenueProvider(client, cfg.Strategy.SettleCurrency, cfg.Strategy.UniverseSize, logger),
		History:    marketdata.NewStoreProvider(docs),
		Store:      docs,
		Executor:   executor,
		Reconciler: reconciler,
		Signals:    signals,
		Stops:      stopEval,
		Notifier:   notifier,
		Stream: func(symbols []string) *exchange.Stream {
			return exchange.NewStream(client, symbols, logger)
		},
		Logger: logger,
	})

	metricsServer := metrics.NewServer(cfg.MetricsPort, logger)
	metricsServer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := engine.Run(ctx); err != nil {
			logger.WithError(err).Error("Trading engine stopped with error")
		}
	}()

	logger.Info("Bot started")

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()
	metricsServer.Stop(context.Background())

	// Give the engine a moment to persist the ledger
	time.Sleep(2 * time.Second)
	logger.Info("Bot stopped")
}

func runBacktest(cfg *config.Config, docs store.Store, logger *logrus.Logger) {
	start, err := time.Parse("2006-01-02", cfg.BacktestStart)
	if err != nil {
		logger.WithError(err).Fatal("BACKTEST_START must be YYYY-MM-DD")
	}
	end, err := time.Parse("2006-01-02", cfg.BacktestEnd)
	if err != nil {
		logger.WithError(err).Fatal("BACKTEST_END must be YYYY-MM-DD")
	}

	signals := signal.NewGenerator(cfg.Strategy.UpDownMove, cfg.Strategy.RankRiseBuyLimit, logger)
	stopEval := stops.NewEvaluator(cfg.Strategy.StopLoss, cfg.Strategy.TrailingArm, cfg.Strategy.TrailingStop, logger)
	runner := backtest.NewRunner(cfg.Strategy, marketdata.NewStoreProvider(docs), signals, stopEval, logger)

	result, err := runner.Run(context.Background(), start, end)
	if err != nil {
		logger.WithError(err).Fatal("Backtest failed")
	}

	logger.WithFields(logrus.Fields{
		"days":        result.Days,
		"gaps":        len(result.Gaps),
		"open":        len(result.Ledger.Open),
		"closed":      len(result.Ledger.Closed),
		"final_value": result.FinalValue,
		"roi":         result.ROI,
	}).Info("Backtest result")
}
