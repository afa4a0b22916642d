package config

import (
	"os"
	"strconv"
	"time"

	"github.com/qtrading/rank-rotation-bot/internal/exchange"
)

type Config struct {
	Mode        string // "live" or "backtest"
	DbUri       string
	DataDir     string
	KuCoin      exchange.Config
	Strategy    StrategyConfig
	MetricsPort string
	WebhookURL  string

	// Backtest window, inclusive, YYYY-MM-DD
	BacktestStart string
	BacktestEnd   string
}

// StrategyConfig carries every parameter of the rotation strategy. The set of
// fields doubles as the identity of a portfolio: Signature() in the portfolio
// package is derived from these values.
type StrategyConfig struct {
	SettleCurrency   string
	UpDownMove       int
	WindowDays       int
	RankRiseBuyLimit int
	UniverseSize     int

	Invest    float64
	InvestMin float64

	StopLoss     float64
	TrailingArm  float64
	TrailingStop float64

	DriftTolerance     float64
	MinQuoteVolume24h  float64
	PriceMismatchLimit float64

	PanicDrawdown float64
	RestartROI    float64
	StartBalance  float64

	TickInterval time.Duration
}

func Load() *Config {
	return &Config{
		Mode:    getEnv("BOT_MODE", "live"),
		DbUri:   getEnv("DB_URI", ""),
		DataDir: getEnv("DATA_DIR", "data"),
		KuCoin: exchange.Config{
			APIKey:     getEnv("KUCOIN_API_KEY", ""),
			APISecret:  getEnv("KUCOIN_API_SECRET", ""),
			Passphrase: getEnv("KUCOIN_PASSPHRASE", ""),
			Sandbox:    getEnvBool("KUCOIN_SANDBOX", false),
		},
		Strategy: StrategyConfig{
			SettleCurrency:     getEnv("SETTLE_CURRENCY", "USDT"),
			UpDownMove:         getEnvInt("UP_DOWN_MOVE", 10),
			WindowDays:         getEnvInt("WINDOW_DAYS", 10),
			RankRiseBuyLimit:   getEnvInt("RANK_RISE_BUY_LIMIT", 1000),
			UniverseSize:       getEnvInt("UNIVERSE_SIZE", 1000),
			Invest:             getEnvFloat("INVEST", 1000),
			InvestMin:          getEnvFloat("INVEST_MIN", 100),
			StopLoss:           getEnvFloat("STOP_LOSS", -0.15),
			TrailingArm:        getEnvFloat("TRAILING_ARM", 0.05),
			TrailingStop:       getEnvFloat("TRAILING_STOP", -0.0125),
			DriftTolerance:     getEnvFloat("DRIFT_TOLERANCE", 0.15),
			MinQuoteVolume24h:  getEnvFloat("MIN_QUOTE_VOLUME_24H", 100000),
			PriceMismatchLimit: getEnvFloat("PRICE_MISMATCH_LIMIT", 0.05),
			PanicDrawdown:      getEnvFloat("PANIC_DRAWDOWN", -0.3),
			RestartROI:         getEnvFloat("RESTART_ROI", 0.15),
			StartBalance:       getEnvFloat("START_BALANCE", 5000),
			TickInterval:       time.Duration(getEnvInt("TICK_INTERVAL_SECONDS", 240)) * time.Second,
		},
		MetricsPort:   getEnv("METRICS_PORT", "8082"),
		WebhookURL:    getEnv("WEBHOOK_URL", ""),
		BacktestStart: getEnv("BACKTEST_START", ""),
		BacktestEnd:   getEnv("BACKTEST_END", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
