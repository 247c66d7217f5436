package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// MarketSpec names one tradable pair
type MarketSpec struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
}

// TradeFeed points at one aggTrades CSV dump
type TradeFeed struct {
	Symbol string
	Path   string
}

// KlineFeed points at one kline CSV dump
type KlineFeed struct {
	Symbol   string
	Interval string
	Path     string
}

// Deposit seeds one asset balance before the run starts
type Deposit struct {
	Asset  string
	Amount decimal.Decimal
}

type Server struct {
	ListenAddr   string
	StreamBuffer int // per-subscriber update buffer
}

type Run struct {
	DataDir       string        // run-log location
	StepDelay     time.Duration // wall-clock pause between events, 0 = full speed
	CommandBuffer int           // scheduler command queue size, 0 = default
	// KlineSweep lets completed candles execute resting orders at their
	// close price. Only for kline-only feeds; with trade prints present
	// every execution would be counted twice.
	KlineSweep bool
	StartTime  int64 // initial simulation clock, ms
}

type Fees struct {
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
}

type Config struct {
	Server   Server
	Run      Run
	Fees     Fees
	Markets  []MarketSpec
	Trades   []TradeFeed
	Klines   []KlineFeed
	Deposits []Deposit
	LogFile  string
}

func Default() Config {
	return Config{
		Server: Server{
			ListenAddr:   ":8990",
			StreamBuffer: 1024,
		},
		Run: Run{
			DataDir:    "data/runlog",
			StepDelay:  0,
			KlineSweep: false,
		},
		Fees: Fees{
			MakerRate: decimal.New(1, -3), // 0.001
			TakerRate: decimal.New(1, -3),
		},
		Markets: []MarketSpec{
			{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"},
		},
		Deposits: []Deposit{
			{Asset: "USDT", Amount: decimal.New(10000, 0)},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Server.ListenAddr = getEnv("LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Run.DataDir = getEnv("DATA_DIR", cfg.Run.DataDir)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	if raw := os.Getenv("STREAM_BUFFER"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Server.StreamBuffer = n
		}
	}
	if raw := os.Getenv("COMMAND_BUFFER"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Run.CommandBuffer = n
		}
	}
	if raw := os.Getenv("STEP_DELAY_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms >= 0 {
			cfg.Run.StepDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if raw := os.Getenv("KLINE_SWEEP"); raw != "" {
		cfg.Run.KlineSweep = raw == "true"
	}
	if raw := os.Getenv("START_TIME_MS"); raw != "" {
		if t, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Run.StartTime = t
		}
	}
	if raw := os.Getenv("MAKER_FEE"); raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil && !d.IsNegative() {
			cfg.Fees.MakerRate = d
		}
	}
	if raw := os.Getenv("TAKER_FEE"); raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil && !d.IsNegative() {
			cfg.Fees.TakerRate = d
		}
	}

	// Markets: "BTCUSDT:BTC:USDT,ETHUSDT:ETH:USDT"
	if raw := os.Getenv("MARKETS"); raw != "" {
		var markets []MarketSpec
		for _, entry := range strings.Split(raw, ",") {
			parts := strings.Split(strings.TrimSpace(entry), ":")
			if len(parts) != 3 {
				continue
			}
			markets = append(markets, MarketSpec{
				Symbol:     parts[0],
				BaseAsset:  parts[1],
				QuoteAsset: parts[2],
			})
		}
		if len(markets) > 0 {
			cfg.Markets = markets
		}
	}

	// Trade feeds: "BTCUSDT=path/to/aggtrades.csv,..."
	if raw := os.Getenv("TRADES_CSV"); raw != "" {
		cfg.Trades = nil
		for _, entry := range strings.Split(raw, ",") {
			sym, path, ok := strings.Cut(strings.TrimSpace(entry), "=")
			if !ok {
				continue
			}
			cfg.Trades = append(cfg.Trades, TradeFeed{Symbol: sym, Path: path})
		}
	}

	// Kline feeds: "BTCUSDT:1m=path/to/klines.csv,..."
	if raw := os.Getenv("KLINES_CSV"); raw != "" {
		cfg.Klines = nil
		for _, entry := range strings.Split(raw, ",") {
			key, path, ok := strings.Cut(strings.TrimSpace(entry), "=")
			if !ok {
				continue
			}
			sym, interval, found := strings.Cut(key, ":")
			if !found {
				continue
			}
			cfg.Klines = append(cfg.Klines, KlineFeed{Symbol: sym, Interval: interval, Path: path})
		}
	}

	// Starting balances: "USDT=10000,BTC=0.5"
	if raw := os.Getenv("START_BALANCES"); raw != "" {
		cfg.Deposits = nil
		for _, entry := range strings.Split(raw, ",") {
			asset, amt, ok := strings.Cut(strings.TrimSpace(entry), "=")
			if !ok {
				continue
			}
			d, err := decimal.NewFromString(amt)
			if err != nil || !d.IsPositive() {
				continue
			}
			cfg.Deposits = append(cfg.Deposits, Deposit{Asset: asset, Amount: d})
		}
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
