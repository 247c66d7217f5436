package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/uhyunpark/spotsim/params"
	"github.com/uhyunpark/spotsim/pkg/api"
	"github.com/uhyunpark/spotsim/pkg/exchange"
	"github.com/uhyunpark/spotsim/pkg/exchange/ledger"
	"github.com/uhyunpark/spotsim/pkg/exchange/market"
	"github.com/uhyunpark/spotsim/pkg/feed"
	"github.com/uhyunpark/spotsim/pkg/replay"
	"github.com/uhyunpark/spotsim/pkg/storage"
	"github.com/uhyunpark/spotsim/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = "data/backtest.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Markets ----
	registry := market.NewRegistry()
	for _, spec := range cfg.Markets {
		p := market.DefaultParams()
		p.MakerFeeRate = cfg.Fees.MakerRate
		p.TakerFeeRate = cfg.Fees.TakerRate
		m, err := market.NewMarket(spec.Symbol, spec.BaseAsset, spec.QuoteAsset, p)
		if err != nil {
			sugar.Fatalw("market_init_failed", "symbol", spec.Symbol, "err", err)
		}
		if err := registry.Register(m); err != nil {
			sugar.Fatalw("market_register_failed", "symbol", spec.Symbol, "err", err)
		}
	}

	// ---- Account ----
	led := ledger.New()
	for _, dep := range cfg.Deposits {
		if err := led.Deposit(dep.Asset, dep.Amount); err != nil {
			sugar.Fatalw("deposit_failed", "asset", dep.Asset, "err", err)
		}
	}

	// ---- Historical feed ----
	var sources []feed.Iterator
	for _, tf := range cfg.Trades {
		src, err := feed.OpenTrades(tf.Symbol, tf.Path)
		if err != nil {
			sugar.Fatalw("trade_feed_open_failed", "path", tf.Path, "err", err)
		}
		defer src.Close()
		sources = append(sources, src)
	}
	for _, kf := range cfg.Klines {
		src, err := feed.OpenKlines(kf.Symbol, kf.Interval, kf.Path)
		if err != nil {
			sugar.Fatalw("kline_feed_open_failed", "path", kf.Path, "err", err)
		}
		defer src.Close()
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		sugar.Fatal("no feed configured: set TRADES_CSV or KLINES_CSV")
	}
	merged := feed.Merge(sources...)

	// ---- Engine, run log, scheduler ----
	clock := replay.NewSimClock(cfg.Run.StartTime)
	engine := exchange.New(sugar, clock, registry, led, cfg.Run.KlineSweep)

	runLog, err := storage.NewRunLog(cfg.Run.DataDir, led)
	if err != nil {
		sugar.Fatalw("run_log_open_failed", "dir", cfg.Run.DataDir, "err", err)
	}
	defer runLog.Close()

	sched := replay.NewScheduler(sugar, clock, engine, merged, runLog, replay.Options{
		StepDelay:     cfg.Run.StepDelay,
		CommandBuffer: cfg.Run.CommandBuffer,
	})

	// ---- Gateway ----
	server := api.NewServer(sugar, sched, engine, registry, cfg.Server.StreamBuffer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Start(cfg.Server.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("replay_starting",
		"run_id", uuid.NewString(),
		"markets", len(cfg.Markets),
		"trade_feeds", len(cfg.Trades),
		"kline_feeds", len(cfg.Klines),
		"step_delay", cfg.Run.StepDelay.String(),
	)

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		sugar.Errorw("replay_failed", "err", err)
	}

	// Keep the API up for post-run inspection until interrupted
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	sugar.Info("backtest exited")
}
