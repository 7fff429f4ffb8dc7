// Package main is the entry point for the conditional-trading execution
// engine: it loads configuration, opens the store, wires the scheduler,
// orchestrator, verifier, order submitter, chain activator, expiry
// handler and API server together, runs boot-time recovery, then serves
// until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/trading-engine/internal/api"
	"github.com/atlas-desktop/trading-engine/internal/chain"
	"github.com/atlas-desktop/trading-engine/internal/config"
	"github.com/atlas-desktop/trading-engine/internal/expiry"
	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/internal/marketdata"
	"github.com/atlas-desktop/trading-engine/internal/metrics"
	"github.com/atlas-desktop/trading-engine/internal/orchestrator"
	"github.com/atlas-desktop/trading-engine/internal/orders"
	"github.com/atlas-desktop/trading-engine/internal/recovery"
	"github.com/atlas-desktop/trading-engine/internal/scheduler"
	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/internal/verify"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the main config file")
	rulesPath := flag.String("condition-rules", "configs/condition_rules.yaml", "path to the condition-rules file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	rules, err := config.LoadConditionRules(*rulesPath)
	if err != nil {
		logger.Fatal("load condition rules", zap.Error(err))
	}
	cfg.ConditionRules = rules

	logger.Info("starting trading engine",
		zap.String("trading_mode", string(cfg.Gateway.TradingMode)),
		zap.String("db_path", cfg.Runtime.DBPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(logger, cfg.Runtime.DBPath)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	gw := buildGateway(logger, cfg.Gateway)

	cache := marketdata.New(logger, gw, 500)
	reg := metrics.New()

	server := api.New(logger, cfg.Server, cfg.ConditionRules, st, reg)

	chainActivator := chain.New(logger, st, cache)
	orderSubmitter := orders.New(logger, st, gw, reg)
	verifier := verify.New(logger, st, cache, gw, cfg.Verification, verify.DefaultRules(), orderSubmitter, reg)
	orch := orchestrator.New(logger, st, cache, cfg.ConditionRules, verifier, chainActivator, reg)

	intervalSeconds, _ := cfg.Worker.ClampedMonitorInterval()
	sched := scheduler.New(logger, st, gw, orch.AsRunner(), scheduler.Config{
		IntervalSeconds: intervalSeconds,
		NumWorkers:      cfg.Worker.ConfiguredThreads,
		QueueSize:       cfg.Worker.QueueMaxSize,
		LeaseDuration:   time.Duration(intervalSeconds) * 2 * time.Second,
	}, reg)
	expiryHandler := expiry.New(logger, st, gw, reg)

	if err := recovery.Run(ctx, logger, st, gw, orderSubmitter); err != nil {
		logger.Error("boot-time recovery failed", zap.Error(err))
	}

	statusCh := make(chan gateway.OrderStatusUpdate, 64)
	if err := gw.Subscribe(ctx, statusCh); err != nil {
		logger.Warn("gateway subscribe failed", zap.Error(err))
	}
	go func() {
		for update := range statusCh {
			if err := orderSubmitter.Reconcile(ctx, update); err != nil {
				logger.Warn("reconcile order status update failed", zap.String("ib_order_id", update.IBOrderID), zap.Error(err))
			}
			server.Hub().PublishToChannel("global", api.MsgTypeOrderUpdate, update)
		}
	}()

	if cfg.Worker.Enabled {
		if err := sched.Start(ctx, intervalSeconds); err != nil {
			logger.Fatal("start scheduler", zap.Error(err))
		}
		defer sched.Stop()
	}

	if err := expiryHandler.Start(ctx, intervalSeconds); err != nil {
		logger.Fatal("start expiry handler", zap.Error(err))
	}
	defer expiryHandler.Stop()

	go func() {
		if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("api server shutdown", zap.Error(err))
	}

	logger.Info("trading engine stopped")
}

// buildGateway selects the paper or live brokerage adapter per
// ib_gateway.trading_mode. Only the paper adapter is implemented; a
// live_enabled request without a live adapter wired in fails fast rather
// than silently falling back to paper.
func buildGateway(logger *zap.Logger, cfg model.GatewayConfig) gateway.Gateway {
	if cfg.TradingMode == model.TradingModeLive {
		if !cfg.LiveEnabled {
			logger.Fatal("ib_gateway.trading_mode=live requires ib_gateway.live_enabled=true")
		}
		logger.Fatal("live brokerage connectivity is not implemented; use trading_mode=paper")
	}
	return gateway.NewPaperGateway(logger, decimal.NewFromFloat(0.0005), decimal.NewFromFloat(0.0002))
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
