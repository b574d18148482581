// Package main is the entry point for the rebalancing core's observer
// server: it loads configuration, wires every component (event log,
// ledger, the four protection subsystems, regime context, rebalancer,
// protection orchestrator, session), and serves the read-only observer
// API until a shutdown signal arrives.
package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	appconfig "github.com/regimeguard/rebalance-core/internal/config"
	"github.com/regimeguard/rebalance-core/internal/coreasset"
	"github.com/regimeguard/rebalance-core/internal/eventlog"
	"github.com/regimeguard/rebalance-core/internal/grace"
	"github.com/regimeguard/rebalance-core/internal/holding"
	"github.com/regimeguard/rebalance-core/internal/ledger"
	"github.com/regimeguard/rebalance-core/internal/observerapi"
	"github.com/regimeguard/rebalance-core/internal/protection"
	"github.com/regimeguard/rebalance-core/internal/rebalancer"
	"github.com/regimeguard/rebalance-core/internal/regimectx"
	"github.com/regimeguard/rebalance-core/internal/session"
	"github.com/regimeguard/rebalance-core/internal/whipsaw"
	"github.com/regimeguard/rebalance-core/pkg/types"
)

func main() {
	addr := flag.String("addr", "localhost:8090", "observer API bind address")
	configFile := flag.String("config", "", "optional config file (yaml/json/toml)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	var opts []appconfig.Option
	if *configFile != "" {
		opts = append(opts, appconfig.WithFile(*configFile))
	}
	cfg, err := appconfig.Load(opts...)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting rebalance-core observer", zap.String("addr", *addr))

	events := eventlog.New(logger, eventlog.DefaultConfig())
	led := ledger.New(logger, ledger.Config{TargetTotalAllocation: decimal.NewFromFloat(cfg.Portfolio.TargetTotalAllocation)})

	core := coreasset.New(logger, coreAssetConfigFrom(cfg.CoreAsset))
	gracePM := grace.New(logger, graceConfigFrom(cfg.Lifecycle))
	holdPM := holding.New(logger, holdingConfigFrom(cfg.Lifecycle))
	whipPM := whipsaw.New(logger, whipsawConfigFrom(cfg.Lifecycle))
	regime := regimectx.New(logger, regimectx.DefaultConfig())

	obs := observerapi.New(logger, observerapi.Config{Addr: *addr, ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second}, events, led)

	orch := protection.New(logger, protectionConfigFrom(cfg.Lifecycle), core, gracePM, holdPM, whipPM, regime.Context, obs)
	engine := rebalancer.New(logger, *cfg)

	// Session.Rebalance is the library's entry point; this binary only
	// hosts the read-only observer surface over its event log and
	// ledger. A backtest harness or live scheduler embeds the package
	// directly and drives sess.Rebalance with its own score feed.
	sess := session.New(logger, *cfg, engine, orch, led, whipPM, gracePM, core, regime, obs)
	logger.Info("session wired", zap.Bool("ready", sess != nil))

	go func() {
		if err := obs.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("observer API stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	if err := obs.Stop(); err != nil {
		logger.Error("error stopping observer API", zap.Error(err))
	}
	logger.Info("rebalance-core observer stopped")
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

	config := zap.Config{
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

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func coreAssetConfigFrom(c types.CoreAssetConfig) coreasset.Config {
	return coreasset.Config{
		MaxCoreAssets:             c.MaxCoreAssets,
		OverrideScoreThreshold:    c.OverrideScoreThreshold,
		Expiry:                    time.Duration(c.ExpiryDays) * 24 * time.Hour,
		UnderperformanceThreshold: c.UnderperformanceThreshold,
		UnderperformanceWindow:    time.Duration(c.UnderperformanceWindowDays) * 24 * time.Hour,
		ExtensionLimit:            c.ExtensionLimit,
		PerformanceCheckFrequency: time.Duration(c.PerformanceCheckFrequencyDays) * 24 * time.Hour,
		InitialHealth:             2,
	}
}

func graceConfigFrom(c types.LifecycleConfig) grace.Config {
	return grace.Config{
		GracePeriod:    time.Duration(c.GracePeriodDays) * 24 * time.Hour,
		DecayRate:      c.DecayRate,
		MinDecayFactor: c.MinDecayFactor,
	}
}

func holdingConfigFrom(c types.LifecycleConfig) holding.Config {
	return holding.Config{
		MinHolding:              time.Duration(c.MinHoldingDays) * 24 * time.Hour,
		MaxHolding:              time.Duration(c.MaxHoldingDays) * 24 * time.Hour,
		OverrideCooldown:        c.RegimeOverrideCooldown,
		RegimeSeverityThreshold: types.ParseSeverity(c.RegimeSeverityThreshold),
	}
}

func whipsawConfigFrom(c types.LifecycleConfig) whipsaw.Config {
	period := time.Duration(c.WhipsawProtectionDays) * 24 * time.Hour
	return whipsaw.Config{
		MaxCyclesPerPeriod:  c.MaxCyclesPerPeriod,
		ProtectionPeriod:    period,
		MinPositionDuration: time.Duration(c.MinPositionDurationHours * float64(time.Hour)),
		CycleCountCacheTTL:  time.Hour,
		EventRetention:      2 * period,
	}
}

func protectionConfigFrom(c types.LifecycleConfig) protection.Config {
	cfg := protection.DefaultConfig()
	cfg.EnableRegimeOverrides = c.EnableRegimeOverrides
	cfg.EnableWhipsaw = c.EnableWhipsaw
	return cfg
}
