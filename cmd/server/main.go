package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tradebots/internal/candles"
	"tradebots/internal/config"
	"tradebots/internal/crypto"
	"tradebots/internal/engine"
	"tradebots/internal/exchange"
	"tradebots/internal/logger"
	"tradebots/internal/metrics"
	"tradebots/internal/persistence"
	"tradebots/internal/receiver"
	"tradebots/internal/types"
)

// Synthetic candle cadence when the mock exchange also feeds the market
const mockTickerSpeed = 5 * time.Second

type store interface {
	engine.Store
	Close() error
}

type marketSource interface {
	candles.KlineSource
	exchange.PriceSource
	Close() error
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting TradeBots Server",
		zap.Bool("mock_mode", cfg.Exchange.MockMode),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("postgres_mode", cfg.Storage.PostgresMode),
		zap.String("market", string(cfg.Exchange.Market)),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exchange.UseBinanceTestnet(cfg.Exchange.Testnet)

	encryptionKey, err := crypto.LoadEncryptionKey()
	if err != nil {
		if !cfg.Exchange.MockMode {
			log.Fatal("Encryption key is required for live trading", zap.Error(err))
		}
		encryptionKey = randomHex(32)
		log.Warn("No encryption key configured, using an ephemeral one; stored credentials will not survive a restart")
	}

	// Initialize persistence
	var db store
	if cfg.Storage.PostgresMode {
		log.Info("Using PostgreSQL persistence mode")
		db, err = persistence.NewPostgresStore(ctx, encryptionKey, log)
	} else {
		log.Info("Using SQLite persistence mode", zap.String("path", cfg.Storage.SQLitePath))
		db, err = persistence.NewSQLiteStore(ctx, cfg.Storage.SQLitePath, encryptionKey, log)
	}
	if err != nil {
		log.Fatal("Failed to initialize persistence", zap.Error(err))
	}
	defer db.Close()

	// Public market data needs no keys; one source feeds every bot
	var market marketSource
	switch cfg.Exchange.Market {
	case types.ExchangeBybit:
		market = exchange.NewBybit("", "", "", "", log)
	case types.ExchangeMock:
		market = exchange.NewMock(log, exchange.WithTickerSpeed(mockTickerSpeed))
	default:
		market = exchange.NewBinanceFutures("", "", log)
	}
	defer market.Close()

	var registry *exchange.Registry
	if cfg.Exchange.MockMode {
		log.Info("Running in MOCK MODE - no real trades will be executed")
		registry = exchange.NewRegistry(exchange.MockCredentials{Source: db}, exchange.NewMockFactory(log, market), log)
	} else {
		registry = exchange.NewRegistry(db, exchange.NewFactory(log), log)
	}

	m := metrics.New()

	engCfg := engine.DefaultConfig()
	engCfg.ConfirmAttempts = cfg.Engine.ConfirmAttempts
	engCfg.ConfirmInterval = cfg.ConfirmInterval()
	engCfg.StrictConfirm = cfg.Engine.StrictConfirm
	engCfg.MaxReconnects = cfg.Engine.MaxReconnects
	eng := engine.NewEngine(db, registry, market, engCfg, log, m)

	jwtSecret := cfg.Server.JWTSecret
	if jwtSecret == "" {
		// Only reachable in mock mode; config validation requires a secret otherwise.
		jwtSecret = randomHex(32)
		token, err := receiver.IssueToken("paper-admin", receiver.RoleAdmin, jwtSecret, 24*time.Hour)
		if err != nil {
			log.Fatal("Failed to issue development token", zap.Error(err))
		}
		log.Warn("JWT_SECRET not set, issued a 24h paper-trading admin token", zap.String("token", token))
	}

	httpReceiver := receiver.NewHTTPReceiver(eng, receiver.Options{
		Port:      cfg.Server.Port,
		JWTSecret: jwtSecret,
		RateLimit: cfg.Server.RateLimit,
		Metrics:   m.Handler(),
	}, log)

	// Start components
	if err := eng.Start(ctx); err != nil {
		log.Fatal("Failed to start engine", zap.Error(err))
	}

	if err := httpReceiver.Start(ctx); err != nil {
		log.Fatal("Failed to start HTTP receiver", zap.Error(err))
	}

	log.Info("TradeBots Server is running",
		zap.String("http_endpoint", "http://127.0.0.1:"+strconv.Itoa(cfg.Server.Port)),
	)

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop HTTP receiver first
	if err := httpReceiver.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping HTTP receiver", zap.Error(err))
	}

	// Positions stay open across restarts; each manager reconciles on start.
	if err := eng.Stop(false); err != nil {
		log.Error("Error stopping engine", zap.Error(err))
	}

	if err := registry.Close(); err != nil {
		log.Error("Error closing exchange adapters", zap.Error(err))
	}

	log.Info("TradeBots Server stopped gracefully")
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
