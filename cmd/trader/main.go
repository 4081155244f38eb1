package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-swing-bot-go/internal/binance"
	"binance-swing-bot-go/internal/config"
	"binance-swing-bot-go/internal/database"
	"binance-swing-bot-go/internal/logger"
	"binance-swing-bot-go/internal/repository"
	"binance-swing-bot-go/internal/storage"
	"binance-swing-bot-go/internal/trader"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize the trade-log database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	stats := database.NewStatistics(db)
	log.Info("Database connection successful and schema migrated.")

	// Open the key/value store holding trade records and scoring state
	store, err := storage.NewBadgerStore(cfg.Store.Path)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer store.Close()

	trades := repository.NewTradesRepository(store, log)
	scores := trader.NewScores(log, store)

	// Initialize the exchange REST client
	restClient := binance.NewRestClient(&cfg.Binance, log)
	if _, err := restClient.GetPrices(); err != nil {
		log.Fatal("Failed to connect to exchange API", zap.Error(err))
	}
	log.Info("Successfully connected to exchange API.")

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Initialize the engine and the control API, then run the tick loop
	engine := trader.NewEngine(log, &cfg, restClient, trades, stats, scores)

	api := trader.NewAPIServer(engine, scores, stats, cfg.Server.Port, log)
	api.Start()

	engine.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("Control API shutdown failed", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
}
