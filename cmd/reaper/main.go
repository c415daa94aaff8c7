package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/config"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
	"github.com/ariefcatur/go-fulfillment.git/internal/postgres"
	"github.com/ariefcatur/go-fulfillment.git/internal/reaper"
	"github.com/ariefcatur/go-fulfillment.git/internal/redisx"
	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	store := postgres.NewStore(db)

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	ledger := inventory.NewLedger(store, cfg.CASMaxAttempts)
	governor := capacity.NewGovernor(store, &redisx.Counters{RDB: rdb})
	manager := reservation.NewManager(ledger, store, store, governor, log)

	r := reaper.New(store, manager, log, cfg.ReaperInterval, cfg.ReaperLease, cfg.ReaperBatch, cfg.ReaperWorkers)

	go func() {
		log.Info("reaper started",
			zap.Duration("interval", cfg.ReaperInterval),
			zap.Int("batch", cfg.ReaperBatch),
			zap.Int("workers", cfg.ReaperWorkers))
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reaper exit", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down reaper")
	cancel()
}
