package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/config"
	"github.com/ariefcatur/go-fulfillment.git/internal/events"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
	kafkax "github.com/ariefcatur/go-fulfillment.git/internal/kafka"
	"github.com/ariefcatur/go-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment.git/internal/payments"
	"github.com/ariefcatur/go-fulfillment.git/internal/postgres"
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
	machine := orders.NewMachine(store, manager, log)

	c := &payments.Consumer{
		Machine:     machine,
		Manager:     manager,
		Redis:       rdb,
		Log:         log,
		ServiceName: cfg.ServiceName + "-payments",
	}

	group := getenv("PAYMENTS_GROUP", "payments-svc")
	workers := getint("PAYMENTS_WORKERS", 8)

	authorized := kafkax.NewConsumer(cfg.KafkaBrokers, group, events.TopicPaymentAuthorized, workers, log)
	failed := kafkax.NewConsumer(cfg.KafkaBrokers, group, events.TopicPaymentFailed, workers, log)

	go func() {
		log.Info("payments consumer started", zap.String("topic", events.TopicPaymentAuthorized))
		if err := authorized.Start(ctx, c.HandleAuthorized); err != nil {
			log.Error("authorized consumer exit", zap.Error(err))
			cancel()
		}
	}()
	go func() {
		log.Info("payments consumer started", zap.String("topic", events.TopicPaymentFailed))
		if err := failed.Start(ctx, c.HandleFailed); err != nil {
			log.Error("failed consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down payments consumers")
	cancel()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
