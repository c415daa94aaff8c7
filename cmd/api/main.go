package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-fulfillment.git/internal/allocation"
	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/checkout"
	"github.com/ariefcatur/go-fulfillment.git/internal/config"
	"github.com/ariefcatur/go-fulfillment.git/internal/events"
	"github.com/ariefcatur/go-fulfillment.git/internal/httpx"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
	kafkax "github.com/ariefcatur/go-fulfillment.git/internal/kafka"
	"github.com/ariefcatur/go-fulfillment.git/internal/memstore"
	"github.com/ariefcatur/go-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment.git/internal/postgres"
	"github.com/ariefcatur/go-fulfillment.git/internal/redisx"
	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

// datastore is everything the API needs from persistence; both the Postgres
// store and the in-memory store satisfy it.
type datastore interface {
	inventory.StockStore
	inventory.LocationStore
	capacity.OverrideStore
	capacity.CounterStore
	reservation.Store
	orders.Store
}

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

	var store datastore
	if cfg.Store == "memory" {
		store = memstore.New()
	} else {
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("db connect", zap.Error(err))
		}
		defer db.Close()
		store = postgres.NewStore(db)
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	pCreated := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicReservationCreated, 1024, log)
	pCreated.Start(ctx)
	pRejected := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicReservationRejected, 1024, log)
	pRejected.Start(ctx)
	pStatus := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicOrderStatus, 1024, log)
	pStatus.Start(ctx)
	pAlert := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicCapacityAlert, 256, log)
	pAlert.Start(ctx)

	// Daily counters live in Redis in front of Postgres: INCR is atomic
	// across instances and date-scoped keys reset themselves.
	var counters capacity.CounterStore = &redisx.Counters{RDB: rdb}
	if cfg.Store == "memory" {
		counters = store
	}

	ledger := inventory.NewLedger(store, cfg.CASMaxAttempts)
	governor := capacity.NewGovernor(store, counters).
		WithAlerts(checkout.AlertPublisher(pAlert, cfg.ServiceName), cfg.AlertThresholds)
	manager := reservation.NewManager(ledger, store, store, governor, log)
	machine := orders.NewMachine(store, manager, log)
	planner := allocation.NewPlanner(allocation.Policy{
		CostWeight:              cfg.CostWeight,
		SpeedWeight:             cfg.SpeedWeight,
		SingleLocationThreshold: cfg.SingleLocationThreshold,
		MaxSplitLegs:            cfg.MaxSplitLegs,
		LowUtilization:          cfg.LowUtilization,
		NearCapacityPenalty:     cfg.NearCapacityPenalty,
		OverCapacitySlope:       cfg.OverCapacitySlope,
	})

	svc := &checkout.Service{
		Ledger:      ledger,
		Locations:   store,
		Orders:      store,
		Machine:     machine,
		Manager:     manager,
		Governor:    governor,
		Planner:     planner,
		Redis:       rdb,
		Created:     pCreated,
		Rejected:    pRejected,
		Status:      pStatus,
		ServiceName: cfg.ServiceName,
		TTL:         cfg.ReservationTTL,
		Log:         log,
	}
	machine.Observe(svc.ObserveStatus)

	router := httpx.NewRouter()
	h := &httpx.Handler{
		Checkout:  svc,
		Machine:   machine,
		Ledger:    ledger,
		Locations: store,
		Redis:     rdb,
	}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)
	cancel() // stops producer loops, which flush and close
	pCreated.WaitClosed()
	pRejected.WaitClosed()
	pStatus.WaitClosed()
	pAlert.WaitClosed()
}
