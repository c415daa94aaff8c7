package checkout_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-fulfillment.git/internal/allocation"
	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/checkout"
	"github.com/ariefcatur/go-fulfillment.git/internal/events"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
	"github.com/ariefcatur/go-fulfillment.git/internal/memstore"
	"github.com/ariefcatur/go-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

// recorder captures published envelopes in place of a Kafka producer.
type recorder struct {
	mu       sync.Mutex
	messages []events.Envelope
}

func (r *recorder) Publish(key, value []byte, headers ...kafkago.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ev events.Envelope
	if err := json.Unmarshal(value, &ev); err != nil {
		panic(err)
	}
	r.messages = append(r.messages, ev)
}

func (r *recorder) envelopes() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Envelope(nil), r.messages...)
}

type rig struct {
	store    *memstore.Store
	svc      *checkout.Service
	machine  *orders.Machine
	created  *recorder
	rejected *recorder
	status   *recorder
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store := memstore.New()
	store.AddLocation(inventory.Location{ID: "loc-1", Status: inventory.LocationActive, BaseDailyCapacity: 100, BaseShippingCents: 500})
	store.AddLocation(inventory.Location{ID: "loc-2", Status: inventory.LocationActive, BaseDailyCapacity: 100, BaseShippingCents: 700})

	ledger := inventory.NewLedger(store, 5)
	governor := capacity.NewGovernor(store, store)
	manager := reservation.NewManager(ledger, store, store, governor, nil)
	machine := orders.NewMachine(store, manager, nil)
	planner := allocation.NewPlanner(allocation.Policy{
		CostWeight:              1.0,
		SpeedWeight:             0,
		SingleLocationThreshold: 0.25,
		MaxSplitLegs:            3,
		LowUtilization:          0.5,
		NearCapacityPenalty:     1.5,
		OverCapacitySlope:       2.0,
	})

	created, rejected, status := &recorder{}, &recorder{}, &recorder{}
	svc := &checkout.Service{
		Ledger:      ledger,
		Locations:   store,
		Orders:      store,
		Machine:     machine,
		Manager:     manager,
		Governor:    governor,
		Planner:     planner,
		Created:     created,
		Rejected:    rejected,
		Status:      status,
		ServiceName: "checkout-test",
		TTL:         15 * time.Minute,
	}
	machine.Observe(svc.ObserveStatus)
	return &rig{store: store, svc: svc, machine: machine, created: created, rejected: rejected, status: status}
}

func TestService_PlaceOrderHappyPath(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.store.SetStock("loc-1", "prod-1", 10)

	res, err := r.svc.PlaceOrder(ctx, checkout.Request{
		ExternalID: "ext-1", UserID: "user-1",
		ProductID: "prod-1", Quantity: 4, PriceCents: 1000,
	})
	require.NoError(t, err)
	require.False(t, res.Idempotent)
	require.Len(t, res.Legs, 1)
	assert.Equal(t, "loc-1", res.Legs[0].LocationID)

	o, err := r.machine.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPendingPayment, o.Status)
	assert.Equal(t, int64(2), o.Version)
	assert.Equal(t, 4000, o.TotalCents)
	require.Len(t, o.Items, 1)
	assert.Equal(t, 1000, o.Items[0].PriceCents, "price snapshot carried onto the line item")

	rec, _ := r.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Equal(t, 4, rec.ReservedQuantity)

	cs := r.created.envelopes()
	require.Len(t, cs, 1)
	assert.Equal(t, events.EventReservationCreated, cs[0].EventType)
	assert.Equal(t, res.OrderID, cs[0].CorrelationID)

	// cart -> pending_payment landed once, so one status event.
	ss := r.status.envelopes()
	require.Len(t, ss, 1)
	var p events.OrderStatusChangedPayload
	require.NoError(t, json.Unmarshal(ss[0].Payload, &p))
	assert.Equal(t, string(orders.StatusCart), p.From)
	assert.Equal(t, string(orders.StatusPendingPayment), p.To)
}

func TestService_ReplayedExternalIDIsIdempotent(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.store.SetStock("loc-1", "prod-1", 10)

	first, err := r.svc.PlaceOrder(ctx, checkout.Request{
		ExternalID: "ext-1", ProductID: "prod-1", Quantity: 4, PriceCents: 1000,
	})
	require.NoError(t, err)

	second, err := r.svc.PlaceOrder(ctx, checkout.Request{
		ExternalID: "ext-1", ProductID: "prod-1", Quantity: 4, PriceCents: 1000,
	})
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.OrderID, second.OrderID)

	// No second hold, no second event.
	rec, _ := r.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Equal(t, 4, rec.ReservedQuantity)
	assert.Len(t, r.created.envelopes(), 1)
}

func TestService_SplitsAcrossLocationsWhenNoSingleFits(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.store.SetStock("loc-1", "prod-1", 6)
	r.store.SetStock("loc-2", "prod-1", 6)

	res, err := r.svc.PlaceOrder(ctx, checkout.Request{
		ExternalID: "ext-1", ProductID: "prod-1", Quantity: 10, PriceCents: 1000,
	})
	require.NoError(t, err)
	require.Len(t, res.Legs, 2)

	o, _ := r.machine.Get(ctx, res.OrderID)
	assert.Len(t, o.Items, 2, "one line item per leg")

	rec1, _ := r.store.GetStock(ctx, "loc-1", "prod-1")
	rec2, _ := r.store.GetStock(ctx, "loc-2", "prod-1")
	assert.Equal(t, 6, rec1.ReservedQuantity)
	assert.Equal(t, 4, rec2.ReservedQuantity)
}

func TestService_OutOfStockRejectsAtomically(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.store.SetStock("loc-1", "prod-1", 3)
	r.store.SetStock("loc-2", "prod-1", 3)

	_, err := r.svc.PlaceOrder(ctx, checkout.Request{
		ExternalID: "ext-1", ProductID: "prod-1", Quantity: 10, PriceCents: 1000,
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	// Nothing held, no order row, rejection published with per-location detail.
	rec1, _ := r.store.GetStock(ctx, "loc-1", "prod-1")
	rec2, _ := r.store.GetStock(ctx, "loc-2", "prod-1")
	assert.Zero(t, rec1.ReservedQuantity)
	assert.Zero(t, rec2.ReservedQuantity)

	_, err = r.store.GetOrderByExternalID(ctx, "ext-1")
	assert.ErrorIs(t, err, orders.ErrNotFound, "planning failure precedes order creation")

	rj := r.rejected.envelopes()
	require.Len(t, rj, 1)
	var p events.ReservationRejectedPayload
	require.NoError(t, json.Unmarshal(rj[0].Payload, &p))
	assert.Equal(t, "OUT_OF_STOCK", p.Reason)
	assert.Len(t, p.Details, 2)
}

func TestService_StrictCapacityRejectsSaturatedNetwork(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	// Both locations hold stock but run at 100%+ today.
	small := inventory.Location{ID: "loc-1", Status: inventory.LocationActive, BaseDailyCapacity: 2, BaseShippingCents: 500}
	r.store.AddLocation(small)
	r.store.SetStock("loc-1", "prod-1", 10)
	for i := 0; i < 3; i++ {
		_, err := r.store.IncrementDaily(ctx, "loc-1", time.Now())
		require.NoError(t, err)
	}

	_, err := r.svc.PlaceOrder(ctx, checkout.Request{
		ExternalID: "ext-1", ProductID: "prod-1", Quantity: 2, PriceCents: 1000, Strict: true,
	})
	require.ErrorIs(t, err, capacity.ErrExceeded)

	rj := r.rejected.envelopes()
	require.Len(t, rj, 1)
	var p events.ReservationRejectedPayload
	require.NoError(t, json.Unmarshal(rj[0].Payload, &p))
	assert.Equal(t, "CAPACITY_EXCEEDED", p.Reason)
}
