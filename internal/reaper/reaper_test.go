package reaper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-fulfillment.git/internal/allocation"
	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
	"github.com/ariefcatur/go-fulfillment.git/internal/memstore"
	"github.com/ariefcatur/go-fulfillment.git/internal/reaper"
	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

type harness struct {
	store   *memstore.Store
	manager *reservation.Manager
}

func newHarness(t *testing.T, at time.Time) *harness {
	t.Helper()
	store := memstore.New()
	store.AddLocation(inventory.Location{ID: "loc-1", Status: inventory.LocationActive, BaseDailyCapacity: 100})
	ledger := inventory.NewLedger(store, 5)
	governor := capacity.NewGovernor(store, store)
	manager := reservation.NewManager(ledger, store, store, governor, nil).
		WithClock(func() time.Time { return at })
	return &harness{store: store, manager: manager}
}

func (h *harness) hold(t *testing.T, orderID string, qty int, ttl time.Duration) reservation.Reservation {
	t.Helper()
	held, err := h.manager.Reserve(context.Background(), orderID, allocation.Plan{
		ProductID: "prod-1", Quantity: qty,
		Legs: []allocation.Leg{{LocationID: "loc-1", Quantity: qty}},
	}, ttl)
	require.NoError(t, err)
	return held[0]
}

func TestReaper_ReleasesExpiredHolds(t *testing.T) {
	t0 := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, t0)
	ctx := context.Background()
	h.store.SetStock("loc-1", "prod-1", 10)

	expired := h.hold(t, "order-1", 3, 900*time.Second)
	fresh := h.hold(t, "order-2", 2, 2*time.Hour)

	// 901 seconds later the first hold is past its TTL, the second is not.
	now := t0.Add(901 * time.Second)
	r := reaper.New(h.store, h.manager, nil, time.Minute, time.Minute, 100, 4).
		WithClock(func() time.Time { return now })

	released, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	rec, _ := h.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Equal(t, 2, rec.ReservedQuantity, "only the fresh hold remains")
	assert.Equal(t, 10, rec.StockQuantity, "expiry releases, never deducts")

	got, err := h.store.GetReservation(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusExpired, got.Status)

	got, err = h.store.GetReservation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusActive, got.Status)
}

func TestReaper_SecondCycleFindsNothing(t *testing.T) {
	t0 := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, t0)
	ctx := context.Background()
	h.store.SetStock("loc-1", "prod-1", 10)
	h.hold(t, "order-1", 3, time.Minute)

	now := t0.Add(2 * time.Minute)
	r := reaper.New(h.store, h.manager, nil, time.Minute, time.Minute, 100, 4).
		WithClock(func() time.Time { return now })

	released, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	released, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, released, "terminal rows are never claimed again")

	rec, _ := h.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Zero(t, rec.ReservedQuantity, "quantity freed exactly once")
}

// Two workers share the store: the lease taken by the first claim hides the
// rows from the second, so the batch is split, never double-released.
func TestReaper_LeaseKeepsConcurrentClaimersApart(t *testing.T) {
	t0 := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, t0)
	ctx := context.Background()
	h.store.SetStock("loc-1", "prod-1", 10)
	h.hold(t, "order-1", 2, time.Minute)
	h.hold(t, "order-2", 3, time.Minute)

	now := t0.Add(2 * time.Minute)

	first, err := h.store.ClaimExpired(ctx, now, time.Minute, 100)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := h.store.ClaimExpired(ctx, now, time.Minute, 100)
	require.NoError(t, err)
	assert.Empty(t, second, "leased rows are invisible to a second claimer")

	// After the lease lapses without a release, the rows come back.
	later := now.Add(2 * time.Minute)
	third, err := h.store.ClaimExpired(ctx, later, time.Minute, 100)
	require.NoError(t, err)
	assert.Len(t, third, 2)
}

func TestReaper_BatchLimit(t *testing.T) {
	t0 := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, t0)
	ctx := context.Background()
	h.store.SetStock("loc-1", "prod-1", 10)
	for _, id := range []string{"order-1", "order-2", "order-3"} {
		h.hold(t, id, 1, time.Minute)
	}

	now := t0.Add(2 * time.Minute)
	r := reaper.New(h.store, h.manager, nil, time.Minute, time.Minute, 2, 4).
		WithClock(func() time.Time { return now })

	released, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, released, "batch size caps one cycle")

	released, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released, "the next cycle drains the rest")
}
