package reservation_test

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
	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

type fixture struct {
	store   *memstore.Store
	ledger  *inventory.Ledger
	manager *reservation.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	store.AddLocation(inventory.Location{ID: "loc-1", Status: inventory.LocationActive, BaseDailyCapacity: 100})
	store.AddLocation(inventory.Location{ID: "loc-2", Status: inventory.LocationActive, BaseDailyCapacity: 100})
	ledger := inventory.NewLedger(store, 5)
	governor := capacity.NewGovernor(store, store)
	manager := reservation.NewManager(ledger, store, store, governor, nil)
	return &fixture{store: store, ledger: ledger, manager: manager}
}

func plan(productID string, legs ...allocation.Leg) allocation.Plan {
	total := 0
	for _, l := range legs {
		total += l.Quantity
	}
	return allocation.Plan{ProductID: productID, Quantity: total, Legs: legs}
}

// The books must balance: reserved on the stock record equals the sum of
// active reservation quantities for that (location, product).
func assertNoDrift(t *testing.T, f *fixture, locationID, productID string) {
	t.Helper()
	ctx := context.Background()
	rec, err := f.store.GetStock(ctx, locationID, productID)
	require.NoError(t, err)

	sum := 0
	for _, orderID := range []string{"order-1", "order-2", "order-3"} {
		rs, err := f.store.ReservationsByOrder(ctx, orderID)
		require.NoError(t, err)
		for _, r := range rs {
			if r.Status == reservation.StatusActive && r.LocationID == locationID && r.ProductID == productID {
				sum += r.Quantity
			}
		}
	}
	assert.Equal(t, rec.ReservedQuantity, sum, "active reservations out of sync with reserved_quantity")
}

func TestManager_ReserveMultiLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("loc-1", "prod-1", 10)
	f.store.SetStock("loc-2", "prod-1", 10)

	held, err := f.manager.Reserve(ctx, "order-1",
		plan("prod-1", allocation.Leg{LocationID: "loc-1", Quantity: 2}, allocation.Leg{LocationID: "loc-2", Quantity: 4}),
		15*time.Minute)
	require.NoError(t, err)
	require.Len(t, held, 2)

	rec1, _ := f.store.GetStock(ctx, "loc-1", "prod-1")
	rec2, _ := f.store.GetStock(ctx, "loc-2", "prod-1")
	assert.Equal(t, 2, rec1.ReservedQuantity)
	assert.Equal(t, 4, rec2.ReservedQuantity)
	assertNoDrift(t, f, "loc-1", "prod-1")
	assertNoDrift(t, f, "loc-2", "prod-1")

	// One capacity tick per used location.
	n, err := f.store.DailyCount(ctx, "loc-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManager_ReserveRollsBackOnFailedLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("loc-1", "prod-1", 10)
	f.store.SetStock("loc-2", "prod-1", 3) // second leg cannot be met

	_, err := f.manager.Reserve(ctx, "order-1",
		plan("prod-1", allocation.Leg{LocationID: "loc-1", Quantity: 5}, allocation.Leg{LocationID: "loc-2", Quantity: 5}),
		15*time.Minute)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	// The first leg's hold must have been compensated away.
	rec1, _ := f.store.GetStock(ctx, "loc-1", "prod-1")
	rec2, _ := f.store.GetStock(ctx, "loc-2", "prod-1")
	assert.Zero(t, rec1.ReservedQuantity, "no partial holds after a failed plan")
	assert.Zero(t, rec2.ReservedQuantity)

	rs, err := f.store.ReservationsByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestManager_ConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("loc-1", "prod-1", 10)

	_, err := f.manager.Reserve(ctx, "order-1",
		plan("prod-1", allocation.Leg{LocationID: "loc-1", Quantity: 4}), 15*time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.manager.Confirm(ctx, "order-1"))
	rec, _ := f.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Equal(t, 6, rec.StockQuantity)
	assert.Zero(t, rec.ReservedQuantity)

	// A duplicate payment webhook replays the confirm. Nothing moves.
	require.NoError(t, f.manager.Confirm(ctx, "order-1"))
	again, _ := f.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Equal(t, rec.StockQuantity, again.StockQuantity)
	assert.Equal(t, rec.ReservedQuantity, again.ReservedQuantity)

	rs, _ := f.store.ReservationsByOrder(ctx, "order-1")
	require.Len(t, rs, 1)
	assert.Equal(t, reservation.StatusCompleted, rs[0].Status)
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("loc-1", "prod-1", 10)

	held, err := f.manager.Reserve(ctx, "order-1",
		plan("prod-1", allocation.Leg{LocationID: "loc-1", Quantity: 3}), 15*time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.manager.ReleaseReservation(ctx, held[0].ID, reservation.ReasonExpired))
	rec, _ := f.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Zero(t, rec.ReservedQuantity)

	// The racing explicit cancel arrives second and must be a no-op.
	require.NoError(t, f.manager.ReleaseReservation(ctx, held[0].ID, reservation.ReasonCancelled))
	rec, _ = f.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Zero(t, rec.ReservedQuantity, "double release must not free stock twice")

	r, err := f.store.GetReservation(ctx, held[0].ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusExpired, r.Status, "first writer's terminal status sticks")
}

// faultyStock makes the ledger's CAS fail on demand, standing in for a write
// that exhausts its retry budget under contention.
type faultyStock struct {
	inner *memstore.Store
	fail  bool
}

func (f *faultyStock) GetStock(ctx context.Context, locationID, productID string) (inventory.StockRecord, error) {
	return f.inner.GetStock(ctx, locationID, productID)
}

func (f *faultyStock) UpdateStock(ctx context.Context, rec inventory.StockRecord, expectedVersion int64) error {
	if f.fail {
		return inventory.ErrConflict
	}
	return f.inner.UpdateStock(ctx, rec, expectedVersion)
}

func newFaultyFixture(t *testing.T) (*fixture, *faultyStock) {
	t.Helper()
	store := memstore.New()
	store.AddLocation(inventory.Location{ID: "loc-1", Status: inventory.LocationActive, BaseDailyCapacity: 100})
	faulty := &faultyStock{inner: store}
	ledger := inventory.NewLedger(faulty, 3)
	governor := capacity.NewGovernor(store, store)
	manager := reservation.NewManager(ledger, store, store, governor, nil)
	return &fixture{store: store, ledger: ledger, manager: manager}, faulty
}

// A commit that loses every CAS attempt must not leave the reservation
// terminal with its quantity still reserved; the hold stays active and a
// retried confirm finishes the job.
func TestManager_ConfirmKeepsHoldWhenCommitFails(t *testing.T) {
	f, faulty := newFaultyFixture(t)
	ctx := context.Background()
	f.store.SetStock("loc-1", "prod-1", 10)

	held, err := f.manager.Reserve(ctx, "order-1",
		plan("prod-1", allocation.Leg{LocationID: "loc-1", Quantity: 3}), 15*time.Minute)
	require.NoError(t, err)

	faulty.fail = true
	require.Error(t, f.manager.Confirm(ctx, "order-1"))

	rec, _ := f.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Equal(t, 3, rec.ReservedQuantity, "the hold still backs reserved_quantity")
	r, _ := f.store.GetReservation(ctx, held[0].ID)
	assert.Equal(t, reservation.StatusActive, r.Status, "failed commit flips the row back")
	assertNoDrift(t, f, "loc-1", "prod-1")

	faulty.fail = false
	require.NoError(t, f.manager.Confirm(ctx, "order-1"))
	rec, _ = f.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Equal(t, 7, rec.StockQuantity)
	assert.Zero(t, rec.ReservedQuantity)
	r, _ = f.store.GetReservation(ctx, held[0].ID)
	assert.Equal(t, reservation.StatusCompleted, r.Status)
}

func TestManager_ReleaseKeepsHoldWhenLedgerFails(t *testing.T) {
	f, faulty := newFaultyFixture(t)
	ctx := context.Background()
	f.store.SetStock("loc-1", "prod-1", 10)

	held, err := f.manager.Reserve(ctx, "order-1",
		plan("prod-1", allocation.Leg{LocationID: "loc-1", Quantity: 3}), 15*time.Minute)
	require.NoError(t, err)

	faulty.fail = true
	require.Error(t, f.manager.ReleaseReservation(ctx, held[0].ID, reservation.ReasonExpired))

	r, _ := f.store.GetReservation(ctx, held[0].ID)
	assert.Equal(t, reservation.StatusActive, r.Status, "failed release flips the row back")
	rec, _ := f.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Equal(t, 3, rec.ReservedQuantity)
	assertNoDrift(t, f, "loc-1", "prod-1")

	// The next reaper cycle (or an explicit cancel) retries and succeeds.
	faulty.fail = false
	require.NoError(t, f.manager.ReleaseReservation(ctx, held[0].ID, reservation.ReasonExpired))
	rec, _ = f.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Zero(t, rec.ReservedQuantity)
	r, _ = f.store.GetReservation(ctx, held[0].ID)
	assert.Equal(t, reservation.StatusExpired, r.Status)
}

func TestManager_RefundRestocksOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("loc-1", "prod-1", 10)

	held, err := f.manager.Reserve(ctx, "order-1",
		plan("prod-1", allocation.Leg{LocationID: "loc-1", Quantity: 4}), 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.manager.Confirm(ctx, "order-1"))

	require.NoError(t, f.manager.Refund(ctx, "order-1"))
	rec, _ := f.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Equal(t, 10, rec.StockQuantity, "refund puts the sold units back")
	r, _ := f.store.GetReservation(ctx, held[0].ID)
	assert.Equal(t, reservation.StatusRefunded, r.Status)

	// Replay restocks nothing.
	require.NoError(t, f.manager.Refund(ctx, "order-1"))
	rec, _ = f.store.GetStock(ctx, "loc-1", "prod-1")
	assert.Equal(t, 10, rec.StockQuantity)
}

func TestManager_ReleaseByOrderSetsReasonStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetStock("loc-1", "prod-1", 10)
	f.store.SetStock("loc-2", "prod-1", 10)

	_, err := f.manager.Reserve(ctx, "order-1",
		plan("prod-1", allocation.Leg{LocationID: "loc-1", Quantity: 2}, allocation.Leg{LocationID: "loc-2", Quantity: 4}),
		15*time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.manager.Release(ctx, "order-1", reservation.ReasonPaymentFailed))

	rs, _ := f.store.ReservationsByOrder(ctx, "order-1")
	require.Len(t, rs, 2)
	for _, r := range rs {
		assert.Equal(t, reservation.StatusCancelled, r.Status)
	}
	assertNoDrift(t, f, "loc-1", "prod-1")
	assertNoDrift(t, f, "loc-2", "prod-1")

	ok, err := f.manager.HasActive(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
