package capacity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
	"github.com/ariefcatur/go-fulfillment.git/internal/memstore"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func testLocation() inventory.Location {
	return inventory.Location{ID: "loc-1", Status: inventory.LocationActive, BaseDailyCapacity: 100}
}

func TestGovernor_EffectiveCapacity(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	g := capacity.NewGovernor(store, store)
	loc := testLocation()

	cap, err := g.EffectiveCapacity(ctx, loc, day("2026-08-27"))
	require.NoError(t, err)
	assert.Equal(t, 100, cap, "no override: base capacity")

	require.NoError(t, g.AddOverride(ctx, capacity.Override{
		ID: "ov-mult", LocationID: loc.ID,
		StartDate: day("2026-08-27"), EndDate: day("2026-08-28"),
		Multiplier: 1.5,
	}))
	cap, err = g.EffectiveCapacity(ctx, loc, day("2026-08-27"))
	require.NoError(t, err)
	assert.Equal(t, 150, cap, "multiplier override: floor(base*multiplier)")

	require.NoError(t, g.AddOverride(ctx, capacity.Override{
		ID: "ov-hard", LocationID: loc.ID,
		StartDate: day("2026-09-01"), EndDate: day("2026-09-02"),
		Multiplier: 2.0, HardLimit: 40,
	}))
	cap, err = g.EffectiveCapacity(ctx, loc, day("2026-09-01"))
	require.NoError(t, err)
	assert.Equal(t, 40, cap, "hard limit wins over multiplier")

	cap, err = g.EffectiveCapacity(ctx, loc, day("2026-08-30"))
	require.NoError(t, err)
	assert.Equal(t, 100, cap, "outside every override window")
}

func TestGovernor_RejectsOverlappingOverride(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	g := capacity.NewGovernor(store, store)

	require.NoError(t, g.AddOverride(ctx, capacity.Override{
		ID: "ov-1", LocationID: "loc-1",
		StartDate: day("2026-08-20"), EndDate: day("2026-08-25"),
		Multiplier: 1.2,
	}))
	err := g.AddOverride(ctx, capacity.Override{
		ID: "ov-2", LocationID: "loc-1",
		StartDate: day("2026-08-25"), EndDate: day("2026-08-30"),
		HardLimit: 10,
	})
	assert.ErrorIs(t, err, capacity.ErrOverlappingOverride)

	// Same range on another location is fine.
	assert.NoError(t, g.AddOverride(ctx, capacity.Override{
		ID: "ov-3", LocationID: "loc-2",
		StartDate: day("2026-08-25"), EndDate: day("2026-08-30"),
		HardLimit: 10,
	}))
}

func TestGovernor_UtilizationAndLazyReset(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	today := day("2026-08-27")
	g := capacity.NewGovernor(store, store).WithClock(func() time.Time { return today })
	loc := testLocation()

	for i := 0; i < 30; i++ {
		require.NoError(t, g.Increment(ctx, loc))
	}
	util, err := g.Utilization(ctx, loc, today)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, util, 1e-9)

	// Next day reads a fresh counter; nothing had to run at midnight.
	util, err = g.Utilization(ctx, loc, day("2026-08-28"))
	require.NoError(t, err)
	assert.Zero(t, util)
}

func TestGovernor_AlertsFireOnceAtThreshold(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	today := day("2026-08-27")

	type alert struct {
		threshold   float64
		utilization float64
	}
	var fired []alert
	loc := inventory.Location{ID: "loc-1", Status: inventory.LocationActive, BaseDailyCapacity: 10}
	g := capacity.NewGovernor(store, store).
		WithClock(func() time.Time { return today }).
		WithAlerts(func(locationID string, d time.Time, util, th float64) {
			fired = append(fired, alert{threshold: th, utilization: util})
		}, []float64{0.8, 1.0})

	for i := 0; i < 12; i++ {
		require.NoError(t, g.Increment(ctx, loc))
	}

	require.Len(t, fired, 2, "one alert per crossed threshold")
	assert.Equal(t, 0.8, fired[0].threshold)
	assert.Equal(t, 1.0, fired[1].threshold)
}
