package capacity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
)

var (
	// ErrExceeded: strict-mode planning found no location under 100%
	// utilization. Retryable later, unlike an out-of-stock condition.
	ErrExceeded = errors.New("daily capacity exceeded")

	// ErrOverlappingOverride: the new override's date range collides with an
	// existing one for the same location.
	ErrOverlappingOverride = errors.New("overlapping capacity override")
)

// Override is a time-ranged adjustment to a location's daily capacity,
// authored externally. HardLimit wins over Multiplier when both are set.
type Override struct {
	ID         string
	LocationID string
	StartDate  time.Time // inclusive, date precision
	EndDate    time.Time // inclusive
	Multiplier float64
	HardLimit  int
}

func (o Override) covers(day time.Time) bool {
	d := dateOnly(day)
	return !d.Before(dateOnly(o.StartDate)) && !d.After(dateOnly(o.EndDate))
}

func (o Override) overlaps(other Override) bool {
	return !dateOnly(o.EndDate).Before(dateOnly(other.StartDate)) &&
		!dateOnly(other.EndDate).Before(dateOnly(o.StartDate))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type OverrideStore interface {
	ListOverrides(ctx context.Context, locationID string) ([]Override, error)
	InsertOverride(ctx context.Context, ov Override) error
}

// CounterStore keeps one independently addressable counter per
// (location, day). Keying by day makes the daily reset lazy: a new day simply
// reads a fresh counter. No global state, no reset cron.
type CounterStore interface {
	IncrementDaily(ctx context.Context, locationID string, day time.Time) (int, error)
	DailyCount(ctx context.Context, locationID string, day time.Time) (int, error)
}

// AlertFunc is the one-way notification hook fired when a location's
// utilization crosses a configured threshold. Never load-bearing.
type AlertFunc func(locationID string, day time.Time, utilization float64, threshold float64)

type Governor struct {
	overrides OverrideStore
	counters  CounterStore

	alert           AlertFunc
	alertThresholds []float64

	clock func() time.Time
}

func NewGovernor(overrides OverrideStore, counters CounterStore) *Governor {
	return &Governor{
		overrides: overrides,
		counters:  counters,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (g *Governor) WithClock(clock func() time.Time) *Governor {
	g.clock = clock
	return g
}

// WithAlerts wires the threshold notifications. Thresholds are fractions,
// e.g. 0.8 and 1.0.
func (g *Governor) WithAlerts(fn AlertFunc, thresholds []float64) *Governor {
	g.alert = fn
	g.alertThresholds = thresholds
	return g
}

// AddOverride validates non-overlap before insert. The governor rejects a
// collision instead of silently picking a winner at read time.
func (g *Governor) AddOverride(ctx context.Context, ov Override) error {
	if dateOnly(ov.EndDate).Before(dateOnly(ov.StartDate)) {
		return fmt.Errorf("override %s: end before start", ov.ID)
	}
	existing, err := g.overrides.ListOverrides(ctx, ov.LocationID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ID == ov.ID {
			continue
		}
		if e.overlaps(ov) {
			return fmt.Errorf("override %s vs %s on %s: %w", ov.ID, e.ID, ov.LocationID, ErrOverlappingOverride)
		}
	}
	return g.overrides.InsertOverride(ctx, ov)
}

// EffectiveCapacity: hard limit if an active override has one, else
// floor(base * multiplier), else the plain base.
func (g *Governor) EffectiveCapacity(ctx context.Context, loc inventory.Location, day time.Time) (int, error) {
	ovs, err := g.overrides.ListOverrides(ctx, loc.ID)
	if err != nil {
		return 0, err
	}
	for _, ov := range ovs {
		if !ov.covers(day) {
			continue
		}
		if ov.HardLimit > 0 {
			return ov.HardLimit, nil
		}
		if ov.Multiplier > 0 {
			return int(math.Floor(float64(loc.BaseDailyCapacity) * ov.Multiplier)), nil
		}
	}
	return loc.BaseDailyCapacity, nil
}

// Utilization = today's order count / effective capacity. A zero-capacity
// location reports as fully utilized rather than dividing by zero.
func (g *Governor) Utilization(ctx context.Context, loc inventory.Location, day time.Time) (float64, error) {
	cap, err := g.EffectiveCapacity(ctx, loc, day)
	if err != nil {
		return 0, err
	}
	count, err := g.counters.DailyCount(ctx, loc.ID, day)
	if err != nil {
		return 0, err
	}
	if cap <= 0 {
		return 1, nil
	}
	return float64(count) / float64(cap), nil
}

// Increment records one allocated order against the location for today and
// fires threshold alerts on the crossing increment only.
func (g *Governor) Increment(ctx context.Context, loc inventory.Location) error {
	day := g.clock().UTC()
	count, err := g.counters.IncrementDaily(ctx, loc.ID, day)
	if err != nil {
		return err
	}
	if g.alert == nil || len(g.alertThresholds) == 0 {
		return nil
	}
	cap, err := g.EffectiveCapacity(ctx, loc, day)
	if err != nil || cap <= 0 {
		return err
	}
	util := float64(count) / float64(cap)
	prev := float64(count-1) / float64(cap)
	for _, th := range g.alertThresholds {
		if prev < th && util >= th {
			g.alert(loc.ID, day, util, th)
		}
	}
	return nil
}
