package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-fulfillment.git/internal/allocation"
	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
)

// ErrAllocationFailed: the bounded CAS-retry budget ran out while realizing a
// plan. Transient; the caller owns the backoff policy.
var ErrAllocationFailed = errors.New("allocation failed after retries")

// Manager realizes allocation plans as ledger holds plus reservation rows,
// and later confirms or releases them. Confirm and Release are idempotent so
// duplicate payment webhooks and reaper races are harmless.
type Manager struct {
	ledger    *inventory.Ledger
	locations inventory.LocationStore
	store     Store
	governor  *capacity.Governor
	log       *zap.Logger
	clock     func() time.Time
}

func NewManager(ledger *inventory.Ledger, locations inventory.LocationStore, store Store, governor *capacity.Governor, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		ledger:    ledger,
		locations: locations,
		store:     store,
		governor:  governor,
		log:       log,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Reserve holds every leg of the plan or nothing. A leg that exhausts its
// CAS retries rolls back the legs already held before the error surfaces, so
// a failed checkout never leaks capacity.
func (m *Manager) Reserve(ctx context.Context, orderID string, plan allocation.Plan, ttl time.Duration) ([]Reservation, error) {
	var held []allocation.Leg
	for _, leg := range plan.Legs {
		if err := m.ledger.Reserve(ctx, leg.LocationID, plan.ProductID, leg.Quantity); err != nil {
			m.rollback(ctx, plan.ProductID, held)
			if errors.Is(err, inventory.ErrConflict) {
				return nil, fmt.Errorf("leg %s: %w", leg.LocationID, ErrAllocationFailed)
			}
			return nil, err
		}
		held = append(held, leg)
	}

	now := m.clock()
	out := make([]Reservation, 0, len(plan.Legs))
	for _, leg := range plan.Legs {
		r := Reservation{
			ID:         uuid.NewString(),
			OrderID:    orderID,
			LocationID: leg.LocationID,
			ProductID:  plan.ProductID,
			Quantity:   leg.Quantity,
			Status:     StatusActive,
			ExpiresAt:  now.Add(ttl),
			CreatedAt:  now,
		}
		if err := m.store.InsertReservation(ctx, r); err != nil {
			for _, prev := range out {
				if _, terr := m.store.TransitionReservation(ctx, prev.ID, StatusActive, StatusCancelled); terr != nil {
					m.log.Error("rollback reservation row", zap.String("reservation_id", prev.ID), zap.Error(terr))
				}
			}
			m.rollback(ctx, plan.ProductID, held)
			return nil, fmt.Errorf("insert reservation order=%s: %w", orderID, err)
		}
		out = append(out, r)
	}

	for _, leg := range plan.Legs {
		loc, err := m.locations.GetLocation(ctx, leg.LocationID)
		if err != nil {
			m.log.Warn("capacity increment skipped", zap.String("location_id", leg.LocationID), zap.Error(err))
			continue
		}
		if err := m.governor.Increment(ctx, loc); err != nil {
			m.log.Warn("capacity increment failed", zap.String("location_id", leg.LocationID), zap.Error(err))
		}
	}
	return out, nil
}

func (m *Manager) rollback(ctx context.Context, productID string, held []allocation.Leg) {
	for _, leg := range held {
		if err := m.ledger.ReleaseReserved(ctx, leg.LocationID, productID, leg.Quantity); err != nil {
			m.log.Error("compensating release failed",
				zap.String("location_id", leg.LocationID),
				zap.String("product_id", productID),
				zap.Int("qty", leg.Quantity),
				zap.Error(err))
		}
	}
}

// Confirm flips every active reservation of the order to completed and
// commits the held stock. Rows already out of active are skipped, so a
// duplicate payment webhook re-running this is a no-op.
func (m *Manager) Confirm(ctx context.Context, orderID string) error {
	rs, err := m.store.ReservationsByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if r.Status != StatusActive {
			continue
		}
		changed, err := m.store.TransitionReservation(ctx, r.ID, StatusActive, StatusCompleted)
		if err != nil {
			return fmt.Errorf("confirm reservation %s: %w", r.ID, err)
		}
		if !changed {
			continue // somebody else moved it first
		}
		if err := m.ledger.CommitReserved(ctx, r.LocationID, r.ProductID, r.Quantity); err != nil {
			// Put the row back to active so the hold stays visible and a retry
			// commits it; a terminal row with its quantity still reserved
			// would strand reserved_quantity forever.
			if _, rerr := m.store.TransitionReservation(ctx, r.ID, StatusCompleted, StatusActive); rerr != nil {
				m.log.Error("restore reservation after failed commit", zap.String("reservation_id", r.ID), zap.Error(rerr))
			}
			return fmt.Errorf("commit stock for reservation %s: %w", r.ID, err)
		}
	}
	return nil
}

// Release frees every active reservation of the order. No-op for rows
// already terminal.
func (m *Manager) Release(ctx context.Context, orderID string, reason Reason) error {
	rs, err := m.store.ReservationsByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if err := m.releaseOne(ctx, r, reason); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseReservation frees a single hold. Used by the expiry reaper.
func (m *Manager) ReleaseReservation(ctx context.Context, reservationID string, reason Reason) error {
	r, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	return m.releaseOne(ctx, r, reason)
}

// releaseOne is the single serialization point for releases: the status flip
// is a CAS on status, and only the winner touches the ledger. An explicit
// cancel racing the reaper therefore releases the quantity exactly once.
func (m *Manager) releaseOne(ctx context.Context, r Reservation, reason Reason) error {
	if r.Status != StatusActive {
		return nil
	}
	changed, err := m.store.TransitionReservation(ctx, r.ID, StatusActive, reason.terminalStatus())
	if err != nil {
		return fmt.Errorf("release reservation %s: %w", r.ID, err)
	}
	if !changed {
		return nil
	}
	if err := m.ledger.ReleaseReserved(ctx, r.LocationID, r.ProductID, r.Quantity); err != nil {
		// Same compensation as a failed commit: back to active, so the
		// quantity is still accounted for and the reaper or a retry frees it.
		if _, rerr := m.store.TransitionReservation(ctx, r.ID, reason.terminalStatus(), StatusActive); rerr != nil {
			m.log.Error("restore reservation after failed release", zap.String("reservation_id", r.ID), zap.Error(rerr))
		}
		return fmt.Errorf("release stock for reservation %s: %w", r.ID, err)
	}
	return nil
}

// Refund returns sold stock to the shelves after an order is refunded. The
// completed -> refunded flip is the winner gate, so a replayed refund
// restocks nothing.
func (m *Manager) Refund(ctx context.Context, orderID string) error {
	rs, err := m.store.ReservationsByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if r.Status != StatusCompleted {
			continue
		}
		changed, err := m.store.TransitionReservation(ctx, r.ID, StatusCompleted, StatusRefunded)
		if err != nil {
			return fmt.Errorf("refund reservation %s: %w", r.ID, err)
		}
		if !changed {
			continue
		}
		if err := m.ledger.Restock(ctx, r.LocationID, r.ProductID, r.Quantity); err != nil {
			if _, rerr := m.store.TransitionReservation(ctx, r.ID, StatusRefunded, StatusCompleted); rerr != nil {
				m.log.Error("restore reservation after failed restock", zap.String("reservation_id", r.ID), zap.Error(rerr))
			}
			return fmt.Errorf("restock for reservation %s: %w", r.ID, err)
		}
	}
	return nil
}

// HasActive reports whether the order still holds stock anywhere.
func (m *Manager) HasActive(ctx context.Context, orderID string) (bool, error) {
	rs, err := m.store.ReservationsByOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, r := range rs {
		if r.Status == StatusActive {
			return true, nil
		}
	}
	return false, nil
}

// Cancel is Release with the cancelled reason, shaped for the order state
// machine's hook interface.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	return m.Release(ctx, orderID, ReasonCancelled)
}
