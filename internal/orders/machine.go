package orders

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrInvalidTransition: the requested pair is not in the table. Always
// surfaced, never coerced into something legal.
var ErrInvalidTransition = errors.New("invalid order transition")

// ReservationControl is what the machine needs from the reservation side.
// Every call must be idempotent; the machine may re-fire them on retries.
type ReservationControl interface {
	Confirm(ctx context.Context, orderID string) error
	Cancel(ctx context.Context, orderID string) error
	Refund(ctx context.Context, orderID string) error
	HasActive(ctx context.Context, orderID string) (bool, error)
}

// Machine is the only code path allowed to mutate an order's status. One
// table, one choke point; call sites never re-implement the legality check.
type Machine struct {
	store Store
	res   ReservationControl
	log   *zap.Logger

	// observers are notified after a transition lands (status cache, event
	// publishing). Failures there never unwind the transition.
	observers []func(o Order, from Status)
}

func NewMachine(store Store, res ReservationControl, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{store: store, res: res, log: log}
}

func (m *Machine) Observe(fn func(o Order, from Status)) {
	m.observers = append(m.observers, fn)
}

// Transition validates and applies from -> to under the caller's version.
// The CAS on the version column is the serialization point: of two racing
// callers exactly one lands, the other gets ErrVersionConflict. Side effects
// (release on cancel, confirm on confirmed) fire as part of this same
// logical operation, after the row is won, and are idempotent.
func (m *Machine) Transition(ctx context.Context, orderID string, to Status, expectedVersion int64) (Order, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.Version != expectedVersion {
		return Order{}, fmt.Errorf("order %s at v%d, caller had v%d: %w", orderID, o.Version, expectedVersion, ErrVersionConflict)
	}
	from := o.Status
	if err := m.allowed(ctx, o, to); err != nil {
		return Order{}, err
	}

	if err := m.store.UpdateOrderStatus(ctx, orderID, to, expectedVersion); err != nil {
		return Order{}, err
	}
	o.Status = to
	o.Version = expectedVersion + 1

	switch to {
	case StatusCancelled:
		if err := m.res.Cancel(ctx, orderID); err != nil {
			return o, fmt.Errorf("cancel reservations for %s: %w", orderID, err)
		}
	case StatusConfirmed:
		if err := m.res.Confirm(ctx, orderID); err != nil {
			return o, fmt.Errorf("confirm reservations for %s: %w", orderID, err)
		}
	case StatusRefunded:
		if err := m.res.Refund(ctx, orderID); err != nil {
			return o, fmt.Errorf("refund reservations for %s: %w", orderID, err)
		}
	}

	for _, fn := range m.observers {
		fn(o, from)
	}
	return o, nil
}

func (m *Machine) allowed(ctx context.Context, o Order, to Status) error {
	if CanTransition(o.Status, to) {
		return nil
	}
	// Escape hatch: an order still holding stock may always be cancelled,
	// whatever state it is stranded in.
	if to == StatusCancelled {
		active, err := m.res.HasActive(ctx, o.ID)
		if err != nil {
			return err
		}
		if active {
			return nil
		}
	}
	return fmt.Errorf("%s -> %s on order %s: %w", o.Status, to, o.ID, ErrInvalidTransition)
}

// Get is a read-through for handlers that need the current version before
// asking for a transition.
func (m *Machine) Get(ctx context.Context, orderID string) (Order, error) {
	return m.store.GetOrder(ctx, orderID)
}
