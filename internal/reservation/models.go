package reservation

import (
	"context"
	"time"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusExpired     Status = "expired"
	StatusReallocated Status = "reallocated"
	StatusRefunded    Status = "refunded"
)

// Reason selects the terminal status a release moves a hold into.
type Reason string

const (
	ReasonCancelled     Reason = "cancelled"
	ReasonExpired       Reason = "expired"
	ReasonReallocated   Reason = "reallocated"
	ReasonPaymentFailed Reason = "payment_failed"
)

func (r Reason) terminalStatus() Status {
	switch r {
	case ReasonExpired:
		return StatusExpired
	case ReasonReallocated:
		return StatusReallocated
	default:
		return StatusCancelled
	}
}

// Reservation is a time-bounded hold of quantity against one
// (location, product) pair, owned by an order. It leaves StatusActive exactly
// once; a completed row may later move to refunded when the sale is undone,
// every other status is final.
type Reservation struct {
	ID         string
	OrderID    string
	LocationID string
	ProductID  string
	Quantity   int
	Status     Status
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

type Store interface {
	InsertReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	ReservationsByOrder(ctx context.Context, orderID string) ([]Reservation, error)

	// TransitionReservation flips status iff the row is still in from.
	// changed=false is the idempotent no-op path, not an error: a release and
	// the reaper may race on the same row and exactly one wins.
	TransitionReservation(ctx context.Context, id string, from, to Status) (changed bool, err error)

	// ClaimExpired leases up to limit active reservations with
	// expires_at < cutoff such that concurrent claimers never see the same
	// row (SKIP LOCKED or a lease column, mechanism up to the store).
	ClaimExpired(ctx context.Context, cutoff time.Time, lease time.Duration, limit int) ([]Reservation, error)
}
