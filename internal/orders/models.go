package orders

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrVersionConflict: the caller's version is stale; somebody else moved
	// the order first. Never silently overwritten.
	ErrVersionConflict = errors.New("order version conflict")

	ErrNotFound = errors.New("order not found")
)

// LineItem is immutable once set: the price is a snapshot taken at checkout.
type LineItem struct {
	ProductID  string
	LocationID string
	Quantity   int
	PriceCents int
}

type Order struct {
	ID         string
	ExternalID string
	UserID     string
	Status     Status
	Version    int64
	Items      []LineItem
	TotalCents int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Store interface {
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (Order, error)

	// UpdateOrderStatus is a CAS on the version column; zero rows affected
	// maps to ErrVersionConflict.
	UpdateOrderStatus(ctx context.Context, id string, to Status, expectedVersion int64) error
}
