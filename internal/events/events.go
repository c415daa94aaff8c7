package events

import (
	"encoding/json"
	"time"
)

const (
	EventReservationCreated  = "ReservationCreated"
	EventReservationRejected = "ReservationRejected"
	EventOrderStatusChanged  = "OrderStatusChanged"
	EventCapacityAlert       = "CapacityAlert"
	EventPaymentAuthorized   = "PaymentAuthorized"
	EventPaymentFailed       = "PaymentFailed"
)

// Envelope v1. One format for every topic; Payload carries the per-event
// body.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type LegInfo struct {
	LocationID string `json:"location_id"`
	Qty        int    `json:"qty"`
}

type ReservationCreatedPayload struct {
	OrderID   string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	Legs      []LegInfo `json:"legs"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RejectedDetail struct {
	LocationID string `json:"location_id,omitempty"`
	Required   int    `json:"required"`
	Available  int    `json:"available"`
}

type ReservationRejectedPayload struct {
	OrderID   string           `json:"order_id"`
	ProductID string           `json:"product_id"`
	Reason    string           `json:"reason"` // OUT_OF_STOCK | CAPACITY_EXCEEDED | ALLOCATION_FAILED
	Details   []RejectedDetail `json:"details,omitempty"`
}

type OrderStatusChangedPayload struct {
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Version int64  `json:"version"`
}

type CapacityAlertPayload struct {
	LocationID  string  `json:"location_id"`
	Day         string  `json:"day"` // yyyy-mm-dd
	Utilization float64 `json:"utilization"`
	Threshold   float64 `json:"threshold"`
}

type PaymentAuthorizedPayload struct {
	OrderID        string `json:"order_id"`
	PaymentRef     string `json:"payment_ref"`
	AmountCents    int    `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
}

type PaymentFailedPayload struct {
	OrderID        string `json:"order_id"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}
