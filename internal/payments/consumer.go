package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-fulfillment.git/internal/events"
	kafkax "github.com/ariefcatur/go-fulfillment.git/internal/kafka"
	"github.com/ariefcatur/go-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment.git/internal/redisx"
	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

// Consumer turns asynchronous payment outcomes into reservation
// confirm/release plus the matching order transitions. The gateway supplies
// an idempotency key; a replayed event short-circuits on the dedup check,
// and confirm/release are idempotent anyway, so duplicates are harmless
// either way.
type Consumer struct {
	Machine     *orders.Machine
	Manager     *reservation.Manager
	Redis       *redis.Client
	Log         *zap.Logger
	ServiceName string
}

func (c *Consumer) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// HandleAuthorized is the handler for the payment.authorized topic.
func (c *Consumer) HandleAuthorized(ctx context.Context, m kafkago.Message) error {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != events.EventPaymentAuthorized {
		return nil
	}
	p, err := kafkax.UnwrapPayload[events.PaymentAuthorizedPayload](env.Payload)
	if err != nil {
		return err
	}
	if c.seen(ctx, dedupKey(p.IdempotencyKey, env.EventID)) {
		return nil
	}

	if err := c.confirm(ctx, p.OrderID); err != nil {
		return err
	}
	c.logger().Info("payment authorized",
		zap.String("order_id", p.OrderID),
		zap.String("payment_ref", p.PaymentRef))
	return nil
}

// HandleFailed is the handler for the payment.failed topic.
func (c *Consumer) HandleFailed(ctx context.Context, m kafkago.Message) error {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != events.EventPaymentFailed {
		return nil
	}
	p, err := kafkax.UnwrapPayload[events.PaymentFailedPayload](env.Payload)
	if err != nil {
		return err
	}
	if c.seen(ctx, dedupKey(p.IdempotencyKey, env.EventID)) {
		return nil
	}

	if err := c.fail(ctx, p.OrderID); err != nil {
		return err
	}
	if err := c.Manager.Release(ctx, p.OrderID, reservation.ReasonPaymentFailed); err != nil {
		return err
	}
	c.logger().Info("payment failed, holds released",
		zap.String("order_id", p.OrderID),
		zap.String("reason", p.Reason))
	return nil
}

// confirm walks the order through payment_processing -> payment_confirmed ->
// confirmed; the last hop fires Manager.Confirm inside the machine. An order
// already past pending_payment just continues from wherever it is.
func (c *Consumer) confirm(ctx context.Context, orderID string) error {
	o, err := c.Machine.Get(ctx, orderID)
	if err != nil {
		return err
	}
	steps := []orders.Status{orders.StatusPaymentProcessing, orders.StatusPaymentConfirmed, orders.StatusConfirmed}
	for _, next := range steps {
		if o.Status == orders.StatusConfirmed {
			break
		}
		if !orders.CanTransition(o.Status, next) {
			continue
		}
		o, err = c.Machine.Transition(ctx, o.ID, next, o.Version)
		if err != nil {
			return fmt.Errorf("advance order %s to %s: %w", orderID, next, err)
		}
	}
	if o.Status != orders.StatusConfirmed {
		return nil
	}
	// A redelivery can find the status already landed from a previous attempt
	// whose confirm hook failed. Manager.Confirm is idempotent, so re-firing
	// closes that gap instead of leaving the holds to the reaper.
	return c.Manager.Confirm(ctx, o.ID)
}

func (c *Consumer) fail(ctx context.Context, orderID string) error {
	o, err := c.Machine.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == orders.StatusPendingPayment {
		o, err = c.Machine.Transition(ctx, o.ID, orders.StatusPaymentProcessing, o.Version)
		if err != nil {
			return err
		}
	}
	if !orders.CanTransition(o.Status, orders.StatusPaymentFailed) {
		return nil // already moved on; release below is still safe
	}
	_, err = c.Machine.Transition(ctx, o.ID, orders.StatusPaymentFailed, o.Version)
	return err
}

func dedupKey(idempotencyKey, eventID string) string {
	if idempotencyKey != "" {
		return idempotencyKey
	}
	return eventID
}

// seen marks the key and reports whether it was already processed. Redis
// down degrades to processing the event; the downstream calls tolerate
// replays.
func (c *Consumer) seen(ctx context.Context, key string) bool {
	if c.Redis == nil {
		return false
	}
	dkey := fmt.Sprintf(redisx.KeyDedup, c.ServiceName, key)
	exists, err := redisx.Exists(ctx, c.Redis, dkey)
	if err != nil {
		return false
	}
	if exists {
		return true
	}
	_ = c.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	return false
}
