package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-fulfillment.git/internal/allocation"
	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/events"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
	kafkax "github.com/ariefcatur/go-fulfillment.git/internal/kafka"
	"github.com/ariefcatur/go-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment.git/internal/redisx"
	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

// Publisher is the slice of kafkax.Producer the service needs; tests swap in
// a recorder.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Request struct {
	ExternalID  string
	UserID      string
	ProductID   string
	Quantity    int
	PriceCents  int // catalog snapshot, supplied by the checkout flow
	Destination allocation.Coordinates
	Strict      bool // strict capacity mode, see allocation.Request
}

type Result struct {
	OrderID    string
	Legs       []allocation.Leg
	ExpiresAt  time.Time
	Idempotent bool
}

// Service runs a purchase attempt end to end: plan, hold, advance the order
// to pending_payment. Failures are atomic; a rejected attempt leaves no
// partial holds and the order, if created, is cancelled.
type Service struct {
	Ledger    *inventory.Ledger
	Locations inventory.LocationStore
	Orders    orders.Store
	Machine   *orders.Machine
	Manager   *reservation.Manager
	Governor  *capacity.Governor
	Planner   *allocation.Planner

	Redis    *redis.Client // optional; nil skips caching
	Created  Publisher
	Rejected Publisher
	Status   Publisher

	ServiceName string
	TTL         time.Duration
	Log         *zap.Logger

	clock func() time.Time
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// PlaceOrder is idempotent on ExternalID: a replayed request returns the
// order created the first time, without planning again.
func (s *Service) PlaceOrder(ctx context.Context, req Request) (Result, error) {
	if req.Quantity <= 0 {
		return Result{}, fmt.Errorf("checkout %s: quantity must be positive", req.ExternalID)
	}
	// Fast path for replays: the cache answers before the database has to.
	// The database lookup below stays authoritative; a cache miss is never an
	// error.
	if s.Redis != nil {
		key := fmt.Sprintf(redisx.KeyIdemCheckout, req.ExternalID)
		if orderID, err := s.Redis.Get(ctx, key).Result(); err == nil && orderID != "" {
			return Result{OrderID: orderID, Idempotent: true}, nil
		}
	}
	if existing, err := s.Orders.GetOrderByExternalID(ctx, req.ExternalID); err == nil {
		return Result{OrderID: existing.ID, Idempotent: true}, nil
	} else if !errors.Is(err, orders.ErrNotFound) {
		return Result{}, err
	}

	candidates, err := s.candidates(ctx, req.ProductID)
	if err != nil {
		return Result{}, err
	}

	plan, err := s.Planner.Plan(allocation.Request{
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		Destination:    req.Destination,
		StrictCapacity: req.Strict,
	}, candidates)
	if err != nil {
		s.publishRejected("", req, rejectReason(err), candidates)
		return Result{}, err
	}

	now := s.now()
	order := orders.Order{
		ID:         uuid.NewString(),
		ExternalID: req.ExternalID,
		UserID:     req.UserID,
		Status:     orders.StatusCart,
		Version:    1,
		TotalCents: req.PriceCents * req.Quantity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, leg := range plan.Legs {
		order.Items = append(order.Items, orders.LineItem{
			ProductID:  req.ProductID,
			LocationID: leg.LocationID,
			Quantity:   leg.Quantity,
			PriceCents: req.PriceCents,
		})
	}
	if err := s.Orders.InsertOrder(ctx, order); err != nil {
		return Result{}, err
	}

	held, err := s.Manager.Reserve(ctx, order.ID, plan, s.TTL)
	if err != nil {
		s.publishRejected(order.ID, req, rejectReason(err), candidates)
		if _, terr := s.Machine.Transition(ctx, order.ID, orders.StatusCancelled, order.Version); terr != nil {
			s.logger().Error("cancel order after failed reserve", zap.String("order_id", order.ID), zap.Error(terr))
		}
		return Result{}, err
	}

	updated, err := s.Machine.Transition(ctx, order.ID, orders.StatusPendingPayment, order.Version)
	if err != nil {
		return Result{}, err
	}

	expires := held[0].ExpiresAt
	if s.Redis != nil {
		key := fmt.Sprintf(redisx.KeyIdemCheckout, req.ExternalID)
		_ = s.Redis.Set(ctx, key, order.ID, redisx.TTLIdempotency).Err()
	}
	s.publishCreated(order.ID, req.ProductID, plan, expires)
	s.logger().Info("order placed",
		zap.String("order_id", updated.ID),
		zap.String("product_id", req.ProductID),
		zap.Int("qty", req.Quantity),
		zap.Int("legs", len(plan.Legs)))
	return Result{OrderID: order.ID, Legs: plan.Legs, ExpiresAt: expires}, nil
}

// candidates snapshots availability and utilization for every location.
func (s *Service) candidates(ctx context.Context, productID string) ([]allocation.Candidate, error) {
	locs, err := s.Locations.ListLocations(ctx)
	if err != nil {
		return nil, err
	}
	day := s.now()
	out := make([]allocation.Candidate, 0, len(locs))
	for _, loc := range locs {
		rec, err := s.Ledger.Stock(ctx, loc.ID, productID)
		if errors.Is(err, inventory.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		util, err := s.Governor.Utilization(ctx, loc, day)
		if err != nil {
			return nil, err
		}
		out = append(out, allocation.Candidate{Location: loc, Available: rec.Available(), Utilization: util})
	}
	return out, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, capacity.ErrExceeded):
		return "CAPACITY_EXCEEDED"
	case errors.Is(err, reservation.ErrAllocationFailed):
		return "ALLOCATION_FAILED"
	default:
		return "OUT_OF_STOCK"
	}
}

func (s *Service) publishCreated(orderID, productID string, plan allocation.Plan, expires time.Time) {
	if s.Created == nil {
		return
	}
	legs := make([]events.LegInfo, 0, len(plan.Legs))
	for _, l := range plan.Legs {
		legs = append(legs, events.LegInfo{LocationID: l.LocationID, Qty: l.Quantity})
	}
	s.publish(s.Created, events.EventReservationCreated, orderID, events.ReservationCreatedPayload{
		OrderID:   orderID,
		ProductID: productID,
		Legs:      legs,
		ExpiresAt: expires,
	})
}

func (s *Service) publishRejected(orderID string, req Request, reason string, candidates []allocation.Candidate) {
	if s.Rejected == nil {
		return
	}
	var details []events.RejectedDetail
	for _, c := range candidates {
		details = append(details, events.RejectedDetail{
			LocationID: c.Location.ID,
			Required:   req.Quantity,
			Available:  c.Available,
		})
	}
	s.publish(s.Rejected, events.EventReservationRejected, orderID, events.ReservationRejectedPayload{
		OrderID:   orderID,
		ProductID: req.ProductID,
		Reason:    reason,
		Details:   details,
	})
}

func (s *Service) publish(p Publisher, eventType, orderID string, payload any) {
	ev := events.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    s.now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(events.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

// ObserveStatus is registered on the state machine: it refreshes the status
// cache and emits the status-changed event after every landed transition.
func (s *Service) ObserveStatus(o orders.Order, from orders.Status) {
	if s.Redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := fmt.Sprintf(redisx.KeyOrderStatus, o.ID)
		body := fmt.Sprintf(`{"status":%q,"version":%d}`, o.Status, o.Version)
		_ = s.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
	}
	if s.Status != nil {
		s.publish(s.Status, events.EventOrderStatusChanged, o.ID, events.OrderStatusChangedPayload{
			OrderID: o.ID,
			From:    string(from),
			To:      string(o.Status),
			Version: o.Version,
		})
	}
}

// AlertPublisher adapts a producer into the governor's threshold hook.
func AlertPublisher(p Publisher, serviceName string) capacity.AlertFunc {
	return func(locationID string, day time.Time, utilization, threshold float64) {
		ev := events.Envelope{
			EventID:      uuid.NewString(),
			EventType:    events.EventCapacityAlert,
			EventVersion: 1,
			OccurredAt:   time.Now().UTC(),
			Producer:     serviceName,
			Payload: kafkax.MustMarshal(events.CapacityAlertPayload{
				LocationID:  locationID,
				Day:         day.UTC().Format("2006-01-02"),
				Utilization: utilization,
				Threshold:   threshold,
			}),
		}
		p.Publish([]byte(locationID), kafkax.MustMarshal(ev),
			kafkago.Header{Key: "x-event-type", Value: []byte(events.EventCapacityAlert)},
		)
	}
}
