// Package memstore is the in-memory Store used by the engine tests and by
// local runs without Postgres. It implements the same contracts as the
// Postgres store, version gates included, so concurrency behavior is real.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
	"github.com/ariefcatur/go-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

type Store struct {
	mu sync.RWMutex

	locations    map[string]inventory.Location
	stock        map[string]inventory.StockRecord // key: location/product
	overrides    map[string][]capacity.Override   // key: location
	counters     map[string]int                   // key: location|yyyy-mm-dd
	reservations map[string]reservation.Reservation
	leases       map[string]time.Time // reservation id -> lease expiry
	orders       map[string]orders.Order
	byExternal   map[string]string // external id -> order id
}

func New() *Store {
	return &Store{
		locations:    make(map[string]inventory.Location),
		stock:        make(map[string]inventory.StockRecord),
		overrides:    make(map[string][]capacity.Override),
		counters:     make(map[string]int),
		reservations: make(map[string]reservation.Reservation),
		leases:       make(map[string]time.Time),
		orders:       make(map[string]orders.Order),
		byExternal:   make(map[string]string),
	}
}

func stockKey(locationID, productID string) string { return locationID + "/" + productID }

func counterKey(locationID string, day time.Time) string {
	return locationID + "|" + day.UTC().Format("2006-01-02")
}

// --- seeding helpers (tests, local dev) ---

func (s *Store) AddLocation(loc inventory.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[loc.ID] = loc
}

func (s *Store) SetStock(locationID, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stockKey(locationID, productID)
	rec, ok := s.stock[key]
	if !ok {
		rec = inventory.StockRecord{LocationID: locationID, ProductID: productID, Version: 1}
	}
	rec.StockQuantity = qty
	rec.UpdatedAt = time.Now()
	s.stock[key] = rec
}

// --- inventory.StockStore ---

func (s *Store) GetStock(ctx context.Context, locationID, productID string) (inventory.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.stock[stockKey(locationID, productID)]
	if !ok {
		return inventory.StockRecord{}, fmt.Errorf("stock %s@%s: %w", productID, locationID, inventory.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) UpdateStock(ctx context.Context, rec inventory.StockRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stockKey(rec.LocationID, rec.ProductID)
	cur, ok := s.stock[key]
	if !ok {
		return fmt.Errorf("stock %s@%s: %w", rec.ProductID, rec.LocationID, inventory.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return inventory.ErrConflict
	}
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = time.Now()
	s.stock[key] = rec
	return nil
}

// --- inventory.LocationStore ---

func (s *Store) GetLocation(ctx context.Context, id string) (inventory.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[id]
	if !ok {
		return inventory.Location{}, fmt.Errorf("location %s: %w", id, inventory.ErrNotFound)
	}
	return loc, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]inventory.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]inventory.Location, 0, len(s.locations))
	for _, loc := range s.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- capacity.OverrideStore ---

func (s *Store) ListOverrides(ctx context.Context, locationID string) ([]capacity.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]capacity.Override(nil), s.overrides[locationID]...), nil
}

func (s *Store) InsertOverride(ctx context.Context, ov capacity.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[ov.LocationID] = append(s.overrides[ov.LocationID], ov)
	return nil
}

// --- capacity.CounterStore ---

func (s *Store) IncrementDaily(ctx context.Context, locationID string, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(locationID, day)
	s.counters[key]++
	return s.counters[key], nil
}

func (s *Store) DailyCount(ctx context.Context, locationID string, day time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[counterKey(locationID, day)], nil
}

// --- reservation.Store ---

func (s *Store) InsertReservation(ctx context.Context, r reservation.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reservations[r.ID]; exists {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	s.reservations[r.ID] = r
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return reservation.Reservation{}, fmt.Errorf("reservation %s: %w", id, inventory.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ReservationsByOrder(ctx context.Context, orderID string) ([]reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []reservation.Reservation
	for _, r := range s.reservations {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TransitionReservation(ctx context.Context, id string, from, to reservation.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return false, fmt.Errorf("reservation %s: %w", id, inventory.ErrNotFound)
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	s.reservations[id] = r
	return true, nil
}

func (s *Store) ClaimExpired(ctx context.Context, cutoff time.Time, lease time.Duration, limit int) ([]reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []reservation.Reservation
	for _, r := range s.reservations {
		if r.Status != reservation.StatusActive || !r.ExpiresAt.Before(cutoff) {
			continue
		}
		if until, leased := s.leases[r.ID]; leased && cutoff.Before(until) {
			continue // another claimer holds it
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(due[j].ExpiresAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for _, r := range due {
		s.leases[r.ID] = cutoff.Add(lease)
	}
	return due, nil
}

// --- orders.Store ---

func (s *Store) InsertOrder(ctx context.Context, o orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	// external_id carries a UNIQUE constraint in the schema; hold the same
	// line here so racing same-external-id checkouts cannot both insert.
	if o.ExternalID != "" {
		if other, exists := s.byExternal[o.ExternalID]; exists {
			return fmt.Errorf("order external_id=%s already exists as %s", o.ExternalID, other)
		}
		s.byExternal[o.ExternalID] = o.ID
	}
	s.orders[o.ID] = o
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	return o, nil
}

func (s *Store) GetOrderByExternalID(ctx context.Context, externalID string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return orders.Order{}, fmt.Errorf("order external_id=%s: %w", externalID, orders.ErrNotFound)
	}
	return s.orders[id], nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, to orders.Status, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	if o.Version != expectedVersion {
		return orders.ErrVersionConflict
	}
	o.Status = to
	o.Version = expectedVersion + 1
	o.UpdatedAt = time.Now()
	s.orders[id] = o
	return nil
}
