package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
	"github.com/ariefcatur/go-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

// Store is the production persistence layer. Every optimistic update is a
// conditional UPDATE on the version column; zero rows affected means another
// writer won and maps to the package-level conflict sentinel. The reaper
// claim uses FOR UPDATE SKIP LOCKED so concurrent claimers never block or
// double-claim.
type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// --- inventory.StockStore ---

func (s *Store) GetStock(ctx context.Context, locationID, productID string) (inventory.StockRecord, error) {
	var rec inventory.StockRecord
	err := s.DB.QueryRow(ctx, `
		SELECT location_id, product_id, stock_quantity, reserved_quantity, version, updated_at
		FROM stock_records WHERE location_id=$1 AND product_id=$2`,
		locationID, productID,
	).Scan(&rec.LocationID, &rec.ProductID, &rec.StockQuantity, &rec.ReservedQuantity, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("stock %s@%s: %w", productID, locationID, inventory.ErrNotFound)
	}
	return rec, err
}

func (s *Store) UpdateStock(ctx context.Context, rec inventory.StockRecord, expectedVersion int64) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE stock_records
		SET stock_quantity=$3, reserved_quantity=$4, version=version+1, updated_at=now()
		WHERE location_id=$1 AND product_id=$2 AND version=$5`,
		rec.LocationID, rec.ProductID, rec.StockQuantity, rec.ReservedQuantity, expectedVersion)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return inventory.ErrConflict
	}
	return nil
}

// --- inventory.LocationStore ---

func (s *Store) GetLocation(ctx context.Context, id string) (inventory.Location, error) {
	var loc inventory.Location
	err := s.DB.QueryRow(ctx, `
		SELECT id, priority, latitude, longitude, status, base_shipping_cents, base_daily_capacity, created_at, updated_at
		FROM locations WHERE id=$1`, id,
	).Scan(&loc.ID, &loc.Priority, &loc.Latitude, &loc.Longitude, &loc.Status,
		&loc.BaseShippingCents, &loc.BaseDailyCapacity, &loc.CreatedAt, &loc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return loc, fmt.Errorf("location %s: %w", id, inventory.ErrNotFound)
	}
	return loc, err
}

func (s *Store) ListLocations(ctx context.Context) ([]inventory.Location, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, priority, latitude, longitude, status, base_shipping_cents, base_daily_capacity, created_at, updated_at
		FROM locations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.Location
	for rows.Next() {
		var loc inventory.Location
		if err := rows.Scan(&loc.ID, &loc.Priority, &loc.Latitude, &loc.Longitude, &loc.Status,
			&loc.BaseShippingCents, &loc.BaseDailyCapacity, &loc.CreatedAt, &loc.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// --- capacity.OverrideStore ---

func (s *Store) ListOverrides(ctx context.Context, locationID string) ([]capacity.Override, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, location_id, start_date, end_date, multiplier, hard_limit
		FROM capacity_overrides WHERE location_id=$1 ORDER BY start_date`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []capacity.Override
	for rows.Next() {
		var ov capacity.Override
		if err := rows.Scan(&ov.ID, &ov.LocationID, &ov.StartDate, &ov.EndDate, &ov.Multiplier, &ov.HardLimit); err != nil {
			return nil, err
		}
		out = append(out, ov)
	}
	return out, rows.Err()
}

func (s *Store) InsertOverride(ctx context.Context, ov capacity.Override) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO capacity_overrides(id, location_id, start_date, end_date, multiplier, hard_limit)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ov.ID, ov.LocationID, ov.StartDate, ov.EndDate, ov.Multiplier, ov.HardLimit)
	return err
}

// --- capacity.CounterStore (fallback when Redis is not in the picture) ---

func (s *Store) IncrementDaily(ctx context.Context, locationID string, day time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		INSERT INTO capacity_counters(location_id, capacity_reset_date, current_daily_orders)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (location_id, capacity_reset_date)
		DO UPDATE SET current_daily_orders = capacity_counters.current_daily_orders + 1
		RETURNING current_daily_orders`,
		locationID, day.UTC()).Scan(&n)
	return n, err
}

func (s *Store) DailyCount(ctx context.Context, locationID string, day time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT current_daily_orders FROM capacity_counters
		WHERE location_id=$1 AND capacity_reset_date=$2::date`,
		locationID, day.UTC()).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// --- reservation.Store ---

func (s *Store) InsertReservation(ctx context.Context, r reservation.Reservation) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO reservations(id, order_id, location_id, product_id, qty, status, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.OrderID, r.LocationID, r.ProductID, r.Quantity, r.Status, r.ExpiresAt, r.CreatedAt)
	return err
}

func (s *Store) GetReservation(ctx context.Context, id string) (reservation.Reservation, error) {
	var r reservation.Reservation
	err := s.DB.QueryRow(ctx, `
		SELECT id, order_id, location_id, product_id, qty, status, expires_at, created_at
		FROM reservations WHERE id=$1`, id,
	).Scan(&r.ID, &r.OrderID, &r.LocationID, &r.ProductID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("reservation %s: %w", id, inventory.ErrNotFound)
	}
	return r, err
}

func (s *Store) ReservationsByOrder(ctx context.Context, orderID string) ([]reservation.Reservation, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, location_id, product_id, qty, status, expires_at, created_at
		FROM reservations WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reservation.Reservation
	for rows.Next() {
		var r reservation.Reservation
		if err := rows.Scan(&r.ID, &r.OrderID, &r.LocationID, &r.ProductID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) TransitionReservation(ctx context.Context, id string, from, to reservation.Status) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE reservations SET status=$3 WHERE id=$1 AND status=$2`,
		id, from, to)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *Store) ClaimExpired(ctx context.Context, cutoff time.Time, lease time.Duration, limit int) ([]reservation.Reservation, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, order_id, location_id, product_id, qty, status, expires_at, created_at
		FROM reservations
		WHERE status='active' AND expires_at < $1 AND (lease_until IS NULL OR lease_until < $1)
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	var claimed []reservation.Reservation
	for rows.Next() {
		var r reservation.Reservation
		if err := rows.Scan(&r.ID, &r.OrderID, &r.LocationID, &r.ProductID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range claimed {
		if _, err := tx.Exec(ctx, `UPDATE reservations SET lease_until=$2 WHERE id=$1`, r.ID, cutoff.Add(lease)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

// --- orders.Store ---

func (s *Store) InsertOrder(ctx context.Context, o orders.Order) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, external_id, user_id, status, version, total_cents, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.ExternalID, o.UserID, o.Status, o.Version, o.TotalCents, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, location_id, qty, price_cents)
			VALUES ($1,$2,$3,$4,$5)`,
			o.ID, it.ProductID, it.LocationID, it.Quantity, it.PriceCents); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	var o orders.Order
	err := s.DB.QueryRow(ctx, `
		SELECT id, external_id, user_id, status, version, total_cents, created_at, updated_at
		FROM orders WHERE id=$1`, id,
	).Scan(&o.ID, &o.ExternalID, &o.UserID, &o.Status, &o.Version, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return o, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	if err != nil {
		return o, err
	}
	o.Items, err = s.orderItems(ctx, id)
	return o, err
}

func (s *Store) GetOrderByExternalID(ctx context.Context, externalID string) (orders.Order, error) {
	var id string
	err := s.DB.QueryRow(ctx, `SELECT id FROM orders WHERE external_id=$1`, externalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("order external_id=%s: %w", externalID, orders.ErrNotFound)
	}
	if err != nil {
		return orders.Order{}, err
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) orderItems(ctx context.Context, orderID string) ([]orders.LineItem, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT product_id, location_id, qty, price_cents FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.LineItem
	for rows.Next() {
		var it orders.LineItem
		if err := rows.Scan(&it.ProductID, &it.LocationID, &it.Quantity, &it.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, to orders.Status, expectedVersion int64) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE orders SET status=$2, version=version+1, updated_at=now()
		WHERE id=$1 AND version=$3`,
		id, to, expectedVersion)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return orders.ErrVersionConflict
	}
	return nil
}
