package inventory

import (
	"context"
	"fmt"
)

// Ledger owns every mutation of StockRecord counters. Nothing else in the
// engine writes stock or reserved quantities directly.
//
// Invariant, at every observable instant: 0 <= reserved <= stock.
type Ledger struct {
	store       StockStore
	maxAttempts int
}

func NewLedger(store StockStore, maxAttempts int) *Ledger {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Ledger{store: store, maxAttempts: maxAttempts}
}

func (l *Ledger) Stock(ctx context.Context, locationID, productID string) (StockRecord, error) {
	return l.store.GetStock(ctx, locationID, productID)
}

// Available returns stock - reserved. Never negative by invariant.
func (l *Ledger) Available(ctx context.Context, locationID, productID string) (int, error) {
	rec, err := l.store.GetStock(ctx, locationID, productID)
	if err != nil {
		return 0, err
	}
	return rec.Available(), nil
}

// AdjustReserved is the single-shot CAS: move reserved by delta iff the row
// still carries expectedVersion and the result stays within [0, stock].
// Positive deltas that would overrun stock fail with ErrInsufficientStock;
// negative deltas that would undershoot zero are a programming error.
func (l *Ledger) AdjustReserved(ctx context.Context, locationID, productID string, delta int, expectedVersion int64) error {
	rec, err := l.store.GetStock(ctx, locationID, productID)
	if err != nil {
		return err
	}
	if rec.Version != expectedVersion {
		return ErrConflict
	}
	next := rec.ReservedQuantity + delta
	if next > rec.StockQuantity {
		return fmt.Errorf("reserve %d of %s at %s: %w", delta, productID, locationID, ErrInsufficientStock)
	}
	if next < 0 {
		return fmt.Errorf("release %d of %s at %s would drop reserved below zero", -delta, productID, locationID)
	}
	rec.ReservedQuantity = next
	return l.store.UpdateStock(ctx, rec, expectedVersion)
}

// Reserve holds qty against the row, refetching the version and retrying a
// bounded number of times when a concurrent writer wins the CAS.
func (l *Ledger) Reserve(ctx context.Context, locationID, productID string, qty int) error {
	return withRetry(ctx, l.maxAttempts, func() error {
		rec, err := l.store.GetStock(ctx, locationID, productID)
		if err != nil {
			return err
		}
		return l.AdjustReserved(ctx, locationID, productID, qty, rec.Version)
	})
}

// ReleaseReserved undoes a hold of qty. Used by release paths and by the
// compensating rollback when a multi-leg reserve fails partway.
func (l *Ledger) ReleaseReserved(ctx context.Context, locationID, productID string, qty int) error {
	return withRetry(ctx, l.maxAttempts, func() error {
		rec, err := l.store.GetStock(ctx, locationID, productID)
		if err != nil {
			return err
		}
		return l.AdjustReserved(ctx, locationID, productID, -qty, rec.Version)
	})
}

// CommitReserved turns a hold into a sale: stock and reserved both drop by
// qty in one write, so the invariant never transiently breaks for readers
// outside the update.
func (l *Ledger) CommitReserved(ctx context.Context, locationID, productID string, qty int) error {
	return withRetry(ctx, l.maxAttempts, func() error {
		rec, err := l.store.GetStock(ctx, locationID, productID)
		if err != nil {
			return err
		}
		if rec.ReservedQuantity < qty {
			return fmt.Errorf("commit %d of %s at %s: only %d reserved", qty, productID, locationID, rec.ReservedQuantity)
		}
		expected := rec.Version
		rec.StockQuantity -= qty
		rec.ReservedQuantity -= qty
		return l.store.UpdateStock(ctx, rec, expected)
	})
}

// Restock adds qty back to stock (refund/restock paths).
func (l *Ledger) Restock(ctx context.Context, locationID, productID string, qty int) error {
	return withRetry(ctx, l.maxAttempts, func() error {
		rec, err := l.store.GetStock(ctx, locationID, productID)
		if err != nil {
			return err
		}
		expected := rec.Version
		rec.StockQuantity += qty
		return l.store.UpdateStock(ctx, rec, expected)
	})
}
