package inventory

import "context"

// StockStore is the persistence boundary for stock counters. Implementations
// must make UpdateStock a compare-and-set: the write applies iff the stored
// version equals expectedVersion, and a successful write bumps the version.
// Zero rows touched means another writer got there first -> ErrConflict.
type StockStore interface {
	GetStock(ctx context.Context, locationID, productID string) (StockRecord, error)
	UpdateStock(ctx context.Context, rec StockRecord, expectedVersion int64) error
}

type LocationStore interface {
	GetLocation(ctx context.Context, id string) (Location, error)
	ListLocations(ctx context.Context) ([]Location, error)
}
