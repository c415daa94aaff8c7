package inventory

import "time"

type LocationStatus string

const (
	LocationActive      LocationStatus = "active"
	LocationInactive    LocationStatus = "inactive"
	LocationMaintenance LocationStatus = "maintenance"
)

// Location is a fulfillment point holding physical stock. Created and retired
// by fleet operators; the engine only reads it.
type Location struct {
	ID                string
	Priority          int // tie-break, lower wins
	Latitude          float64
	Longitude         float64
	Status            LocationStatus
	BaseShippingCents int
	BaseDailyCapacity int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StockRecord is the (location, product) counter pair. Version is the
// optimistic-locking column: every successful update bumps it by one, and
// writers must present the version they read.
type StockRecord struct {
	LocationID       string
	ProductID        string
	StockQuantity    int
	ReservedQuantity int
	Version          int64
	UpdatedAt        time.Time
}

// Available is what an allocation can still claim.
func (r StockRecord) Available() int { return r.StockQuantity - r.ReservedQuantity }
