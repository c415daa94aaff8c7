package redisx

import "time"

const (
	// Order status cache: order_status:{order_id} -> {"status":"...","version":N}
	KeyOrderStatus = "order_status:%s"

	// Dedup for payment outcome processing: dedup:{service}:{idempotency_key}
	KeyDedup = "dedup:%s:%s"

	// Daily capacity counter: cap:{location_id}:{yyyy-mm-dd}. The date in the
	// key is the lazy reset: a new day reads a fresh counter, the old one
	// just expires.
	KeyCapacityCounter = "cap:%s:%s"

	// Checkout idempotency: idem:checkout:{external_id} -> order_id
	KeyIdemCheckout = "idem:checkout:%s"
)

var (
	TTLStatusCache     = 5 * time.Minute
	TTLDedup           = 48 * time.Hour
	TTLCapacityCounter = 72 * time.Hour
	TTLIdempotency     = 24 * time.Hour
)
