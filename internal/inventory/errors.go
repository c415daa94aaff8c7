package inventory

import "errors"

var (
	// ErrConflict: the stored version no longer matches what the caller read.
	ErrConflict = errors.New("stock version conflict")

	// ErrInsufficientStock: the adjustment would push reserved past stock.
	ErrInsufficientStock = errors.New("insufficient stock")

	ErrNotFound = errors.New("stock record not found")
)
