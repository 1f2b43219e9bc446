// Package stock keeps on-hand counters per product and location and refuses
// to let them go negative under concurrent decrements.
package stock

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Counter is the on-hand quantity for a product at a location.
type Counter struct {
	ProductCode string
	Location    string
	OnHand      decimal.Decimal
	UpdatedAt   time.Time
}

var (
	// ErrInsufficientStock indicates a decrement larger than on-hand.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrInvalidQuantity indicates a zero or negative movement.
	ErrInvalidQuantity = errors.New("stock: quantity must be positive")
	// ErrCounterNotFound indicates no counter row exists.
	ErrCounterNotFound = errors.New("stock: counter not found")
)
