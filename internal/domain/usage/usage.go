// Package usage describes the coupon usage ledger: counters keyed by
// (coupon, customer, month) with atomic increment and decrement, retention
// cleanup and the read surface used by administrators.
package usage

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrInvalidMonth is returned when a month string is not in YYYY-MM form.
var ErrInvalidMonth = errors.New("invalid month")

// Record is one ledger row.
type Record struct {
	ID          int64
	CouponCode  string
	CustomerKey string
	Month       Month
	Count       int
	LastOrderID *int64
	UpdatedAt   time.Time
}

// Ledger is the persistent usage counter store.
//
// Coupon codes are expected lowercase. Increment and Decrement must be
// single atomic statements: concurrent calls for the same key never lose
// updates and Count never goes below zero.
type Ledger interface {
	// Count returns the current count, 0 when no record exists.
	Count(ctx context.Context, coupon, customerKey string, month Month) (int, error)
	// Increment creates or increments the record and stamps orderID.
	Increment(ctx context.Context, coupon, customerKey string, orderID int64, month Month) error
	// Decrement decrements a positive count. A missing record or a zero count
	// is a successful no-op.
	Decrement(ctx context.Context, coupon, customerKey string, orderID int64, month Month) error
	// Cleanup deletes records older than retentionMonths before now's month
	// and returns the number of deleted rows.
	Cleanup(ctx context.Context, retentionMonths int, now time.Time) (int64, error)
	// Reset sets the count of one record to zero without deleting it.
	Reset(ctx context.Context, coupon, customerKey string, month Month) error
}

// Filter narrows administrative listings. Zero values mean "any".
type Filter struct {
	// Month matches exactly.
	Month Month
	// Coupon is a case-insensitive substring of the coupon code.
	Coupon string
	// Customer is a substring of the customer key.
	Customer string
	MinCount *int
	MaxCount *int
}

// Browser is the read and bulk-reset surface for administrators.
type Browser interface {
	// List returns records matching f ordered by most recently updated.
	List(ctx context.Context, f Filter, offset, limit int) ([]Record, error)
	// CountFiltered returns the number of records matching f.
	CountFiltered(ctx context.Context, f Filter) (int64, error)
	// ResetByIDs sets the count of the given records to zero.
	ResetByIDs(ctx context.Context, ids []int64) (int64, error)
	// History returns the most recent months of one customer's usage of one
	// coupon, newest first.
	History(ctx context.Context, coupon, customerKey string, months int) ([]Record, error)
}

// Admin listing limits.
const (
	HistoryMonths   = 12
	ExportMaxRows   = 10000
	AvailableMonths = 24
)
