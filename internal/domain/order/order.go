// Package order mirrors the host shop's orders: the fields the gatekeeper
// reads (customer identity, status, creation date, coupons) and the
// mutations it performs (removing a coupon, recalculating totals, adding
// notes).
package order

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/identity"
)

// ErrNotFound is returned when an order is not in the mirror.
var ErrNotFound = fmt.Errorf("order not found")

// Order is a customer order as reported by the shop.
type Order struct {
	ID           int64
	UserID       int64
	BillingEmail string
	Status       string
	CreatedAt    time.Time
	Lines        []Line
	Coupons      []AppliedCoupon
	Notes        []Note

	Subtotal      decimal.Decimal
	DiscountTotal decimal.Decimal
	Total         decimal.Decimal
}

// Line is a single order line.
type Line struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// AppliedCoupon is a coupon applied to the order with the discount it grants.
type AppliedCoupon struct {
	Code     string          `json:"code"`
	Discount decimal.Decimal `json:"discount"`
}

// Note is an audit note attached to the order.
type Note struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository defines persistence operations for mirrored orders.
type Repository interface {
	Get(ctx context.Context, id int64) (*Order, error)
	Save(ctx context.Context, o *Order) error
}

// Identity returns the identity fields used for customer key derivation.
func (o *Order) Identity() identity.Order {
	return identity.Order{UserID: o.UserID, BillingEmail: o.BillingEmail}
}

// CouponCodes returns the codes of the applied coupons in order.
func (o *Order) CouponCodes() []string {
	codes := make([]string, len(o.Coupons))
	for i, c := range o.Coupons {
		codes[i] = c.Code
	}
	return codes
}

// RemoveCoupon drops the coupon (case-insensitive) and reports whether it
// was present. Totals are not recalculated.
func (o *Order) RemoveCoupon(code string) bool {
	n := len(o.Coupons)
	o.Coupons = slices.DeleteFunc(o.Coupons, func(c AppliedCoupon) bool {
		return strings.EqualFold(c.Code, code)
	})
	return len(o.Coupons) != n
}

// CalculateTotals recomputes subtotal, discount and total from lines and
// coupons. The discount never exceeds the subtotal and the total is floored
// at zero; amounts are rounded to 2 decimal places.
func (o *Order) CalculateTotals() {
	subtotal := decimal.Zero
	for _, l := range o.Lines {
		subtotal = subtotal.Add(l.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}

	discount := decimal.Zero
	for _, c := range o.Coupons {
		discount = discount.Add(c.Discount)
	}
	discount = decimal.Min(discount, subtotal)
	if discount.IsNegative() {
		discount = decimal.Zero
	}

	total := subtotal.Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	o.Subtotal = subtotal.Round(2)
	o.DiscountTotal = discount.Round(2)
	o.Total = total.Round(2)
}

// AddNote appends an audit note.
func (o *Order) AddNote(text string, at time.Time) {
	o.Notes = append(o.Notes, Note{Text: text, CreatedAt: at})
}
