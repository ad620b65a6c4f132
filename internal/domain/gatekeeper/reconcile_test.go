package gatekeeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/identity"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/order"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

func newTestOrder(id, userID int64, status string, created time.Time, codes ...string) *order.Order {
	o := &order.Order{
		ID:        id,
		UserID:    userID,
		Status:    status,
		CreatedAt: created,
		Lines: []order.Line{
			{ProductID: "p1", Quantity: 2, Price: decimal.RequireFromString("10.00")},
		},
	}
	for _, c := range codes {
		o.Coupons = append(o.Coupons, order.AppliedCoupon{Code: c, Discount: decimal.RequireFromString("5.00")})
	}
	o.CalculateTotals()
	return o
}

func newTestReconciler(t *testing.T, s settings.Settings, ledger *memLedger, orders *mockOrderRepo, now time.Time) *Reconciler {
	t.Helper()
	r, err := NewReconciler(&staticSettings{s: s}, ledger, orders, Config{})
	require.NoError(t, err)
	r.now = fixedClock(now)
	return r
}

func TestReconciler_Reconcile(t *testing.T) {
	created := time.Date(2025, time.June, 27, 10, 0, 0, 0, time.UTC)
	june := usage.Month("2025-06")

	tests := []struct {
		name        string
		settings    func(s *settings.Settings)
		ledger      func(l *memLedger)
		order       *order.Order
		wantRemoved []string
		wantCoupons []string
		wantSaved   bool
		// wantCount is the summer27 count for june afterwards, checked when
		// non-zero.
		wantCount   int
	}{
		{
			name:        "under limit keeps coupon",
			order:       newTestOrder(1, 7, "pending", created, "SUMMER27"),
			wantCoupons: []string{"SUMMER27"},
		},
		{
			name:        "at limit strips coupon",
			ledger:      func(l *memLedger) { l.counts[ledgerKey{"summer27", "user:7", june}] = 1 },
			order:       newTestOrder(1, 7, "pending", created, "SUMMER27", "other"),
			wantRemoved: []string{"summer27"},
			wantCoupons: []string{"other"},
			wantSaved:   true,
		},
		{
			name:        "counted order does not count against itself",
			ledger:      func(l *memLedger) { l.counts[ledgerKey{"summer27", "user:7", june}] = 1 },
			order:       newTestOrder(1, 7, "processing", created, "summer27"),
			wantCoupons: []string{"summer27"},
		},
		{
			name:        "counted order over limit stripped",
			ledger:      func(l *memLedger) { l.counts[ledgerKey{"summer27", "user:7", june}] = 2 },
			order:       newTestOrder(1, 7, "wc-processing", created, "summer27"),
			wantRemoved: []string{"summer27"},
			wantCoupons: []string{},
			wantSaved:   true,
			wantCount:   1,
		},
		{
			name:        "uses the order month",
			ledger:      func(l *memLedger) { l.counts[ledgerKey{"summer27", "user:7", "2025-05"}] = 1 },
			order:       newTestOrder(1, 7, "pending", time.Date(2025, time.May, 31, 0, 0, 0, 0, time.UTC), "summer27"),
			wantRemoved: []string{"summer27"},
			wantCoupons: []string{},
			wantSaved:   true,
		},
		{
			name:        "unmanaged coupon untouched",
			ledger:      func(l *memLedger) { l.counts[ledgerKey{"other", "user:7", june}] = 5 },
			order:       newTestOrder(1, 7, "pending", created, "other"),
			wantCoupons: []string{"other"},
		},
		{
			name:        "monthly limit disabled",
			settings:    func(s *settings.Settings) { s.MonthlyLimit = false },
			ledger:      func(l *memLedger) { l.counts[ledgerKey{"summer27", "user:7", june}] = 5 },
			order:       newTestOrder(1, 7, "pending", created, "summer27"),
			wantCoupons: []string{"summer27"},
		},
		{
			name:        "unidentifiable order skipped",
			order:       newTestOrder(1, 0, "pending", created, "summer27"),
			wantCoupons: []string{"summer27"},
		},
		{
			name:        "ledger failure keeps coupon",
			ledger:      func(l *memLedger) { l.countErr = errors.New("db down") },
			order:       newTestOrder(1, 7, "pending", created, "summer27"),
			wantCoupons: []string{"summer27"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := managedSettings("summer27")
			if tt.settings != nil {
				tt.settings(&s)
			}
			ledger := newMemLedger()
			if tt.ledger != nil {
				tt.ledger(ledger)
			}
			orders := newMockOrderRepo()
			r := newTestReconciler(t, s, ledger, orders, created)

			res, err := r.Reconcile(context.Background(), tt.order)
			require.NoError(t, err)

			assert.Equal(t, tt.wantRemoved, res.Removed)
			got := tt.order.CouponCodes()
			if len(tt.wantCoupons) == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.wantCoupons, got)
			}
			if tt.wantSaved {
				assert.Equal(t, 1, orders.saves)
				require.Len(t, res.Notices, len(tt.wantRemoved))
				assert.Equal(t, NoticeError, res.Notices[0].Level)
				notes := len(tt.wantRemoved)
				if s.IsCountStatus(tt.order.Status) {
					// A counted order also gets a note for the usage given back.
					notes *= 2
				}
				assert.Len(t, tt.order.Notes, notes)
			} else {
				assert.Zero(t, orders.saves)
				assert.Empty(t, res.Notices)
				assert.Empty(t, tt.order.Notes)
			}
			if tt.wantCount != 0 {
				assert.Equal(t, tt.wantCount, ledger.get("summer27", "user:7", june))
			}
		})
	}
}

func TestReconciler_RecalculatesTotals(t *testing.T) {
	created := time.Date(2025, time.June, 27, 10, 0, 0, 0, time.UTC)
	ledger := newMemLedger()
	ledger.counts[ledgerKey{"summer27", "user:7", "2025-06"}] = 1

	o := newTestOrder(3, 7, "pending", created, "summer27")
	require.True(t, o.Total.Equal(decimal.RequireFromString("15.00")))

	r := newTestReconciler(t, managedSettings("summer27"), ledger, newMockOrderRepo(), created)
	_, err := r.Reconcile(context.Background(), o)
	require.NoError(t, err)

	assert.True(t, o.DiscountTotal.IsZero())
	assert.True(t, o.Total.Equal(decimal.RequireFromString("20.00")))
	require.Len(t, o.Notes, 1)
	assert.Contains(t, o.Notes[0].Text, `"summer27" was automatically removed`)
	assert.Contains(t, o.Notes[0].Text, settings.DefaultLimitReachedMessage)
}

func TestReconciler_SaveError(t *testing.T) {
	created := time.Date(2025, time.June, 27, 10, 0, 0, 0, time.UTC)
	ledger := newMemLedger()
	ledger.counts[ledgerKey{"summer27", "user:7", "2025-06"}] = 1
	orders := newMockOrderRepo()
	orders.saveErr = errors.New("write failed")

	r := newTestReconciler(t, managedSettings("summer27"), ledger, orders, created)
	res, err := r.Reconcile(context.Background(), newTestOrder(3, 7, "pending", created, "summer27"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save order")
	assert.Equal(t, []string{"summer27"}, res.Removed)
}

// Two carts pass validation for the same customer before either order is
// placed. The first order to reach a counting status consumes the monthly
// allowance and the second loses the coupon at checkout.
func TestReconciler_ConcurrentCartsAtLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, time.June, 27, 10, 0, 0, 0, time.UTC)
	s := managedSettings("summer27")
	src := &staticSettings{s: s}
	ledger := newMemLedger()
	orders := newMockOrderRepo()

	v, err := NewValidator(src, ledger, Config{})
	require.NoError(t, err)
	v.now = fixedClock(now)

	first := newTestOrder(100, 7, "pending", now, "summer27")
	second := newTestOrder(101, 7, "pending", now, "summer27")

	for range 2 {
		out, err := v.Validate(ctx, Attempt{Valid: true, Code: "summer27", Session: identity.Session{UserID: 7}})
		require.NoError(t, err)
		require.Equal(t, StateAccepted, out.State)
	}

	rec := newTestRecorder(t, src, ledger, orders, now)
	res, err := rec.HandleStatusChange(ctx, StatusChange{From: "pending", To: "processing", Order: first})
	require.NoError(t, err)
	require.Equal(t, ActionIncrement, res.Action)
	require.Equal(t, 1, ledger.get("summer27", "user:7", "2025-06"))

	r := newTestReconciler(t, s, ledger, orders, now)

	// The counted first order keeps its coupon.
	kept, err := r.Reconcile(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, kept.Removed)

	stripped, err := r.Reconcile(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []string{"summer27"}, stripped.Removed)
	assert.Empty(t, second.Coupons)

	// Entering a counting status without the coupon leaves the ledger alone.
	res, err = rec.HandleStatusChange(ctx, StatusChange{From: "pending", To: "processing", Order: second})
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
	assert.Equal(t, 1, ledger.get("summer27", "user:7", "2025-06"))
}

// Both orders reach a counting status before either is reconciled. The
// second loses the coupon, and with it the usage it recorded, so a later
// cancellation of that order cannot leave a stale count behind.
func TestReconciler_StrippedCountedOrderReleasesUsage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, time.June, 27, 10, 0, 0, 0, time.UTC)
	s := managedSettings("summer27")
	ledger := newMemLedger()
	orders := newMockOrderRepo()

	first := newTestOrder(110, 7, "pending", now, "summer27")
	second := newTestOrder(111, 7, "pending", now, "summer27")

	rec := newTestRecorder(t, &staticSettings{s: s}, ledger, orders, now)
	for _, o := range []*order.Order{first, second} {
		res, err := rec.HandleStatusChange(ctx, StatusChange{From: "pending", To: "processing", Order: o})
		require.NoError(t, err)
		require.Equal(t, ActionIncrement, res.Action)
	}
	require.Equal(t, 2, ledger.get("summer27", "user:7", "2025-06"))

	r := newTestReconciler(t, s, ledger, orders, now)
	res, err := r.Reconcile(ctx, second)
	require.NoError(t, err)
	require.Equal(t, []string{"summer27"}, res.Removed)
	assert.Equal(t, 1, ledger.get("summer27", "user:7", "2025-06"))
	assert.Equal(t, fmt.Sprintf(noteDecremented, "summer27", usage.Month("2025-06")), second.Notes[len(second.Notes)-1].Text)

	cancelled, err := rec.HandleStatusChange(ctx, StatusChange{From: "processing", To: "cancelled", Order: second})
	require.NoError(t, err)
	assert.Equal(t, ActionNone, cancelled.Action)
	assert.Equal(t, 1, ledger.get("summer27", "user:7", "2025-06"), "only the first order holds usage")

	kept, err := r.Reconcile(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, kept.Removed)
}

func TestReconciler_ReleaseFailure(t *testing.T) {
	created := time.Date(2025, time.June, 27, 10, 0, 0, 0, time.UTC)
	ledger := newMemLedger()
	ledger.counts[ledgerKey{"summer27", "user:7", "2025-06"}] = 2
	ledger.decErr = errors.New("db down")

	o := newTestOrder(112, 7, "processing", created, "summer27")
	r := newTestReconciler(t, managedSettings("summer27"), ledger, newMockOrderRepo(), created)
	res, err := r.Reconcile(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, []string{"summer27"}, res.Removed)
	require.Len(t, o.Notes, 2)
	assert.Equal(t, fmt.Sprintf(noteDecFailed, "summer27"), o.Notes[1].Text)
}
