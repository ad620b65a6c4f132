package gatekeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/identity"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/order"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

// Reconciliation is the result of re-checking a placed order.
type Reconciliation struct {
	// Removed lists the coupon codes stripped from the order.
	Removed []string
	Notices []Notice
}

// Reconciler re-validates monthly limits once an order exists. Carts that
// were accepted provisionally, or concurrently at the limit boundary, lose
// the offending coupons here.
type Reconciler struct {
	settings settings.Source
	ledger   usage.Ledger
	orders   order.Repository
	cfg      Config
	metrics  *metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(src settings.Source, ledger usage.Ledger, orders order.Repository, cfg Config) (*Reconciler, error) {
	cfg = cfg.withDefaults()
	m, err := newMetrics(cfg.Meter)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		settings: src,
		ledger:   ledger,
		orders:   orders,
		cfg:      cfg,
		metrics:  m,
		tracer:   cfg.Tracer.Tracer(instrumentationName),
		now:      time.Now,
	}, nil
}

// Reconcile checks every managed coupon on o against the ledger for the
// order's month. Coupons at or over the limit are removed, totals are
// recalculated, an audit note is added per coupon and the order is saved.
//
// When o is already in a counting status its own usage is part of the
// ledger count, so the coupon is removed only when the count exceeds the
// limit, and removing it gives that usage back.
func (r *Reconciler) Reconcile(ctx context.Context, o *order.Order) (Reconciliation, error) {
	ctx, span := r.tracer.Start(ctx, "gatekeeper.Reconcile",
		trace.WithAttributes(attribute.Int64("order.id", o.ID)),
	)
	defer span.End()

	var res Reconciliation

	s, err := r.settings.Get(ctx)
	if err != nil {
		return res, errors.Wrap(err, "get settings")
	}
	if !s.MonthlyLimit || len(o.Coupons) == 0 {
		return res, nil
	}

	key := identity.NewResolver(s, r.cfg.Salt).FromOrder(o.Identity())
	if key == "" {
		return res, nil
	}

	now := r.now().In(r.cfg.Location)
	month := orderMonth(o, now, r.cfg.Location)
	counted := s.IsCountStatus(o.Status)
	lg := r.cfg.Logger.With(zap.Int64("order_id", o.ID), zap.String("month", month.String()))

	for _, raw := range o.CouponCodes() {
		code := settings.NormalizeCode(raw)
		if !s.IsManaged(code) {
			continue
		}

		count, err := r.ledger.Count(ctx, code, key, month)
		if err != nil {
			lg.Warn("Usage lookup failed during reconciliation", zap.String("coupon", code), zap.Error(err))
			continue
		}
		if counted {
			count--
		}
		if count < s.LimitFor(code) {
			continue
		}

		o.RemoveCoupon(raw)
		o.AddNote(fmt.Sprintf("Coupon %q was automatically removed: %s", code, s.Messages.LimitReached), now)
		res.Removed = append(res.Removed, code)
		res.Notices = append(res.Notices, Notice{
			Level:   NoticeError,
			Message: fmt.Sprintf("Coupon %q was removed from your order: %s", code, s.Messages.LimitReached),
		})
		r.metrics.stripped.Add(ctx, 1, metric.WithAttributes(attribute.String("coupon", code)))
		lg.Info("Coupon removed from order over monthly limit", zap.String("coupon", code), zap.Int("count", count))

		if counted {
			r.release(ctx, lg, o, code, key, month, now)
		}
	}

	if len(res.Removed) == 0 {
		return res, nil
	}

	o.CalculateTotals()
	if err := r.orders.Save(ctx, o); err != nil {
		return res, errors.Wrap(err, "save order")
	}
	return res, nil
}

// release decrements the usage a counted order recorded for a coupon that
// was just stripped from it. Once the coupon is gone a later cancellation
// no longer sees it, so this is the only chance to give the usage back.
func (r *Reconciler) release(ctx context.Context, lg *zap.Logger, o *order.Order, code, key string, month usage.Month, now time.Time) {
	err := r.ledger.Decrement(ctx, code, key, o.ID, month)
	r.metrics.mutation(ctx, string(ActionDecrement), err)
	if err != nil {
		lg.Error("Usage decrement failed for stripped coupon", zap.String("coupon", code), zap.Error(err))
		o.AddNote(fmt.Sprintf(noteDecFailed, code), now)
		return
	}
	o.AddNote(fmt.Sprintf(noteDecremented, code, month), now)
}

// orderMonth buckets usage by the order's creation date in the shop
// timezone, falling back to now when the order carries no date.
func orderMonth(o *order.Order, now time.Time, loc *time.Location) usage.Month {
	if o.CreatedAt.IsZero() {
		return usage.MonthOf(now)
	}
	return usage.MonthOf(o.CreatedAt.In(loc))
}
