package gatekeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/dedup"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/identity"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/order"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

// Order notes written by the recorder.
const (
	noteUnresolved  = "Coupon Gatekeeper: Could not determine customer identifier for usage tracking."
	noteIncremented = "Coupon Gatekeeper: Usage incremented for %q in %s."
	noteIncFailed   = "Coupon Gatekeeper: Failed to increment usage for %q."
	noteDecremented = "Coupon Gatekeeper: Usage decremented for %q in %s."
	noteDecFailed   = "Coupon Gatekeeper: Failed to decrement usage for %q."
)

// Action taken for a status transition.
type Action string

// Recorder actions.
const (
	ActionNone      Action = "none"
	ActionDuplicate Action = "duplicate"
	ActionIncrement Action = "increment"
	ActionDecrement Action = "decrement"
)

// StatusChange is an order status transition reported by the shop.
type StatusChange struct {
	From  string
	To    string
	Order *order.Order
	// DeliveryID identifies one webhook delivery and is repeated on every
	// redelivery of it. Empty means the change is not deduplicated.
	DeliveryID string
}

// Recording is the result of handling a status change.
type Recording struct {
	Action Action
	Month  usage.Month
	// Coupons lists the managed coupons the ledger was updated for.
	Coupons []string
	// Failed lists managed coupons whose ledger update failed.
	Failed []string
}

// Recorder updates the usage ledger on order status transitions.
type Recorder struct {
	settings settings.Source
	ledger   usage.Ledger
	orders   order.Repository
	dedup    dedup.Deduper
	cfg      Config
	metrics  *metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(
	src settings.Source,
	ledger usage.Ledger,
	orders order.Repository,
	deduper dedup.Deduper,
	cfg Config,
) (*Recorder, error) {
	cfg = cfg.withDefaults()
	m, err := newMetrics(cfg.Meter)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		settings: src,
		ledger:   ledger,
		orders:   orders,
		dedup:    deduper,
		cfg:      cfg,
		metrics:  m,
		tracer:   cfg.Tracer.Tracer(instrumentationName),
		now:      time.Now,
	}, nil
}

// HandleStatusChange increments usage when the order enters a counting
// status from a non-counting one and decrements it when the order moves from
// a counting status to a releasing one. Redeliveries of a webhook that
// already updated the ledger are ignored; the same transition arriving in a
// new delivery is counted again.
//
// Ledger failures never fail the call: they are logged and written to the
// order as notes. The order is saved whenever a note was added.
func (r *Recorder) HandleStatusChange(ctx context.Context, c StatusChange) (Recording, error) {
	o := c.Order
	from := settings.NormalizeStatus(c.From)
	to := settings.NormalizeStatus(c.To)

	ctx, span := r.tracer.Start(ctx, "gatekeeper.HandleStatusChange", trace.WithAttributes(
		attribute.Int64("order.id", o.ID),
		attribute.String("order.status.from", from),
		attribute.String("order.status.to", to),
	))
	defer span.End()

	lg := r.cfg.Logger.With(
		zap.Int64("order_id", o.ID),
		zap.String("from", from),
		zap.String("to", to),
	)

	s, err := r.settings.Get(ctx)
	if err != nil {
		return Recording{Action: ActionNone}, errors.Wrap(err, "get settings")
	}

	var action Action
	switch {
	case s.IsCountStatus(to) && !s.IsCountStatus(from):
		action = ActionIncrement
	case s.IsDecrementStatus(to) && s.IsCountStatus(from):
		action = ActionDecrement
	default:
		return Recording{Action: ActionNone}, nil
	}

	var managed []string
	for _, raw := range o.CouponCodes() {
		if code := settings.NormalizeCode(raw); s.IsManaged(code) {
			managed = append(managed, code)
		}
	}
	if len(managed) == 0 {
		return Recording{Action: ActionNone}, nil
	}

	claim, first := r.claim(ctx, lg, c.DeliveryID, o.ID, from, to)
	if !first {
		return Recording{Action: ActionDuplicate}, nil
	}

	now := r.now().In(r.cfg.Location)
	rec := Recording{Action: action, Month: orderMonth(o, now, r.cfg.Location)}
	o.Status = to

	key := identity.NewResolver(s, r.cfg.Salt).FromOrder(o.Identity())
	if key == "" {
		if action == ActionIncrement {
			lg.Warn("Customer key unresolved, usage not tracked")
			o.AddNote(noteUnresolved, now)
			return rec, r.save(ctx, o)
		}
		return rec, nil
	}

	for _, code := range managed {
		switch action {
		case ActionIncrement:
			err := r.ledger.Increment(ctx, code, key, o.ID, rec.Month)
			r.metrics.mutation(ctx, string(action), err)
			if err != nil {
				lg.Error("Usage increment failed", zap.String("coupon", code), zap.Error(err))
				o.AddNote(fmt.Sprintf(noteIncFailed, code), now)
				rec.Failed = append(rec.Failed, code)
				continue
			}
			o.AddNote(fmt.Sprintf(noteIncremented, code, rec.Month), now)
		case ActionDecrement:
			err := r.ledger.Decrement(ctx, code, key, o.ID, rec.Month)
			r.metrics.mutation(ctx, string(action), err)
			if err != nil {
				lg.Error("Usage decrement failed", zap.String("coupon", code), zap.Error(err))
				rec.Failed = append(rec.Failed, code)
				continue
			}
			o.AddNote(fmt.Sprintf(noteDecremented, code, rec.Month), now)
		}
		rec.Coupons = append(rec.Coupons, code)
	}

	if len(rec.Coupons) == 0 {
		// Nothing reached the ledger: let a redelivery try again.
		r.release(ctx, lg, claim)
	}
	return rec, r.save(ctx, o)
}

// claim reserves the delivery so that redeliveries are reported as
// duplicates. It returns the claimed key, empty when nothing was claimed.
func (r *Recorder) claim(ctx context.Context, lg *zap.Logger, deliveryID string, orderID int64, from, to string) (string, bool) {
	if deliveryID == "" {
		return "", true
	}
	key := fmt.Sprintf("%s_%d_%s_%s", deliveryID, orderID, from, to)
	first, err := r.dedup.Claim(ctx, key)
	if err != nil {
		lg.Warn("Transition dedup unavailable, processing anyway", zap.Error(err))
		return "", true
	}
	return key, first
}

func (r *Recorder) release(ctx context.Context, lg *zap.Logger, key string) {
	if key == "" {
		return
	}
	if err := r.dedup.Release(ctx, key); err != nil {
		lg.Warn("Transition dedup release failed", zap.Error(err))
	}
}

func (r *Recorder) save(ctx context.Context, o *order.Order) error {
	if err := r.orders.Save(ctx, o); err != nil {
		return errors.Wrap(err, "save order")
	}
	return nil
}
