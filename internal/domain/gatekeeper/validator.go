package gatekeeper

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/identity"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

// State is the outcome of a coupon-apply attempt.
type State int

// Validation states.
const (
	// StatePassthrough: the coupon was already invalid upstream.
	StatePassthrough State = iota
	// StateUnmanaged: the coupon is not targeted by the gatekeeper.
	StateUnmanaged
	// StateAdminBypass: staff editing an order in the back office.
	StateAdminBypass
	// StateDayRejected: today is not an allowed day.
	StateDayRejected
	// StateLimitRejected: the customer reached the monthly limit.
	StateLimitRejected
	// StateProvisionallyAccepted: the customer could not be identified or
	// the ledger could not be read; the order-time reconciliation decides.
	StateProvisionallyAccepted
	// StateAccepted: every check passed.
	StateAccepted
)

var stateNames = [...]string{
	StatePassthrough:           "passthrough",
	StateUnmanaged:             "unmanaged",
	StateAdminBypass:           "admin_bypass",
	StateDayRejected:           "day_rejected",
	StateLimitRejected:         "limit_rejected",
	StateProvisionallyAccepted: "provisionally_accepted",
	StateAccepted:              "accepted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Allowed reports whether the coupon may be applied in this state. A coupon
// the shop already rejected stays rejected.
func (s State) Allowed() bool {
	switch s {
	case StatePassthrough, StateDayRejected, StateLimitRejected:
		return false
	default:
		return true
	}
}

// Attempt is a single coupon-apply request.
type Attempt struct {
	// Valid is the shop's own verdict on the coupon.
	Valid   bool
	Code    string
	Session identity.Session
	// Privileged is set when staff with order-editing capability act from
	// the back office (not via AJAX).
	Privileged bool
	// BackOffice is set for non-AJAX admin requests; notices are suppressed.
	BackOffice bool
}

// Outcome of a validation.
type Outcome struct {
	State   State
	Notices []Notice
	// Fallback is set when the day check passed via the last-valid-day rule.
	Fallback bool
}

// Validator decides coupon-apply attempts.
type Validator struct {
	settings settings.Source
	ledger   usage.Ledger
	cfg      Config
	metrics  *metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewValidator creates a Validator.
func NewValidator(src settings.Source, ledger usage.Ledger, cfg Config) (*Validator, error) {
	cfg = cfg.withDefaults()
	m, err := newMetrics(cfg.Meter)
	if err != nil {
		return nil, err
	}
	return &Validator{
		settings: src,
		ledger:   ledger,
		cfg:      cfg,
		metrics:  m,
		tracer:   cfg.Tracer.Tracer(instrumentationName),
		now:      time.Now,
	}, nil
}

// Validate runs the checks for a coupon-apply attempt. A policy rejection is
// returned as a *RejectionError alongside the rejected Outcome; any other
// error means the settings could not be read.
func (v *Validator) Validate(ctx context.Context, a Attempt) (Outcome, error) {
	ctx, span := v.tracer.Start(ctx, "gatekeeper.Validate",
		trace.WithAttributes(attribute.String("coupon.code", a.Code)),
	)
	defer span.End()

	out, err := v.validate(ctx, a)
	span.SetAttributes(attribute.String("gatekeeper.state", out.State.String()))
	v.metrics.validation(ctx, out.State)
	return out, err
}

func (v *Validator) validate(ctx context.Context, a Attempt) (Outcome, error) {
	if !a.Valid {
		return Outcome{State: StatePassthrough}, nil
	}

	s, err := v.settings.Get(ctx)
	if err != nil {
		return Outcome{State: StatePassthrough}, errors.Wrap(err, "get settings")
	}

	code := settings.NormalizeCode(a.Code)
	if !s.IsManaged(code) {
		return Outcome{State: StateUnmanaged}, nil
	}
	if s.AdminBypass && a.Privileged {
		return Outcome{State: StateAdminBypass}, nil
	}

	now := v.now().In(v.cfg.Location)
	lg := v.cfg.Logger.With(zap.String("coupon", code))

	var fallback bool
	if s.DayRestriction {
		res := s.DayPolicy().Check(now)
		if !res.Allowed {
			return Outcome{State: StateDayRejected}, &RejectionError{
				Code:    code,
				Reason:  ErrDayNotAllowed,
				Message: s.Messages.NotAllowedDay,
			}
		}
		fallback = res.IsFallback
	}

	state := StateAccepted
	if s.MonthlyLimit {
		key := identity.NewResolver(s, v.cfg.Salt).FromSession(a.Session)
		if key == "" {
			state = StateProvisionallyAccepted
		} else {
			count, err := v.ledger.Count(ctx, code, key, usage.MonthOf(now))
			switch {
			case err != nil:
				lg.Warn("Usage lookup failed, accepting provisionally", zap.Error(err))
				state = StateProvisionallyAccepted
			case count >= s.LimitFor(code):
				return Outcome{State: StateLimitRejected, Fallback: fallback}, &RejectionError{
					Code:    code,
					Reason:  ErrLimitReached,
					Message: s.Messages.LimitReached,
				}
			}
		}
	}

	out := Outcome{State: state, Fallback: fallback}
	if !a.BackOffice {
		switch {
		case fallback:
			out.Notices = append(out.Notices, Notice{Level: NoticeInfo, Message: FallbackNotice})
		case s.Messages.SuccessEnabled && s.Messages.Success != "":
			out.Notices = append(out.Notices, Notice{Level: NoticeSuccess, Message: s.Messages.Success})
		}
	}
	return out, nil
}
