// Package gatekeeper enforces day-of-month and monthly-limit restrictions on
// coupons. It validates coupon-apply attempts, reconciles placed orders and
// records usage on order status transitions.
package gatekeeper

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Sentinel reasons for policy rejections.
var (
	ErrDayNotAllowed = errors.New("coupon not allowed today")
	ErrLimitReached  = errors.New("monthly coupon limit reached")
)

// RejectionError is a policy rejection carrying the customer-facing message.
// It unwraps to ErrDayNotAllowed or ErrLimitReached.
type RejectionError struct {
	Code    string
	Reason  error
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("coupon %q rejected: %s", e.Code, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Reason }

// NoticeLevel is the severity of a customer-facing notice.
type NoticeLevel string

// Notice levels understood by the shop.
const (
	NoticeSuccess NoticeLevel = "success"
	NoticeInfo    NoticeLevel = "notice"
	NoticeError   NoticeLevel = "error"
)

// Notice is a message the shop should queue for the customer.
type Notice struct {
	Level   NoticeLevel
	Message string
}

// FallbackNotice is shown when a coupon passes via the last-valid-day rule.
const FallbackNotice = "Coupon valid today because the configured day doesn't occur this month."

// Config is shared by the gatekeeper services.
type Config struct {
	// Salt keys anonymized email hashes.
	Salt string
	// Location is the shop timezone used for day and month evaluation.
	Location *time.Location
	Logger   *zap.Logger
	Meter    metric.MeterProvider
	Tracer   trace.TracerProvider
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Meter == nil {
		c.Meter = metricnoop.NewMeterProvider()
	}
	if c.Tracer == nil {
		c.Tracer = tracenoop.NewTracerProvider()
	}
	return c
}

const instrumentationName = "github.com/spkcd/wc-coupon-gatekeeper/internal/domain/gatekeeper"
