// Package handler exposes the gatekeeper over HTTP: the storefront calls
// (coupon validation, order status transitions, order reconciliation) and
// the admin surface (settings and the usage log).
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/auth"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/gatekeeper"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/order"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

// CouponValidator decides coupon-apply attempts.
type CouponValidator interface {
	Validate(ctx context.Context, a gatekeeper.Attempt) (gatekeeper.Outcome, error)
}

// StatusRecorder records usage on order status transitions.
type StatusRecorder interface {
	HandleStatusChange(ctx context.Context, c gatekeeper.StatusChange) (gatekeeper.Recording, error)
}

// OrderReconciler re-checks placed orders against the monthly limits.
type OrderReconciler interface {
	Reconcile(ctx context.Context, o *order.Order) (gatekeeper.Reconciliation, error)
}

// SettingsStore reads and replaces the gatekeeper settings.
type SettingsStore interface {
	Get(ctx context.Context) (settings.Settings, error)
	Update(ctx context.Context, next settings.Settings) (settings.Settings, error)
}

// Purger deletes usage records outside the retention window.
type Purger interface {
	RunOnce(ctx context.Context) (int64, error)
}

// Deps holds the domain dependencies of the Handler.
type Deps struct {
	Validator  CouponValidator
	Recorder   StatusRecorder
	Reconciler OrderReconciler
	Settings   SettingsStore
	Ledger     usage.Ledger
	Usage      usage.Browser
	Orders     order.Repository
	Purger     Purger
}

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// Location is the shop timezone, used for the default month of admin
	// actions and export file names.
	Location *time.Location
}

// Handler serves the gatekeeper API.
type Handler struct {
	Deps

	loc *time.Location
	now func() time.Time
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(cfg HandlerConfig, deps Deps) *Handler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		Deps: deps,
		loc:  loc,
		now:  time.Now,
	}
}

// Routes mounts the API under /api/v1 on r. Every route requires an API
// key; admin routes additionally require the admin scope.
func (h *Handler) Routes(r chi.Router, sec *SecurityHandler) {
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(sec.Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(RequireScope(auth.ScopeStorefront))
			r.Post("/coupons/validate", h.ValidateCoupon)
			r.Post("/orders/{id}/status", h.OrderStatusChanged)
			r.Post("/orders/{id}/processed", h.OrderProcessed)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireScope(auth.ScopeAdmin))
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.UpdateSettings)
			r.Get("/usage", h.ListUsage)
			r.Get("/usage/export", h.ExportUsage)
			r.Post("/usage/reset", h.ResetUsage)
			r.Get("/usage/history", h.UsageHistory)
			r.Get("/usage/months", h.UsageMonths)
			r.Post("/usage/purge", h.PurgeUsage)
		})
	})
}
