package httpmiddleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Request ID headers. WooCommerce webhooks carry a delivery ID that stays
// the same across redeliveries; it is preferred so retries of one event share
// a request ID in the logs.
const (
	RequestIDHeader         = "X-Request-ID"
	WebhookDeliveryIDHeader = "X-WC-Webhook-Delivery-ID"
)

const maxRequestIDLen = 128

type requestIDKey struct{}

// RequestIDFromContext returns the request ID, or "" when RequestID did not
// run.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestID assigns every request an identifier, echoed in X-Request-ID and
// stored in the context. A valid X-Request-ID wins, then a webhook delivery
// ID, otherwise a random UUID is generated.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := requestID(r)
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

func requestID(r *http.Request) string {
	for _, h := range [...]string{RequestIDHeader, WebhookDeliveryIDHeader} {
		if id := r.Header.Get(h); isValidRequestID(id) {
			return id
		}
	}
	return uuid.NewString()
}

// isValidRequestID accepts 1 to 128 bytes of printable ASCII.
func isValidRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := range len(id) {
		if id[i] < 0x20 || id[i] > 0x7E {
			return false
		}
	}
	return true
}
