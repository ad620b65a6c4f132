// Package identity derives opaque customer keys used to bucket coupon usage.
//
// Keys take one of three forms: "user:<id>", "email:<address>" or
// "hash:<sha256 hex>". An empty key means the customer cannot be identified
// yet.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
)

// Key prefixes.
const (
	PrefixUser  = "user:"
	PrefixEmail = "email:"
	PrefixHash  = "hash:"
)

// Session is the identity visible at cart/checkout time.
type Session struct {
	// UserID is the authenticated user, 0 for guests.
	UserID       int64
	AccountEmail string
	BillingEmail string
}

// Order is the identity recorded on a placed order.
type Order struct {
	UserID       int64
	BillingEmail string
}

// Resolver builds customer keys according to the configured strategy.
type Resolver struct {
	Strategy  settings.Identification
	Anonymize bool
	Salt      string
}

// NewResolver returns a Resolver configured from s.
func NewResolver(s settings.Settings, salt string) Resolver {
	return Resolver{
		Strategy:  s.Identification,
		Anonymize: s.AnonymizeEmail,
		Salt:      salt,
	}
}

// FromSession derives a key from the live session. The contact address is
// the billing email when present, otherwise the account email, so that the
// key matches FromOrder for the same customer once the order is placed.
func (r Resolver) FromSession(s Session) string {
	if r.Strategy != settings.IdentifyEmailOnly && s.UserID > 0 {
		return UserKey(s.UserID)
	}

	email := strings.TrimSpace(s.BillingEmail)
	if email == "" {
		email = strings.TrimSpace(s.AccountEmail)
	}
	if email == "" {
		return ""
	}
	return r.EmailKey(email)
}

// FromOrder derives a key from a placed order.
func (r Resolver) FromOrder(o Order) string {
	if r.Strategy != settings.IdentifyEmailOnly && o.UserID > 0 {
		return UserKey(o.UserID)
	}
	if email := strings.TrimSpace(o.BillingEmail); email != "" {
		return r.EmailKey(email)
	}
	if o.UserID > 0 {
		return UserKey(o.UserID)
	}
	return ""
}

// EmailKey normalizes the address and returns either the plain email key or
// its salted SHA-256 hash.
func (r Resolver) EmailKey(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if !r.Anonymize {
		return PrefixEmail + email
	}
	sum := sha256.Sum256([]byte(email + r.Salt))
	return PrefixHash + hex.EncodeToString(sum[:])
}

// UserKey returns the key of an authenticated user.
func UserKey(id int64) string {
	return PrefixUser + strconv.FormatInt(id, 10)
}
