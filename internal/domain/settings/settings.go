// Package settings holds the gatekeeper configuration blob: feature toggles,
// coupon targeting, allowed days, limits, identification strategy, messages,
// order-status triggers and retention.
package settings

import (
	"slices"
	"strings"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/daypolicy"
)

// Identification selects how customer keys are derived.
type Identification string

const (
	// IdentifyUserIDPriority prefers the authenticated user id and falls back
	// to the contact address.
	IdentifyUserIDPriority Identification = "user_id_priority"
	// IdentifyEmailOnly always derives the key from the contact address.
	IdentifyEmailOnly Identification = "email_only"
)

// Default values applied to missing or invalid fields.
const (
	DefaultAllowedDay      = 27
	DefaultMonthlyLimit    = 1
	DefaultRetentionMonths = 18

	DefaultNotAllowedDayMessage = "This coupon can only be used on the allowed day(s) each month."
	DefaultLimitReachedMessage  = "You've already used this coupon this month."
	DefaultSuccessMessage       = "Nice timing! This coupon is valid today."
)

// Messages are the customer-facing texts.
type Messages struct {
	NotAllowedDay  string
	LimitReached   string
	SuccessEnabled bool
	Success        string
}

// Settings is a single versioned configuration object.
//
// Coupon codes in RestrictedCoupons and LimitOverrides are stored lowercase.
// Statuses are stored lowercase without the "wc-" prefix.
type Settings struct {
	Version int

	DayRestriction bool
	MonthlyLimit   bool

	RestrictedCoupons []string
	ApplyToAll        bool

	AllowedDays     []int
	UseLastValidDay bool

	DefaultLimit   int
	LimitOverrides map[string]int

	Identification Identification
	AnonymizeEmail bool

	Messages Messages

	CountStatuses     []string
	DecrementStatuses []string

	AdminBypass     bool
	RetentionMonths int
}

// Defaults returns the settings used when nothing has been persisted yet.
func Defaults() Settings {
	return Settings{
		DayRestriction:    true,
		MonthlyLimit:      true,
		RestrictedCoupons: []string{},
		AllowedDays:       []int{DefaultAllowedDay},
		DefaultLimit:      DefaultMonthlyLimit,
		LimitOverrides:    map[string]int{},
		Identification:    IdentifyUserIDPriority,
		AnonymizeEmail:    true,
		Messages: Messages{
			NotAllowedDay: DefaultNotAllowedDayMessage,
			LimitReached:  DefaultLimitReachedMessage,
			Success:       DefaultSuccessMessage,
		},
		CountStatuses:     DefaultCountStatuses(),
		DecrementStatuses: DefaultDecrementStatuses(),
		AdminBypass:       true,
		RetentionMonths:   DefaultRetentionMonths,
	}
}

// DefaultCountStatuses returns the statuses that count a usage by default.
func DefaultCountStatuses() []string { return []string{"processing", "completed"} }

// DefaultDecrementStatuses returns the statuses that release a usage by default.
func DefaultDecrementStatuses() []string { return []string{"cancelled", "refunded"} }

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	c := s
	c.RestrictedCoupons = slices.Clone(s.RestrictedCoupons)
	c.AllowedDays = slices.Clone(s.AllowedDays)
	c.CountStatuses = slices.Clone(s.CountStatuses)
	c.DecrementStatuses = slices.Clone(s.DecrementStatuses)
	c.LimitOverrides = make(map[string]int, len(s.LimitOverrides))
	for k, v := range s.LimitOverrides {
		c.LimitOverrides[k] = v
	}
	return c
}

// IsManaged reports whether the coupon is targeted by the gatekeeper.
// Matching is case-insensitive.
func (s Settings) IsManaged(code string) bool {
	if s.ApplyToAll {
		return true
	}
	code = NormalizeCode(code)
	if code == "" {
		return false
	}
	return slices.Contains(s.RestrictedCoupons, code)
}

// LimitFor returns the effective monthly limit for the coupon. A per-coupon
// override beats the default. The result is never below 1.
func (s Settings) LimitFor(code string) int {
	limit := s.DefaultLimit
	if v, ok := s.LimitOverrides[NormalizeCode(code)]; ok {
		limit = v
	}
	return max(1, limit)
}

// Retention returns the retention period in months, never below 1.
func (s Settings) Retention() int {
	return max(1, s.RetentionMonths)
}

// DayPolicy returns the day-of-month policy described by the settings.
func (s Settings) DayPolicy() daypolicy.Policy {
	return daypolicy.Policy{
		AllowedDays:     slices.Clone(s.AllowedDays),
		UseLastValidDay: s.UseLastValidDay,
	}
}

// IsCountStatus reports whether entering status counts a usage.
func (s Settings) IsCountStatus(status string) bool {
	return slices.Contains(s.CountStatuses, NormalizeStatus(status))
}

// IsDecrementStatus reports whether entering status releases a usage.
func (s Settings) IsDecrementStatus(status string) bool {
	return slices.Contains(s.DecrementStatuses, NormalizeStatus(status))
}

// NormalizeCode lowercases and trims a coupon code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// NormalizeStatus lowercases a status and strips the "wc-" prefix hosts use
// for stored post statuses.
func NormalizeStatus(status string) string {
	status = strings.ToLower(strings.TrimSpace(status))
	return strings.TrimPrefix(status, "wc-")
}
