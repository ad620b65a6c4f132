package settings

import (
	"slices"
	"strings"
)

// Validation problems reported to the admin.
const (
	ProblemNoAllowedDays   = "You must select at least one allowed day."
	ProblemDefaultLimit    = "Default monthly limit must be at least 1."
	ProblemNoCountStatuses = "You must select at least one status to count usage."
	ProblemRetention       = "Log retention must be at least 1 month."
)

// ValidationError lists the problems found in submitted settings. Fallback
// carries the submitted settings with every invalid field replaced by its
// default, so a caller can show what would have been stored.
type ValidationError struct {
	Problems []string
	Fallback Settings
}

func (e *ValidationError) Error() string {
	return "invalid settings: " + strings.Join(e.Problems, " ")
}

// Sanitize normalizes submitted settings without rejecting anything: coupon
// codes and statuses are normalized and de-duplicated, days outside 1..31
// are dropped, overrides below 1 are dropped and an unknown identification
// strategy becomes user_id_priority.
func Sanitize(in Settings) Settings {
	out := in.Clone()

	out.RestrictedCoupons = dedupe(out.RestrictedCoupons, NormalizeCode)

	days := make([]int, 0, len(out.AllowedDays))
	for _, d := range out.AllowedDays {
		if d >= 1 && d <= 31 && !slices.Contains(days, d) {
			days = append(days, d)
		}
	}
	slices.Sort(days)
	out.AllowedDays = days

	overrides := make(map[string]int, len(out.LimitOverrides))
	for code, limit := range out.LimitOverrides {
		code = NormalizeCode(code)
		if code == "" || limit < 1 {
			continue
		}
		overrides[code] = limit
	}
	out.LimitOverrides = overrides

	switch out.Identification {
	case IdentifyUserIDPriority, IdentifyEmailOnly:
	default:
		out.Identification = IdentifyUserIDPriority
	}

	out.CountStatuses = dedupe(out.CountStatuses, NormalizeStatus)
	out.DecrementStatuses = dedupe(out.DecrementStatuses, NormalizeStatus)

	out.Messages.NotAllowedDay = strings.TrimSpace(out.Messages.NotAllowedDay)
	if out.Messages.NotAllowedDay == "" {
		out.Messages.NotAllowedDay = DefaultNotAllowedDayMessage
	}
	out.Messages.LimitReached = strings.TrimSpace(out.Messages.LimitReached)
	if out.Messages.LimitReached == "" {
		out.Messages.LimitReached = DefaultLimitReachedMessage
	}
	out.Messages.Success = strings.TrimSpace(out.Messages.Success)
	if out.Messages.Success == "" {
		out.Messages.Success = DefaultSuccessMessage
	}

	return out
}

// Validate sanitizes in and checks the invariants the rest of the system
// relies on: at least one allowed day, limits and retention of at least 1
// and at least one counting status. On failure it returns a
// *ValidationError; the returned settings are then the fallback version.
func Validate(in Settings) (Settings, error) {
	out := Sanitize(in)

	var problems []string
	if len(out.AllowedDays) == 0 {
		problems = append(problems, ProblemNoAllowedDays)
		out.AllowedDays = []int{DefaultAllowedDay}
	}
	if out.DefaultLimit < 1 {
		problems = append(problems, ProblemDefaultLimit)
		out.DefaultLimit = DefaultMonthlyLimit
	}
	if len(out.CountStatuses) == 0 {
		problems = append(problems, ProblemNoCountStatuses)
		out.CountStatuses = DefaultCountStatuses()
	}
	if out.RetentionMonths < 1 {
		problems = append(problems, ProblemRetention)
		out.RetentionMonths = DefaultRetentionMonths
	}

	if len(problems) > 0 {
		return out, &ValidationError{Problems: problems, Fallback: out}
	}
	return out, nil
}

func dedupe(in []string, normalize func(string) string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = normalize(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
