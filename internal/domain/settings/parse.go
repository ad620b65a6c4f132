package settings

import (
	"slices"
	"strconv"
	"strings"
)

// ParseCouponList splits free-form admin input on commas and newlines into a
// lowercase, de-duplicated list of coupon codes. Input order is preserved.
func ParseCouponList(input string) []string {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})

	seen := make(map[string]struct{}, len(fields))
	codes := make([]string, 0, len(fields))
	for _, f := range fields {
		code := NormalizeCode(f)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes
}

// ParseLimitOverrides parses one "code:limit" pair per line. Lines without a
// separator, with an empty code or with a limit below 1 are ignored. Later
// lines win for duplicate codes.
func ParseLimitOverrides(input string) map[string]int {
	out := make(map[string]int)
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		code, raw, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		code = NormalizeCode(code)
		limit, err := strconv.Atoi(strings.TrimSpace(raw))
		if code == "" || err != nil || limit < 1 {
			continue
		}
		out[code] = limit
	}
	return out
}

// FormatLimitOverrides renders overrides in the "code:limit" line format
// accepted by ParseLimitOverrides, sorted by code.
func FormatLimitOverrides(overrides map[string]int) string {
	codes := make([]string, 0, len(overrides))
	for code := range overrides {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	var b strings.Builder
	for i, code := range codes {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(code)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(overrides[code]))
	}
	return b.String()
}
