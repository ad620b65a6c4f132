// Package daypolicy decides whether a calendar date satisfies a set of
// allowed days of the month.
package daypolicy

import (
	"slices"
	"time"
)

// Policy is a set of allowed days (1..31) with an optional last-valid-day
// fallback for months that lack a configured day.
type Policy struct {
	AllowedDays     []int
	UseLastValidDay bool
}

// Result of a day check.
type Result struct {
	Allowed bool
	// IsFallback is set when the date was allowed only because it is the last
	// day of a month that does not contain one of the configured days.
	IsFallback bool
}

// Check evaluates the calendar date of t in t's location.
func (p Policy) Check(t time.Time) Result {
	year, month, day := t.Date()
	return p.CheckDay(year, month, day)
}

// CheckDay evaluates the given day of the given month.
//
// A direct match always wins. Otherwise, with the fallback enabled, the day
// is allowed only when it is the last day of the month and at least one
// configured day exceeds that month's length.
func (p Policy) CheckDay(year int, month time.Month, day int) Result {
	if slices.Contains(p.AllowedDays, day) {
		return Result{Allowed: true}
	}
	if !p.UseLastValidDay {
		return Result{}
	}

	last := DaysIn(year, month)
	if day != last {
		return Result{}
	}
	for _, d := range p.AllowedDays {
		if d > last {
			return Result{Allowed: true, IsFallback: true}
		}
	}
	return Result{}
}

// DaysIn returns the number of days in the month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
