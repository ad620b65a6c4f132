package usage

import (
	"time"

	"github.com/go-faster/errors"
)

const monthLayout = "2006-01"

// Month is a calendar month in YYYY-MM form. Lexicographic order matches
// calendar order.
type Month string

// MonthOf returns the month of t in t's location.
func MonthOf(t time.Time) Month {
	return Month(t.Format(monthLayout))
}

// ParseMonth validates s as YYYY-MM.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidMonth, "%q", s)
	}
	return MonthOf(t), nil
}

// String implements fmt.Stringer.
func (m Month) String() string { return string(m) }

// Start returns the first instant of the month in UTC.
func (m Month) Start() time.Time {
	t, err := time.Parse(monthLayout, string(m))
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddMonths moves by n calendar months. Day overflow cannot happen because
// months are anchored to their first day.
func (m Month) AddMonths(n int) Month {
	start := m.Start()
	return MonthOf(time.Date(start.Year(), start.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC))
}

// Cutoff returns the oldest month kept by a retention of retentionMonths:
// records with a month strictly before the cutoff are expired. Retention
// below 1 is treated as 1.
func Cutoff(now time.Time, retentionMonths int) Month {
	return MonthOf(now).AddMonths(-max(1, retentionMonths))
}

// LastMonths returns the n most recent months including now's, newest first.
func LastMonths(now time.Time, n int) []Month {
	current := MonthOf(now)
	out := make([]Month, 0, n)
	for i := range n {
		out = append(out, current.AddMonths(-i))
	}
	return out
}
