package domain

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar day in the user's local time zone, formatted YYYY-MM-DD.
type Date string

// DateOf returns the calendar day containing t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.Local
	}
	return Date(t.In(loc).Format(dateLayout))
}

// ParseDate validates a YYYY-MM-DD string.
func ParseDate(value string) (Date, error) {
	if _, err := time.Parse(dateLayout, value); err != nil {
		return "", fmt.Errorf("invalid date %q: %w", value, err)
	}
	return Date(value), nil
}

// Start returns local midnight of the day.
func (d Date) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(dateLayout, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddDays shifts the day by n calendar days.
func (d Date) AddDays(n int) Date {
	t, err := time.Parse(dateLayout, string(d))
	if err != nil {
		return d
	}
	return Date(t.AddDate(0, 0, n).Format(dateLayout))
}

// Before reports whether d is an earlier day than other.
func (d Date) Before(other Date) bool {
	// YYYY-MM-DD sorts lexically.
	return d < other
}

func (d Date) String() string { return string(d) }
