package wallet

import (
	"fmt"
	"time"
)

// joinDateLayout matches the "May 2025" join-date strings on trader
// profiles.
const joinDateLayout = "January 2006"

// ParseJoinDate parses a profile join date like "May 2025" to the first
// instant of that month, UTC.
func ParseJoinDate(s string) (time.Time, error) {
	t, err := time.Parse(joinDateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse join date %q: %w", s, err)
	}
	return t, nil
}

// FormatJoinDate renders a time back to the "May 2025" form. Inverse of
// ParseJoinDate for any month string.
func FormatJoinDate(t time.Time) string {
	return t.UTC().Format(joinDateLayout)
}
