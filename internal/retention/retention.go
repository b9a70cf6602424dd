// Package retention maps a recipient's retention period onto message
// expiration instants.
package retention

import (
	"fmt"
	"strings"
	"time"

	"e2ee-messages/internal/domain"
)

var durations = map[domain.RetentionPeriod]time.Duration{
	domain.Retention1Hour:   time.Hour,
	domain.Retention6Hours:  6 * time.Hour,
	domain.Retention24Hours: 24 * time.Hour,
	domain.Retention7Days:   7 * 24 * time.Hour,
	domain.Retention30Days:  30 * 24 * time.Hour,
}

// Duration returns how long period keeps a message. Unknown or empty periods
// fall back to the default.
func Duration(period domain.RetentionPeriod) time.Duration {
	if d, ok := durations[period]; ok {
		return d
	}
	return durations[domain.DefaultRetention]
}

// ExpirationFor is pure: no clock, no I/O.
func ExpirationFor(period domain.RetentionPeriod, from time.Time) time.Time {
	return from.Add(Duration(period))
}

// ParsePeriod accepts only the named periods.
func ParsePeriod(s string) (domain.RetentionPeriod, error) {
	p := domain.RetentionPeriod(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := durations[p]; !ok {
		return "", fmt.Errorf("%w: unknown retention period %q", domain.ErrInvalidRequest, s)
	}
	return p, nil
}

// Valid reports whether p is one of the named periods.
func Valid(p domain.RetentionPeriod) bool {
	_, ok := durations[p]
	return ok
}
