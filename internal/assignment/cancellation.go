package assignment

import "time"

// RefundFraction returns the share of the held fare returned to the
// requester when cancelling after a provider has accepted. The tiers
// are keyed on lead time to the scheduled service; an unscheduled
// request cancelled post-accept has zero lead and forfeits the hold.
func RefundFraction(fullAge, halfAge time.Duration, scheduledAt *time.Time, now time.Time) float64 {
	if scheduledAt == nil {
		return 0
	}
	lead := scheduledAt.Sub(now)
	switch {
	case lead >= fullAge:
		return 1.0
	case lead >= halfAge:
		return 0.5
	default:
		return 0
	}
}
