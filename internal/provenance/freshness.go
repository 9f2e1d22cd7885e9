package provenance

import "time"

// FreshnessScore grades how far expiry lies in the future of now:
// 10 for a week or more, 8 for three days, 5 for one day, 1 otherwise.
func FreshnessScore(expiry, now time.Time) int {
	days := expiry.Sub(now).Hours() / 24
	switch {
	case days >= 7:
		return 10
	case days >= 3:
		return 8
	case days >= 1:
		return 5
	default:
		return 1
	}
}

// itemFreshness scores an item; items without an expiry date score 1.
func itemFreshness(i *Item, now time.Time) int {
	if i.ExpiryDate == nil {
		return 1
	}
	return FreshnessScore(*i.ExpiryDate, now)
}
