package domain

import (
	"sync"
	"time"
)

// All billing date arithmetic happens in the settlement timezone regardless of
// where the process runs. "Due today" means due before the next civil midnight
// in this zone, not before now+24h.
const settlementTimezone = "Asia/Seoul"

var (
	locationOnce sync.Once
	location     *time.Location
)

// Location returns the settlement timezone. Falls back to a fixed UTC+9 zone
// when the tzdata database is unavailable in the runtime image.
func Location() *time.Location {
	locationOnce.Do(func() {
		loc, err := time.LoadLocation(settlementTimezone)
		if err != nil {
			loc = time.FixedZone("KST", 9*60*60)
		}
		location = loc
	})
	return location
}

// Midnight truncates t to the start of its civil day in the settlement zone.
func Midnight(t time.Time) time.Time {
	local := t.In(Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, Location())
}

// NextMidnight returns the start of the civil day after t's. Subscriptions
// with EndDate before this instant are due in the run that observes t.
func NextMidnight(t time.Time) time.Time {
	return Midnight(t).AddDate(0, 0, 1)
}

// AddCivilDays adds days as calendar days in the settlement zone, so a billing
// period is the same wall-clock span even across DST or offset changes.
func AddCivilDays(t time.Time, days int) time.Time {
	return t.In(Location()).AddDate(0, 0, days)
}
