package cycles

import (
	"time"
)

// staleAfter is how long an unresolved cycle stays preferred over the current
// week before it is superseded.
const staleAfter = 7 * 24 * time.Hour

// ComputeWeekKey returns the Monday of the week containing now in the given
// IANA zone. Unknown zones fall back to UTC rather than failing: a mistyped
// city setting must not block the negotiation.
//
// Callers compute the key once per client session and hold it; a mid-session
// change to the couple's city must not shift the key under an open negotiation.
func ComputeWeekKey(zoneName string, now time.Time) WeekKey {
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	// time.Weekday counts Sunday as 0; shift so Monday is the week start.
	daysSinceMonday := (int(local.Weekday()) + 6) % 7
	monday := local.AddDate(0, 0, -daysSinceMonday)
	return WeekKey(monday.Format("2006-01-02"))
}
