package models

import (
	"time"
)

const (
	arrivalLayout = "15:04"

	// Times up to this far in the past are treated as just departed
	arrivalGrace = 5 * time.Minute

	overnightFromHour = 22
	overnightToHour   = 6
)

// ResolveArrival turns an "HH:MM" arrival into a concrete time relative to now,
// in now's location. Past times roll to the next day when they are overnight
// service (now at or after 22:00, arrival at or before 06:xx) or more than
// five minutes old. Unparseable input yields false.
func ResolveArrival(hhmm string, now time.Time) (time.Time, bool) {
	parsed, err := time.Parse(arrivalLayout, hhmm)
	if err != nil {
		return time.Time{}, false
	}

	y, m, d := now.Date()
	candidate := time.Date(y, m, d, parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
	if !candidate.Before(now) {
		return candidate, true
	}

	overnight := now.Hour() >= overnightFromHour && parsed.Hour() <= overnightToHour
	if overnight || candidate.Before(now.Add(-arrivalGrace)) {
		candidate = time.Date(y, m, d+1, parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
	}
	return candidate, true
}
