package coordinator

import (
	"time"

	"github.com/jusunglee/tper-go/internal/models"
)

// DefaultInterval is used when no upcoming arrival is known
const DefaultInterval = 60 * time.Second

// intervalSteps maps minutes until the next bus to a polling interval.
// Boundaries belong to the faster step.
var intervalSteps = []struct {
	maxMinutes float64
	interval   time.Duration
}{
	{5, 30 * time.Second},
	{15, 60 * time.Second},
	{30, 120 * time.Second},
	{60, 300 * time.Second},
	{120, 600 * time.Second},
}

const farInterval = 900 * time.Second

// EarliestArrival returns the earliest first-arrival across successful lines
// that lies strictly after now
func EarliestArrival(lines map[string]models.RealTimeResult, now time.Time) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, result := range lines {
		next, ok := result.Next()
		if !ok {
			continue
		}
		at, ok := models.ResolveArrival(next.ScheduledTime, now)
		if !ok || !at.After(now) {
			continue
		}
		if !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}
	return earliest, found
}

// ComputeInterval picks the next polling interval from how soon a bus is due
func ComputeInterval(lines map[string]models.RealTimeResult, now time.Time) time.Duration {
	earliest, ok := EarliestArrival(lines, now)
	if !ok {
		return DefaultInterval
	}

	minutes := earliest.Sub(now).Minutes()
	for _, step := range intervalSteps {
		if minutes <= step.maxMinutes {
			return step.interval
		}
	}
	return farInterval
}
