package scheduler

import (
	"time"

	"pingrobot/internal/models"
)

// IsDue reports whether schedule should run at now. A schedule with no
// attempt yet is due immediately. Otherwise it is due once the time since the
// last attempt, plus tolerance, reaches the interval. tolerance absorbs the
// lag between a tick and the timestamp its attempt records.
func IsDue(schedule models.Schedule, last time.Time, hasLast bool, now time.Time, tolerance time.Duration) bool {
	if !hasLast {
		return true
	}
	return now.Sub(last)+tolerance >= schedule.Interval()
}
