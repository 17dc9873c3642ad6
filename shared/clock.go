package shared

import "time"

// ClockLayout is the wall clock layout used by timetables.
const ClockLayout = "15:04:05"

// ClockTime formats the provided time as a wall clock time (HH:MM:SS).
func ClockTime(t time.Time) string {
	return t.Format(ClockLayout)
}
