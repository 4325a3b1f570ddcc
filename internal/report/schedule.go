// Package report builds the scheduled summary emails (executive brief,
// daily recap, weekly recap, reply digest) and decides when each is due.
package report

import (
	"fmt"
	"strings"
	"time"
)

// weekdays maps the config spellings onto time.Weekday.
var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday parses a configured day name, case-insensitively.
// Three-letter abbreviations like "Mon" are accepted. Unknown names default
// to Monday.
func ParseWeekday(name string) time.Weekday {
	name = strings.ToLower(strings.TrimSpace(name))
	if d, ok := weekdays[name]; ok {
		return d
	}
	if len(name) >= 3 {
		for full, d := range weekdays {
			if strings.HasPrefix(full, name[:3]) {
				return d
			}
		}
	}
	return time.Monday
}

// DueDaily reports whether a daily report scheduled at timeLocal ("HH:MM")
// is due at now. The caller still has to consult the period mark for the
// DayKey, which is what keeps delivery at once per day.
func DueDaily(now time.Time, timeLocal string) bool {
	return now.Format("15:04") >= strings.TrimSpace(timeLocal)
}

// DueWeekly reports whether a weekly report scheduled on dayLocal at
// timeLocal is due at now.
func DueWeekly(now time.Time, dayLocal, timeLocal string) bool {
	return now.Weekday() == ParseWeekday(dayLocal) && DueDaily(now, timeLocal)
}

// DayKey is the period key for once-per-day reports.
func DayKey(now time.Time) string {
	return now.Format("2006-01-02")
}

// WeekKey is the period key for once-per-week reports, ISO week numbered.
func WeekKey(now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// IntervalKey is the period key for interval reports: the day plus the
// zero-based bucket of the day the interval falls in. Every run inside the
// same bucket produces the same key.
func IntervalKey(now time.Time, intervalMinutes int) string {
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}
	minutes := now.Hour()*60 + now.Minute()
	return fmt.Sprintf("%s#%d", now.Format("2006-01-02"), minutes/intervalMinutes)
}
