package events

import (
	"errors"
	"fmt"
	"time"
)

// Recurrence says how often an event's time window repeats.
type Recurrence string

const (
	Once    Recurrence = "once"
	Daily   Recurrence = "daily"
	Weekly  Recurrence = "weekly"
	Monthly Recurrence = "monthly"
)

var ErrBadClock = errors.New("clock must be HH:MM")

// ParseClock converts "HH:MM" to minutes past midnight.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%2d:%2d", &h, &m); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	return h*60 + m, nil
}

// Schedule is the recurrence and daily time window of an event. Windows where
// the end clock is earlier than the start cross midnight: 22:00-06:00 runs
// from the scheduled day's evening into the following morning.
type Schedule struct {
	ID       string
	TenantID string
	Name     string

	Recurrence    Recurrence
	ScheduledDate *time.Time // Once
	StartMinute   int        // minutes past midnight, inclusive
	EndMinute     int        // minutes past midnight, exclusive
	WeekdayMask   int        // Weekly: bit 0 = Sunday .. bit 6 = Saturday
	DayOfMonth    int        // Monthly: 1-31, clamped to the month's last day
}

// ActiveAt reports whether the window covers the given instant. The caller
// passes now already converted to the deployment timezone.
func (s Schedule) ActiveAt(now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()

	if s.StartMinute == s.EndMinute {
		return false
	}
	if s.StartMinute < s.EndMinute {
		return s.dayMatches(now) && minute >= s.StartMinute && minute < s.EndMinute
	}

	// Midnight-crossing window: the evening half belongs to the scheduled
	// day, the morning half to the day after.
	if s.dayMatches(now) && minute >= s.StartMinute {
		return true
	}
	yesterday := now.AddDate(0, 0, -1)
	return s.dayMatches(yesterday) && minute < s.EndMinute
}

func (s Schedule) dayMatches(day time.Time) bool {
	switch s.Recurrence {
	case Once:
		if s.ScheduledDate == nil {
			return false
		}
		y1, m1, d1 := day.Date()
		y2, m2, d2 := s.ScheduledDate.Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	case Daily:
		return true
	case Weekly:
		return s.WeekdayMask&(1<<int(day.Weekday())) != 0
	case Monthly:
		want := s.DayOfMonth
		if last := lastDayOfMonth(day); want > last {
			want = last
		}
		return day.Day() == want
	}
	return false
}

func lastDayOfMonth(day time.Time) int {
	firstOfNext := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location()).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1).Day()
}
