package recurring

import (
	"fmt"
	"time"
)

// Next returns the occurrence after t. Month and year steps anchor on
// t.Day(); see NextAnchored.
func Next(t time.Time, iv Interval) time.Time {
	return NextAnchored(t, iv, t.Day())
}

// NextAnchored returns the occurrence after t.
//
// DAILY and WEEKLY add calendar days in t's location, so the wall-clock time
// survives DST changes. MONTHLY and YEARLY move to the target month and pick
// anchorDay, clamped to the last day of that month: a 31st anchor gives
// Feb 29 (or 28), Mar 31, Apr 30.
//
// It panics with ErrInvalidInterval for an unknown interval.
func NextAnchored(t time.Time, iv Interval, anchorDay int) time.Time {
	switch iv {
	case Daily:
		return t.AddDate(0, 0, 1)
	case Weekly:
		return t.AddDate(0, 0, 7)
	case Monthly:
		return addMonthsClamped(t, 1, anchorDay)
	case Yearly:
		return addMonthsClamped(t, 12, anchorDay)
	default:
		panic(fmt.Errorf("%w: %q", ErrInvalidInterval, string(iv)))
	}
}

func addMonthsClamped(t time.Time, months int, anchorDay int) time.Time {
	y, m, _ := t.Date()
	// Normalize via day 1 so time.Date never overflows into the next month.
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	ty, tm, _ := first.Date()

	day := anchorDay
	if last := daysIn(ty, tm, t.Location()); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(ty, tm, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}
