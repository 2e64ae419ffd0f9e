package recurring

import "time"

// maxOccurrences bounds a single catch-up. A DAILY template untouched for
// ~27 years would hit it; the remainder is picked up on the next run since
// NextDue then points at the first unmaterialized date.
const maxOccurrences = 10000

// MissedOccurrences returns the ordered occurrence dates in (checkpoint, now].
//
// The cursor starts at NextDue when set, otherwise one step after
// LastProcessed, otherwise one step after the template's own date (which is
// never itself re-materialized). Steps anchor on the template's original
// day-of-month.
func MissedOccurrences(t Template, now time.Time) []time.Time {
	cursor := firstCandidate(t)
	anchor := t.Date.Day()

	var out []time.Time
	for !cursor.After(now) && len(out) < maxOccurrences {
		out = append(out, cursor)
		cursor = NextAnchored(cursor, t.Interval, anchor)
	}
	return out
}

func firstCandidate(t Template) time.Time {
	anchor := t.Date.Day()
	switch {
	case t.NextDue != nil:
		return *t.NextDue
	case t.LastProcessed != nil:
		return NextAnchored(*t.LastProcessed, t.Interval, anchor)
	default:
		return NextAnchored(t.Date, t.Interval, anchor)
	}
}

// IsDue mirrors the due-set SQL predicate. Callers pass recurring templates
// only.
func IsDue(cp Checkpoint, now time.Time) bool {
	if cp.LastProcessed == nil {
		return true
	}
	return cp.NextDue != nil && !cp.NextDue.After(now)
}
