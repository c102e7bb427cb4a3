package telemetry

import (
	"fmt"
	"time"
)

// DayLayout is the wire format of a calendar day.
const DayLayout = "2006-01-02"

// Day is a calendar date without a time zone. It is turned into an
// instant range only when combined with a location.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return DayOf(t, time.UTC), nil
}

// DayOf returns the calendar day t falls on in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	y, m, d := t.In(loc).Date()
	return Day{Year: y, Month: m, Day: d}
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Start is the first instant of the day in loc.
func (d Day) Start(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// End is the first instant of the following day in loc, so that a day
// covers [Start, End).
func (d Day) End(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day+1, 0, 0, 0, 0, loc)
}

// Bounds restricts a range query by timestamp. Since is inclusive, Before
// is exclusive; a nil side is open.
type Bounds struct {
	Since  *time.Time
	Before *time.Time
}

// Contains reports whether t lies within the bounds.
func (b Bounds) Contains(t time.Time) bool {
	if b.Since != nil && t.Before(*b.Since) {
		return false
	}
	if b.Before != nil && !t.Before(*b.Before) {
		return false
	}
	return true
}

// DayBounds maps an optional [from, to] day interval, both ends inclusive,
// onto instant bounds in loc.
func DayBounds(from, to *Day, loc *time.Location) Bounds {
	var b Bounds
	if from != nil {
		since := from.Start(loc).UTC()
		b.Since = &since
	}
	if to != nil {
		before := to.End(loc).UTC()
		b.Before = &before
	}
	return b
}
