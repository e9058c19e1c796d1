package chrono

import (
	"errors"
	"time"
)

// calendarIterationBound caps how many nonexistent dates (Feb 30 and
// friends) a single Next call may skip before giving up.
const calendarIterationBound = 1000

// CalendarIntervalTrigger fires every fixed number of calendar units,
// anchored to a time of day. Unlike IntervalTrigger the step is calendar
// arithmetic, so "every 1 month" lands on the same day-of-month regardless
// of month length, and occurrences falling on nonexistent dates are skipped
// to the following interval.
type CalendarIntervalTrigger struct {
	Years  int `json:"years,omitempty"`
	Months int `json:"months,omitempty"`
	Weeks  int `json:"weeks,omitempty"`
	Days   int `json:"days,omitempty"`

	// Hour, Minute and Second anchor the time of day for every occurrence.
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`

	// StartDate anchors the first occurrence and supplies the location for
	// calendar arithmetic. When nil, the first occurrence is on now's date
	// in UTC.
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

func (t *CalendarIntervalTrigger) Next(previous *time.Time, now time.Time) (*time.Time, error) {
	if t.Years == 0 && t.Months == 0 && t.Weeks == 0 && t.Days == 0 {
		return nil, errors.New("calendar interval trigger requires at least one calendar unit")
	}

	loc := time.UTC
	if t.StartDate != nil {
		loc = t.StartDate.Location()
	}

	var year, day int
	var month time.Month
	if previous == nil {
		anchor := now.In(loc)
		if t.StartDate != nil {
			anchor = *t.StartDate
		}
		year, month, day = anchor.Date()
		fire := time.Date(year, month, day, t.Hour, t.Minute, t.Second, 0, loc)
		if fire.Month() == month && fire.Day() == day {
			if t.EndDate != nil && fire.After(*t.EndDate) {
				return nil, nil
			}
			return &fire, nil
		}
		// Anchor itself is nonexistent at this time of day (DST gap);
		// fall through and advance from it.
	} else {
		year, month, day = previous.In(loc).Date()
	}

	for i := 0; i < calendarIterationBound; i++ {
		year, month, day = t.advance(year, month, day)

		// Day and week steps are ordinary calendar carry; normalize them.
		// Month and year steps keep the day-of-month, which may not exist.
		if t.Weeks != 0 || t.Days != 0 {
			norm := time.Date(year, month, day, 0, 0, 0, 0, loc)
			year, month, day = norm.Date()
		}

		fire := time.Date(year, month, day, t.Hour, t.Minute, t.Second, 0, loc)
		if fire.Month() != month || fire.Day() != day {
			// Nonexistent date: skip to the next interval.
			continue
		}
		if t.EndDate != nil && fire.After(*t.EndDate) {
			return nil, nil
		}
		if previous == nil || fire.After(*previous) {
			return &fire, nil
		}
	}
	return nil, ErrMaxIterations
}

// advance applies one interval of calendar arithmetic to a logical date,
// carrying month overflow into the year but leaving day overflow to the
// caller.
func (t *CalendarIntervalTrigger) advance(year int, month time.Month, day int) (int, time.Month, int) {
	year += t.Years
	m := int(month) - 1 + t.Months
	year += m / 12
	month = time.Month(m%12 + 1)
	day += t.Weeks*7 + t.Days
	return year, month, day
}
