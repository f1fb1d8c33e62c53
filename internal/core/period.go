package core

import "time"

// Window is the concrete instant range a budget is measured against. Both
// ends are inclusive; End is the last millisecond of its day.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(w.Start) && !t.After(w.End)
}

// ResolveWindow returns the active window of a budget. Stored start/end dates
// always win over the derived period. A custom budget without dates has no
// window and reports false.
//
// now supplies the reference year (and month or week) when the budget leaves
// them unset.
func ResolveWindow(b Budget, now time.Time) (Window, bool) {
	if b.StartDate != nil && b.EndDate != nil {
		return Window{Start: startOfDay(*b.StartDate), End: endOfDay(*b.EndDate)}, true
	}

	now = now.UTC()
	year := b.Year
	if year == 0 {
		year = now.Year()
	}

	switch b.Period {
	case Monthly:
		return MonthWindow(year, monthOr(b.Month, now)), true
	case Weekly:
		week := b.WeekNumber
		if week == 0 {
			_, week = now.ISOWeek()
		}
		return ISOWeekWindow(year, week), true
	case Biweekly:
		return BiweeklyWindow(year, monthOr(b.Month, now), now), true
	default:
		return Window{}, false
	}
}

// MonthWindow spans the first through the last calendar day of a month.
func MonthWindow(year, month int) Window {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.AddDate(0, 1, 0).Add(-time.Millisecond)}
}

// ISOWeekWindow spans the seven days of an ISO-8601 week, Monday first.
// Week 1 is the week containing the year's first Thursday.
func ISOWeekWindow(year, week int) Window {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	start := jan4.AddDate(0, 0, -offset+(week-1)*7)
	return Window{Start: start, End: start.AddDate(0, 0, 7).Add(-time.Millisecond)}
}

// BiweeklyWindow returns days 1-15 or day 16 through month end, whichever
// half contains ref. When ref lies outside the month the first half is used.
func BiweeklyWindow(year, month int, ref time.Time) Window {
	full := MonthWindow(year, month)
	mid := time.Date(year, time.Month(month), 16, 0, 0, 0, 0, time.UTC)
	if full.Contains(ref) && !ref.UTC().Before(mid) {
		return Window{Start: mid, End: full.End}
	}
	return Window{Start: full.Start, End: mid.Add(-time.Millisecond)}
}

// SnapBiweekly bakes the half-month chosen at creation time into the
// budget's start and end dates. Budgets of other kinds, or with dates
// already set, are returned unchanged.
func SnapBiweekly(b Budget, now time.Time) Budget {
	if b.Period != Biweekly || b.StartDate != nil {
		return b
	}
	year := b.Year
	if year == 0 {
		year = now.UTC().Year()
	}
	w := BiweeklyWindow(year, monthOr(b.Month, now), now)
	start := w.Start
	end := startOfDay(w.End)
	b.StartDate, b.EndDate = &start, &end
	return b
}

func monthOr(month int, now time.Time) int {
	if month == 0 {
		return int(now.UTC().Month())
	}
	return month
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Millisecond)
}
