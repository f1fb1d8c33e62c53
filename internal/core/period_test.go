package core

import (
	"testing"
	"time"
)

func ptr(t time.Time) *time.Time { return &t }

func day(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func lastMilli(y, m, d int) time.Time {
	return day(y, m, d).AddDate(0, 0, 1).Add(-time.Millisecond)
}

func TestResolveWindowMonthly(t *testing.T) {
	b := Budget{Period: Monthly, Month: 3, Year: 2024}
	w, ok := ResolveWindow(b, day(2025, 1, 1))
	if !ok {
		t.Fatalf("expected a window")
	}
	if !w.Start.Equal(day(2024, 3, 1)) {
		t.Fatalf("start = %v", w.Start)
	}
	want := time.Date(2024, 3, 31, 23, 59, 59, 999_000_000, time.UTC)
	if !w.End.Equal(want) {
		t.Fatalf("end = %v, want %v", w.End, want)
	}
}

func TestResolveWindowMonthlyLeapFebruary(t *testing.T) {
	w, _ := ResolveWindow(Budget{Period: Monthly, Month: 2, Year: 2024}, time.Now())
	if !w.End.Equal(lastMilli(2024, 2, 29)) {
		t.Fatalf("end = %v", w.End)
	}
}

func TestResolveWindowWeekly(t *testing.T) {
	cases := []struct {
		year, week int
		monday     time.Time
	}{
		{2024, 10, day(2024, 3, 4)},
		{2024, 1, day(2024, 1, 1)},
		{2021, 1, day(2021, 1, 4)},  // Jan 1 2021 is a Friday, belongs to 2020-W53
		{2020, 53, day(2020, 12, 28)},
		{2026, 1, day(2025, 12, 29)}, // week 1 starts in the previous year
	}
	for _, tc := range cases {
		w, ok := ResolveWindow(Budget{Period: Weekly, WeekNumber: tc.week, Year: tc.year}, time.Now())
		if !ok {
			t.Fatalf("%d-W%d: expected window", tc.year, tc.week)
		}
		if !w.Start.Equal(tc.monday) {
			t.Fatalf("%d-W%d: start = %v, want %v", tc.year, tc.week, w.Start, tc.monday)
		}
		if w.Start.Weekday() != time.Monday {
			t.Fatalf("%d-W%d: start is %v", tc.year, tc.week, w.Start.Weekday())
		}
		if got := w.End.Sub(w.Start) + time.Millisecond; got != 7*24*time.Hour {
			t.Fatalf("%d-W%d: span = %v", tc.year, tc.week, got)
		}
		y, wk := w.Start.ISOWeek()
		if y != tc.year || wk != tc.week {
			t.Fatalf("%d-W%d: start is ISO %d-W%d", tc.year, tc.week, y, wk)
		}
	}
}

func TestResolveWindowExplicitDatesWin(t *testing.T) {
	start, end := day(2024, 6, 10), day(2024, 6, 20)
	for _, period := range []PeriodKind{Weekly, Biweekly, Monthly, Custom} {
		b := Budget{Period: period, Month: 1, Year: 2020, WeekNumber: 5, StartDate: ptr(start), EndDate: ptr(end)}
		w, ok := ResolveWindow(b, day(2030, 1, 1))
		if !ok {
			t.Fatalf("%s: expected window", period)
		}
		if !w.Start.Equal(start) || !w.End.Equal(lastMilli(2024, 6, 20)) {
			t.Fatalf("%s: window = %+v", period, w)
		}
	}
}

func TestResolveWindowExplicitDatesTruncateTime(t *testing.T) {
	b := Budget{Period: Custom,
		StartDate: ptr(time.Date(2024, 6, 10, 15, 30, 0, 0, time.UTC)),
		EndDate:   ptr(time.Date(2024, 6, 12, 8, 0, 0, 0, time.UTC))}
	w, _ := ResolveWindow(b, time.Now())
	if !w.Start.Equal(day(2024, 6, 10)) || !w.End.Equal(lastMilli(2024, 6, 12)) {
		t.Fatalf("window = %+v", w)
	}
}

func TestResolveWindowCustomWithoutDates(t *testing.T) {
	if _, ok := ResolveWindow(Budget{Period: Custom}, time.Now()); ok {
		t.Fatalf("custom budget without dates must not resolve")
	}
}

func TestResolveWindowReferenceYear(t *testing.T) {
	w, _ := ResolveWindow(Budget{Period: Monthly, Month: 5}, day(2023, 8, 1))
	if !w.Start.Equal(day(2023, 5, 1)) {
		t.Fatalf("start = %v", w.Start)
	}
}

func TestBiweeklyWindow(t *testing.T) {
	cases := []struct {
		name       string
		ref        time.Time
		start, end time.Time
	}{
		{"first half", day(2024, 6, 3), day(2024, 6, 1), lastMilli(2024, 6, 15)},
		{"day 15", lastMilli(2024, 6, 15), day(2024, 6, 1), lastMilli(2024, 6, 15)},
		{"day 16", day(2024, 6, 16), day(2024, 6, 16), lastMilli(2024, 6, 30)},
		{"outside month", day(2024, 9, 20), day(2024, 6, 1), lastMilli(2024, 6, 15)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := BiweeklyWindow(2024, 6, tc.ref)
			if !w.Start.Equal(tc.start) || !w.End.Equal(tc.end) {
				t.Fatalf("window = %+v", w)
			}
		})
	}
}

func TestSnapBiweeklyStoresDates(t *testing.T) {
	b := SnapBiweekly(Budget{Period: Biweekly, Month: 2, Year: 2024}, day(2024, 2, 20))
	if b.StartDate == nil || b.EndDate == nil {
		t.Fatalf("expected stored dates")
	}
	if !b.StartDate.Equal(day(2024, 2, 16)) || !b.EndDate.Equal(day(2024, 2, 29)) {
		t.Fatalf("dates = %v..%v", b.StartDate, b.EndDate)
	}
	// Stored dates keep winning a month later.
	w, _ := ResolveWindow(b, day(2024, 3, 2))
	if !w.Start.Equal(day(2024, 2, 16)) {
		t.Fatalf("window moved: %+v", w)
	}

	monthly := SnapBiweekly(Budget{Period: Monthly, Month: 2, Year: 2024}, day(2024, 2, 20))
	if monthly.StartDate != nil {
		t.Fatalf("monthly budget must not be snapped")
	}
}

func TestWindowContainsBounds(t *testing.T) {
	w := MonthWindow(2024, 6)
	if !w.Contains(day(2024, 6, 1)) || !w.Contains(lastMilli(2024, 6, 30)) {
		t.Fatalf("bounds must be inclusive")
	}
	if w.Contains(day(2024, 7, 1)) || w.Contains(day(2024, 6, 1).Add(-time.Nanosecond)) {
		t.Fatalf("outside instants must be excluded")
	}
}
