package billing

import "time"

// =============================================================================
// PERIOD KEY - "YYYY-MM" billing period
// =============================================================================

// PeriodKey identifies a monthly billing period, formatted "YYYY-MM".
type PeriodKey string

const periodLayout = "2006-01"

// ParsePeriodKey validates and normalizes a "YYYY-MM" string.
func ParsePeriodKey(s string) (PeriodKey, error) {
	t, err := time.Parse(periodLayout, s)
	if err != nil {
		return "", invalid("period_key", "%q is not YYYY-MM", s)
	}
	return PeriodKey(t.Format(periodLayout)), nil
}

// PeriodOf returns the period containing t (in t's location).
func PeriodOf(t time.Time) PeriodKey {
	return PeriodKey(t.Format(periodLayout))
}

func (p PeriodKey) String() string { return string(p) }

// Start returns the first day of the period at 00:00 UTC.
func (p PeriodKey) Start() time.Time {
	t, err := time.Parse(periodLayout, string(p))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (p PeriodKey) Year() int           { return p.Start().Year() }
func (p PeriodKey) Month() time.Month   { return p.Start().Month() }
func (p PeriodKey) Next() PeriodKey     { return PeriodOf(p.Start().AddDate(0, 1, 0)) }
func (p PeriodKey) Previous() PeriodKey { return PeriodOf(p.Start().AddDate(0, -1, 0)) }

// Before compares two well-formed keys. "YYYY-MM" sorts lexically.
func (p PeriodKey) Before(other PeriodKey) bool { return p < other }

// =============================================================================
// DATES - civil dates stored as 00:00 UTC
// =============================================================================

// Date returns the civil date of t in loc, as midnight UTC.
func Date(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DueDate derives a bill's due date: dueDayOfMonth of the month after the
// period (clamped to that month's length), pushed out by graceDays.
// It is computed once when a bill is created and stored with it.
func DueDate(period PeriodKey, dueDayOfMonth, graceDays int) time.Time {
	next := period.Next().Start()
	day := dueDayOfMonth
	if last := daysIn(next.Year(), next.Month()); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	due := time.Date(next.Year(), next.Month(), day, 0, 0, 0, 0, time.UTC)
	return due.AddDate(0, 0, graceDays)
}

// FormatDate renders a civil date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
