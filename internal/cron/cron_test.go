package cron

import (
	"testing"
	"time"

	"github.com/adhocore/gronx"
)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", expr, err)
	}
	return s
}

func ts(t *testing.T, value string) time.Time {
	t.Helper()
	v, err := time.Parse("2006-01-02T15:04:05", value)
	if err != nil {
		t.Fatalf("bad test time %q: %v", value, err)
	}
	return v
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"a * * * *",
		"*/0 * * * *",
		"5-1 * * * *",
	}
	for _, expr := range cases {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expr)
		}
	}
}

func TestMatches_StepExpression(t *testing.T) {
	s := mustParse(t, "*/15 * * * *")

	if !s.Matches(ts(t, "2023-01-01T00:00:00")) {
		t.Error("*/15 should match minute 0")
	}
	if s.Matches(ts(t, "2023-01-01T00:05:00")) {
		t.Error("*/15 should not match minute 5")
	}

	got := s.NextAfter(ts(t, "2023-01-01T00:00:30"))
	want := ts(t, "2023-01-01T00:15:00")
	if !got.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", got, want)
	}
}

func TestMatches_WeekdayRange(t *testing.T) {
	s := mustParse(t, "0 12 * * 1-5")

	// 2023-01-02 was a Monday, 2023-01-01 a Sunday.
	if !s.Matches(ts(t, "2023-01-02T12:00:00")) {
		t.Error("should match Monday noon")
	}
	if s.Matches(ts(t, "2023-01-01T12:00:00")) {
		t.Error("should not match Sunday noon")
	}
}

func TestMatches_SundayAsSeven(t *testing.T) {
	zero := mustParse(t, "0 0 * * 0")
	seven := mustParse(t, "0 0 * * 7")
	sunday := ts(t, "2023-01-01T00:00:00")

	if !zero.Matches(sunday) || !seven.Matches(sunday) {
		t.Error("both 0 and 7 should match Sunday")
	}
}

// Day-of-month and day-of-week combine with OR when both are
// restricted: "the 15th, or any Monday".
func TestMatches_DayFieldsUseOrSemantics(t *testing.T) {
	s := mustParse(t, "0 0 15 * 1")

	// 2023-05-15 was a Monday; both fields hit.
	if !s.Matches(ts(t, "2023-05-15T00:00:00")) {
		t.Error("should match the 15th that is also a Monday")
	}
	// 2023-05-14 was a Sunday and not the 15th.
	if s.Matches(ts(t, "2023-05-14T00:00:00")) {
		t.Error("should not match a day hitting neither field")
	}
	// 2023-05-08 was a Monday but not the 15th: OR admits it.
	if !s.Matches(ts(t, "2023-05-08T00:00:00")) {
		t.Error("OR semantics should admit a Monday that is not the 15th")
	}
	// 2023-06-15 was a Thursday: OR admits the 15th alone.
	if !s.Matches(ts(t, "2023-06-15T00:00:00")) {
		t.Error("OR semantics should admit the 15th that is not a Monday")
	}
}

func TestMatches_SecondsIgnored(t *testing.T) {
	s := mustParse(t, "30 8 * * *")
	if !s.Matches(ts(t, "2023-03-10T08:30:59")) {
		t.Error("seconds must not affect matching")
	}
}

func TestNextAfter_AlwaysMatchesAndAdvances(t *testing.T) {
	exprs := []string{
		"* * * * *",
		"*/15 * * * *",
		"0 12 * * 1-5",
		"30 3 1 * *",
		"0 0 29 2 *",
		"5,20,35 8-17 * * *",
		"0-30/10 6 * * *",
	}
	from := ts(t, "2023-03-01T10:17:42")
	for _, expr := range exprs {
		s := mustParse(t, expr)
		next := s.NextAfter(from)
		if next.Equal(from) {
			// no-match horizon; verified separately
			continue
		}
		if !next.After(from) {
			t.Errorf("%q: NextAfter did not advance: %v", expr, next)
		}
		if !s.Matches(next) {
			t.Errorf("%q: NextAfter returned non-matching %v", expr, next)
		}
		if next.Second() != 0 {
			t.Errorf("%q: NextAfter not minute-aligned: %v", expr, next)
		}
	}
}

func TestNextAfter_NoMatchReturnsInput(t *testing.T) {
	// Feb 30 never exists; the scan exhausts the horizon.
	s := mustParse(t, "0 0 30 2 *")
	from := ts(t, "2023-03-01T00:00:00")
	if got := s.NextAfter(from); !got.Equal(from) {
		t.Errorf("NextAfter = %v, want unchanged input %v", got, from)
	}
}

func TestNextAfter_RangeStepStartsAtRangeStart(t *testing.T) {
	// 10-40/15 selects 10, 25, 40.
	s := mustParse(t, "10-40/15 * * * *")
	got := s.NextAfter(ts(t, "2023-01-01T00:10:00"))
	want := ts(t, "2023-01-01T00:25:00")
	if !got.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", got, want)
	}
	if s.Matches(ts(t, "2023-01-01T00:11:00")) {
		t.Error("step range should start at the range start, not slide")
	}
}

// Cross-check Matches against gronx minute-due evaluation over a spread
// of expressions and instants.
func TestMatches_AgainstGronx(t *testing.T) {
	gx := gronx.New()
	exprs := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 12 * * 1-5",
		"15 */2 * * *",
		"0 0 1,15 * *",
		"30 6-18/3 * * 0",
	}
	times := []string{
		"2023-01-01T00:00:00",
		"2023-01-02T12:00:00",
		"2023-02-28T23:55:00",
		"2023-06-15T06:30:00",
		"2023-12-31T18:15:00",
	}
	for _, expr := range exprs {
		s := mustParse(t, expr)
		for _, at := range times {
			ref := ts(t, at)
			want, err := gx.IsDue(expr, ref)
			if err != nil {
				t.Fatalf("gronx rejected %q: %v", expr, err)
			}
			if got := s.Matches(ref); got != want {
				t.Errorf("%q at %s: Matches=%v, gronx=%v", expr, at, got, want)
			}
		}
	}
}
