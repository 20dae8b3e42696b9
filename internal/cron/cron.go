// Package cron evaluates five-field cron expressions at minute
// precision: minute, hour, day-of-month, month, day-of-week.
// Supported tokens per field: "*", literals, "a-b", "a,b,c", "*/n"
// and "a-b/n".
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid wraps every parse failure so callers can classify it.
type InvalidError struct {
	Expr   string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %s", e.Expr, e.Reason)
}

// Schedule is the parse product: one integer set per field. Sunday is
// normalized to 0 in daysOfWeek (7 is accepted on input).
type Schedule struct {
	expr        string
	minutes     map[int]bool // 0-59
	hours       map[int]bool // 0-23
	daysOfMonth map[int]bool // 1-31
	months      map[int]bool // 1-12
	daysOfWeek  map[int]bool // 0-6, 0=Sunday

	// OR day matching applies only when a day field is restricted.
	domRestricted bool
	dowRestricted bool
}

// Parse compiles an expression. It fails unless the expression has
// exactly five whitespace-separated fields, each reducing to a
// non-empty set within its bounds.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, &InvalidError{Expr: expr, Reason: fmt.Sprintf("want 5 fields, got %d", len(fields))}
	}

	s := &Schedule{expr: expr}
	var err error
	if s.minutes, err = parseField(fields[0], 0, 59); err != nil {
		return nil, &InvalidError{Expr: expr, Reason: "minute field: " + err.Error()}
	}
	if s.hours, err = parseField(fields[1], 0, 23); err != nil {
		return nil, &InvalidError{Expr: expr, Reason: "hour field: " + err.Error()}
	}
	if s.daysOfMonth, err = parseField(fields[2], 1, 31); err != nil {
		return nil, &InvalidError{Expr: expr, Reason: "day-of-month field: " + err.Error()}
	}
	if s.months, err = parseField(fields[3], 1, 12); err != nil {
		return nil, &InvalidError{Expr: expr, Reason: "month field: " + err.Error()}
	}
	// Day-of-week accepts 7 for Sunday; fold it into 0.
	dow, err := parseField(fields[4], 0, 7)
	if err != nil {
		return nil, &InvalidError{Expr: expr, Reason: "day-of-week field: " + err.Error()}
	}
	if dow[7] {
		delete(dow, 7)
		dow[0] = true
	}
	s.daysOfWeek = dow

	s.domRestricted = fields[2] != "*"
	s.dowRestricted = fields[4] != "*"
	return s, nil
}

// String returns the original expression.
func (s *Schedule) String() string { return s.expr }

// Matches reports whether t's civil minute satisfies the expression.
// Seconds are ignored. Day-of-month and day-of-week combine with OR
// semantics when either is restricted (classic cron).
func (s *Schedule) Matches(t time.Time) bool {
	if !s.minutes[t.Minute()] || !s.hours[t.Hour()] || !s.months[int(t.Month())] {
		return false
	}
	return s.dayMatches(t)
}

func (s *Schedule) dayMatches(t time.Time) bool {
	dom := s.daysOfMonth[t.Day()]
	dow := s.daysOfWeek[int(t.Weekday())]
	switch {
	case s.domRestricted && s.dowRestricted:
		return dom || dow
	case s.domRestricted:
		return dom
	case s.dowRestricted:
		return dow
	default:
		return true
	}
}

// nextHorizon caps the NextAfter scan at one civil year.
const nextHorizon = 366 * 24 * time.Hour

// NextAfter returns the smallest civil minute strictly after t that
// matches. If nothing matches within one year it returns t unchanged,
// which callers read as "never again within horizon".
func (s *Schedule) NextAfter(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	end := t.Add(nextHorizon)
	for next.Before(end) {
		if s.Matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return t
}

func parseField(field string, min, max int) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		if err := parsePart(part, min, max, set); err != nil {
			return nil, err
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%q reduces to an empty set", field)
	}
	return set, nil
}

func parsePart(part string, min, max int, set map[int]bool) error {
	if part == "" {
		return fmt.Errorf("empty field element")
	}

	base, step := part, 1
	if i := strings.IndexByte(part, '/'); i >= 0 {
		var err error
		step, err = strconv.Atoi(part[i+1:])
		if err != nil || step <= 0 {
			return fmt.Errorf("bad step in %q", part)
		}
		base = part[:i]
	}

	lo, hi := min, max
	switch {
	case base == "*":
		// full range
	case strings.IndexByte(base, '-') > 0:
		i := strings.IndexByte(base, '-')
		a, err1 := strconv.Atoi(base[:i])
		b, err2 := strconv.Atoi(base[i+1:])
		if err1 != nil || err2 != nil || a > b {
			return fmt.Errorf("bad range %q", base)
		}
		lo, hi = a, b
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("bad value %q", base)
		}
		if step != 1 {
			// "5/2" style is not in the grammar
			return fmt.Errorf("step requires a range or * in %q", part)
		}
		if v < min || v > max {
			return fmt.Errorf("value %d out of range [%d,%d]", v, min, max)
		}
		set[v] = true
		return nil
	}

	// Steps count from the range start.
	for v := lo; v <= hi; v += step {
		if v >= min && v <= max {
			set[v] = true
		}
	}
	return nil
}
