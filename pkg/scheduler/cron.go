package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Spec is a parsed five-field schedule. Month and day-of-week are
// accepted only as "*"; anything narrower is rejected at load time and
// the task is skipped, not erred on, by the config loader.
type Spec struct {
	minute field
	hour   field
	dom    domField
}

// field matches a minute or hour: "*", a number, or a comma list.
type field struct {
	any    bool
	values []int
}

// domField additionally understands "L" (last day of month) and "L-N"
// (N days before the last).
type domField struct {
	any        bool
	values     []int
	fromEnd    []int // 0 = last day
	hasFromEnd bool
}

// ParseSpec parses the five schedule fields. Month and day-of-week
// must be "*".
func ParseSpec(minute, hour, dom, month, dow string) (Spec, error) {
	var s Spec
	var err error

	if strings.TrimSpace(month) != "*" {
		return s, fmt.Errorf("month field %q not supported", month)
	}
	if strings.TrimSpace(dow) != "*" {
		return s, fmt.Errorf("day-of-week field %q not supported", dow)
	}

	if s.minute, err = parseField(minute, 0, 59); err != nil {
		return s, fmt.Errorf("minute: %w", err)
	}
	if s.hour, err = parseField(hour, 0, 23); err != nil {
		return s, fmt.Errorf("hour: %w", err)
	}
	if s.dom, err = parseDomField(dom); err != nil {
		return s, fmt.Errorf("day-of-month: %w", err)
	}
	return s, nil
}

func parseField(raw string, min, max int) (field, error) {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		return field{any: true}, nil
	}
	var f field
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return f, fmt.Errorf("bad value %q", part)
		}
		if n < min || n > max {
			return f, fmt.Errorf("value %d out of range [%d,%d]", n, min, max)
		}
		f.values = append(f.values, n)
	}
	return f, nil
}

func parseDomField(raw string) (domField, error) {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		return domField{any: true}, nil
	}
	var f domField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "L":
			f.fromEnd = append(f.fromEnd, 0)
			f.hasFromEnd = true
		case strings.HasPrefix(part, "L-"):
			n, err := strconv.Atoi(part[2:])
			if err != nil || n < 0 || n > 30 {
				return f, fmt.Errorf("bad value %q", part)
			}
			f.fromEnd = append(f.fromEnd, n)
			f.hasFromEnd = true
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return f, fmt.Errorf("bad value %q", part)
			}
			if n < 1 || n > 31 {
				return f, fmt.Errorf("value %d out of range [1,31]", n)
			}
			f.values = append(f.values, n)
		}
	}
	return f, nil
}

// Matches reports whether the spec fires at t, at minute granularity.
func (s Spec) Matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dom.matches(t.Day(), lastDayOfMonth(t))
}

func (f field) matches(v int) bool {
	if f.any {
		return true
	}
	for _, want := range f.values {
		if v == want {
			return true
		}
	}
	return false
}

func (f domField) matches(day, lastDay int) bool {
	if f.any {
		return true
	}
	for _, want := range f.values {
		if day == want {
			return true
		}
	}
	for _, back := range f.fromEnd {
		if day == lastDay-back {
			return true
		}
	}
	return false
}

func lastDayOfMonth(t time.Time) int {
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1).Day()
}
