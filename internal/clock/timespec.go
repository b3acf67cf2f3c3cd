// Package clock implements the engine's wall-clock scheduler: cron-style
// recurrence specs and an ordered timeline of pending alarms driven by a
// fixed-period tick loop.
package clock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec reports a TimeSpec whose fields fail cron validation
// or whose zone is not a known IANA name.
var ErrInvalidSpec = errors.New("invalid time spec")

// specParser accepts the five classic cron fields. Descriptors (@daily
// and friends) are not part of the rule schema.
var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// TimeSpec is a cron-style recurrence: five cron fields plus an IANA
// zone name. An empty field is a wildcard. Weekday numbering follows
// cron convention 0-7 where both 0 and 7 mean Sunday; a 7 is
// normalized to 0 before parsing.
type TimeSpec struct {
	Minute     string `json:"minute,omitempty"`
	Hour       string `json:"hour,omitempty"`
	DayOfMonth string `json:"day_of_month,omitempty"`
	Month      string `json:"month,omitempty"`
	Weekdays   string `json:"weekdays,omitempty"`
	TZ         string `json:"tz"`
}

// FromMap builds a TimeSpec from a decoded JSON object. Field values
// may be strings or numbers (rule descriptors use both). Unknown keys,
// including the legacy "second" key, are ignored. If the object has no
// tz, defaultTZ is used.
func FromMap(m map[string]any, defaultTZ string) (*TimeSpec, error) {
	spec := &TimeSpec{
		Minute:     fieldString(m["minute"]),
		Hour:       fieldString(m["hour"]),
		DayOfMonth: fieldString(m["day_of_month"]),
		Month:      fieldString(m["month"]),
		Weekdays:   fieldString(m["weekdays"]),
		TZ:         fieldString(m["tz"]),
	}
	if spec.TZ == "" {
		spec.TZ = defaultTZ
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// fieldString renders a decoded JSON value as a cron field string.
// JSON numbers decode as float64; integral values lose the fraction.
func fieldString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return fmt.Sprintf("%d", int(val))
	case int:
		return fmt.Sprintf("%d", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Validate checks every field against cron syntax and the zone against
// the IANA database. Returns an error wrapping ErrInvalidSpec on the
// first violation.
func (s *TimeSpec) Validate() error {
	if s.TZ == "" {
		return fmt.Errorf("%w: tz is required", ErrInvalidSpec)
	}
	if _, err := time.LoadLocation(s.TZ); err != nil {
		return fmt.Errorf("%w: unknown tz %q", ErrInvalidSpec, s.TZ)
	}
	if _, err := s.schedule(); err != nil {
		return err
	}
	return nil
}

// NextFrom returns the least instant strictly greater than now that
// satisfies the spec, evaluated in the spec's zone. Recurrence is at
// minute granularity: an all-wildcard spec fires at the next minute
// boundary.
func (s *TimeSpec) NextFrom(now time.Time) (time.Time, error) {
	sched, err := s.schedule()
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no future occurrence", ErrInvalidSpec)
	}
	return next, nil
}

// schedule assembles the cron line and parses it. The CRON_TZ prefix
// makes the parser pin evaluation to the spec's zone.
func (s *TimeSpec) schedule() (cron.Schedule, error) {
	line := fmt.Sprintf("CRON_TZ=%s %s %s %s %s %s",
		s.TZ,
		orWildcard(s.Minute),
		orWildcard(s.Hour),
		orWildcard(s.DayOfMonth),
		orWildcard(s.Month),
		normalizeWeekdays(orWildcard(s.Weekdays)),
	)
	sched, err := specParser.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return sched, nil
}

func orWildcard(field string) string {
	if strings.TrimSpace(field) == "" {
		return "*"
	}
	return field
}

// normalizeWeekdays rewrites bare 7 tokens to 0 so that both cron
// Sunday spellings are accepted.
func normalizeWeekdays(field string) string {
	parts := strings.Split(field, ",")
	for i, p := range parts {
		if strings.TrimSpace(p) == "7" {
			parts[i] = "0"
		}
	}
	return strings.Join(parts, ",")
}

// UnmarshalJSON accepts the descriptor form where numeric fields may
// appear as JSON numbers.
func (s *TimeSpec) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.Minute = fieldString(m["minute"])
	s.Hour = fieldString(m["hour"])
	s.DayOfMonth = fieldString(m["day_of_month"])
	s.Month = fieldString(m["month"])
	s.Weekdays = fieldString(m["weekdays"])
	s.TZ = fieldString(m["tz"])
	return nil
}
