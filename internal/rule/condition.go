package rule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Condition is a node in a rule's boolean condition tree. Evaluation
// reads the state store and clock through Env and never blocks.
type Condition interface {
	Kind() string
	Evaluate(env Env) bool
	Serialize() map[string]any
}

// AndCondition is true when every child is true. Evaluation
// short-circuits left to right; an empty child list is true.
type AndCondition struct {
	Conditions []Condition
}

func (c *AndCondition) Kind() string { return "and" }

func (c *AndCondition) Evaluate(env Env) bool {
	for _, child := range c.Conditions {
		if !child.Evaluate(env) {
			return false
		}
	}
	return true
}

func (c *AndCondition) Serialize() map[string]any {
	return map[string]any{
		"condition":  c.Kind(),
		"conditions": serializeConditions(c.Conditions),
	}
}

// OrCondition is true when any child is true. Evaluation
// short-circuits left to right; an empty child list is false.
type OrCondition struct {
	Conditions []Condition
}

func (c *OrCondition) Kind() string { return "or" }

func (c *OrCondition) Evaluate(env Env) bool {
	for _, child := range c.Conditions {
		if child.Evaluate(env) {
			return true
		}
	}
	return false
}

func (c *OrCondition) Serialize() map[string]any {
	return map[string]any{
		"condition":  c.Kind(),
		"conditions": serializeConditions(c.Conditions),
	}
}

func serializeConditions(conditions []Condition) []map[string]any {
	out := make([]map[string]any, 0, len(conditions))
	for _, c := range conditions {
		out = append(out, c.Serialize())
	}
	return out
}

// StateCondition is true when the entity exists and its state equals
// the expected value exactly.
type StateCondition struct {
	EntityID string
	State    string
}

func (c *StateCondition) Kind() string { return "state" }

func (c *StateCondition) Evaluate(env Env) bool {
	es := env.EntityState(c.EntityID)
	return es != nil && es.State == c.State
}

func (c *StateCondition) Serialize() map[string]any {
	return map[string]any{
		"condition": c.Kind(),
		"entity_id": c.EntityID,
		"state":     c.State,
	}
}

// NumericStateCondition is true when the entity's state parses as a
// number strictly inside the bounds. At least one bound is required.
type NumericStateCondition struct {
	EntityID string
	Above    *float64
	Below    *float64
}

// NewNumericStateCondition validates the at-least-one-bound invariant.
func NewNumericStateCondition(entityID string, above, below *float64) (*NumericStateCondition, error) {
	if above == nil && below == nil {
		return nil, fmt.Errorf("%w: numeric_state condition needs above_value or below_value (%s)",
			ErrValidation, entityID)
	}
	return &NumericStateCondition{EntityID: entityID, Above: above, Below: below}, nil
}

func (c *NumericStateCondition) Kind() string { return "numeric_state" }

func (c *NumericStateCondition) Evaluate(env Env) bool {
	es := env.EntityState(c.EntityID)
	if es == nil {
		return false
	}
	value, err := strconv.ParseFloat(es.State, 64)
	if err != nil {
		return false
	}
	return numericInBounds(value, c.Above, c.Below)
}

func (c *NumericStateCondition) Serialize() map[string]any {
	d := map[string]any{
		"condition": c.Kind(),
		"entity_id": c.EntityID,
	}
	if c.Above != nil {
		d["above_value"] = *c.Above
	}
	if c.Below != nil {
		d["below_value"] = *c.Below
	}
	return d
}

// DayTime is a time of day with microsecond resolution, zone-free.
// It is compared within the evaluation day after localizing.
type DayTime struct {
	Hour, Minute, Second, Micro int
}

// ParseDayTime parses "HH:MM", "HH:MM:SS" or "HH:MM:SS.ffffff".
func ParseDayTime(s string) (DayTime, error) {
	var dt DayTime
	frac := 0
	main := s
	if i := strings.IndexByte(s, '.'); i >= 0 {
		main = s[:i]
		fracStr := s[i+1:]
		if len(fracStr) > 6 {
			fracStr = fracStr[:6]
		}
		for len(fracStr) < 6 {
			fracStr += "0"
		}
		n, err := strconv.Atoi(fracStr)
		if err != nil {
			return dt, fmt.Errorf("%w: bad time of day %q", ErrValidation, s)
		}
		frac = n
	}
	parts := strings.Split(main, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return dt, fmt.Errorf("%w: bad time of day %q", ErrValidation, s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return dt, fmt.Errorf("%w: bad time of day %q", ErrValidation, s)
		}
		nums[i] = n
	}
	if nums[0] > 23 || nums[1] > 59 || nums[2] > 59 {
		return dt, fmt.Errorf("%w: time of day out of range %q", ErrValidation, s)
	}
	dt = DayTime{Hour: nums[0], Minute: nums[1], Second: nums[2], Micro: frac}
	return dt, nil
}

// at anchors the time of day onto the given date in the given zone.
func (dt DayTime) at(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		dt.Hour, dt.Minute, dt.Second, dt.Micro*1000, loc)
}

func (dt DayTime) String() string {
	s := fmt.Sprintf("%02d:%02d:%02d", dt.Hour, dt.Minute, dt.Second)
	if dt.Micro != 0 {
		s += fmt.Sprintf(".%06d", dt.Micro)
	}
	return s
}

// weekdayNames maps descriptor weekday tokens to time.Weekday.
var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// TimeCondition is true when the localized current instant falls in
// the [after, before] window and, if weekdays are listed, today is one
// of them. A missing after snaps to 00:00:00 and a missing before to
// 23:59:59.999999; an inverted window (after > before) wraps midnight.
// At least one of after, before, weekdays is required.
type TimeCondition struct {
	After    *DayTime
	Before   *DayTime
	Weekdays []string
	TZ       string
}

// NewTimeCondition validates the at-least-one-constraint invariant,
// the weekday tokens, and the zone.
func NewTimeCondition(after, before *DayTime, weekdays []string, tz string) (*TimeCondition, error) {
	if after == nil && before == nil && len(weekdays) == 0 {
		return nil, fmt.Errorf("%w: time condition needs after, before, or weekday", ErrValidation)
	}
	for _, wd := range weekdays {
		if _, ok := weekdayNames[wd]; !ok {
			return nil, fmt.Errorf("%w: unknown weekday %q", ErrValidation, wd)
		}
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("%w: unknown tz %q", ErrValidation, tz)
	}
	return &TimeCondition{After: after, Before: before, Weekdays: weekdays, TZ: tz}, nil
}

func (c *TimeCondition) Kind() string { return "time" }

func (c *TimeCondition) Evaluate(env Env) bool {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return false
	}
	return c.evaluateAt(env.Now().In(loc))
}

// evaluateAt applies the window and weekday checks to an already
// localized instant. Split out for deterministic tests.
func (c *TimeCondition) evaluateAt(now time.Time) bool {
	after := DayTime{}
	if c.After != nil {
		after = *c.After
	}
	before := DayTime{Hour: 23, Minute: 59, Second: 59, Micro: 999999}
	if c.Before != nil {
		before = *c.Before
	}

	loc := now.Location()
	afterT := after.at(now, loc)
	beforeT := before.at(now, loc)

	if afterT.After(beforeT) {
		// Window wraps midnight: in-window means past after today or
		// before the end boundary today.
		if now.Before(afterT) && now.After(beforeT) {
			return false
		}
	} else if now.Before(afterT) || now.After(beforeT) {
		return false
	}

	if len(c.Weekdays) > 0 {
		match := false
		for _, wd := range c.Weekdays {
			if weekdayNames[wd] == now.Weekday() {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

func (c *TimeCondition) Serialize() map[string]any {
	d := map[string]any{
		"condition": c.Kind(),
		"tz":        c.TZ,
	}
	if c.After != nil {
		d["after"] = c.After.String()
	}
	if c.Before != nil {
		d["before"] = c.Before.String()
	}
	if len(c.Weekdays) > 0 {
		d["weekday"] = append([]string(nil), c.Weekdays...)
	}
	return d
}

// sunEntityID is the entity whose attributes carry the next rising and
// setting instants.
const sunEntityID = "sun.sun"

// SunCondition is true relative to the next sunrise or sunset as
// published by the sun.sun entity, shifted by an optional offset.
// Exactly one of Before, After is set, to "sunrise" or "sunset".
type SunCondition struct {
	Before       string
	After        string
	BeforeOffset time.Duration
	AfterOffset  time.Duration
}

// NewSunCondition validates the exactly-one-direction invariant.
func NewSunCondition(before, after string, beforeOffset, afterOffset time.Duration) (*SunCondition, error) {
	if (before == "") == (after == "") {
		return nil, fmt.Errorf("%w: sun condition needs exactly one of before, after", ErrValidation)
	}
	for _, v := range []string{before, after} {
		if v != "" && v != "sunrise" && v != "sunset" {
			return nil, fmt.Errorf("%w: sun condition event must be sunrise or sunset, got %q",
				ErrValidation, v)
		}
	}
	return &SunCondition{
		Before: before, After: after,
		BeforeOffset: beforeOffset, AfterOffset: afterOffset,
	}, nil
}

func (c *SunCondition) Kind() string { return "sun" }

func (c *SunCondition) Evaluate(env Env) bool {
	sun := env.EntityState(sunEntityID)
	if sun == nil {
		return false
	}
	now := env.Now()
	if c.Before != "" {
		at, ok := sunAttrTime(sun.Attributes, c.Before)
		if !ok {
			return false
		}
		return now.Before(at.Add(c.BeforeOffset))
	}
	at, ok := sunAttrTime(sun.Attributes, c.After)
	if !ok {
		return false
	}
	return now.After(at.Add(c.AfterOffset))
}

// sunAttrTime reads the next occurrence of the named sun event from
// the sun.sun attribute map.
func sunAttrTime(attrs map[string]any, event string) (time.Time, bool) {
	key := "next_rising"
	if event == "sunset" {
		key = "next_setting"
	}
	raw, ok := attrs[key].(string)
	if !ok {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

func (c *SunCondition) Serialize() map[string]any {
	d := map[string]any{"condition": c.Kind()}
	if c.Before != "" {
		d["before"] = c.Before
		if c.BeforeOffset != 0 {
			d["before_offset"] = formatOffset(c.BeforeOffset)
		}
	}
	if c.After != "" {
		d["after"] = c.After
		if c.AfterOffset != 0 {
			d["after_offset"] = formatOffset(c.AfterOffset)
		}
	}
	return d
}

// ParseOffset parses a signed H:MM:SS offset such as "-1:00:00" or
// "0:30:00" into a duration.
func ParseOffset(s string) (time.Duration, error) {
	neg := false
	body := s
	if strings.HasPrefix(body, "-") {
		neg = true
		body = body[1:]
	} else if strings.HasPrefix(body, "+") {
		body = body[1:]
	}
	parts := strings.Split(body, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: bad offset %q", ErrValidation, s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: bad offset %q", ErrValidation, s)
		}
		nums[i] = n
	}
	d := time.Duration(nums[0])*time.Hour +
		time.Duration(nums[1])*time.Minute +
		time.Duration(nums[2])*time.Second
	if neg {
		d = -d
	}
	return d, nil
}

func formatOffset(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%s%d:%02d:%02d", sign, h, m, s)
}

// ZoneCondition is true when the tracked entity's state equals the
// zone name, i.e. the presence tracker reports it inside the zone.
type ZoneCondition struct {
	EntityID string
	Zone     string
}

func (c *ZoneCondition) Kind() string { return "zone" }

func (c *ZoneCondition) Evaluate(env Env) bool {
	es := env.EntityState(c.EntityID)
	return es != nil && es.State == c.Zone
}

func (c *ZoneCondition) Serialize() map[string]any {
	return map[string]any{
		"condition": c.Kind(),
		"entity_id": c.EntityID,
		"zone":      c.Zone,
	}
}

// TemplateCondition carries a template expression verbatim. Template
// evaluation is not implemented; the condition always passes so that
// rules using it degrade to unconditional rather than dead.
type TemplateCondition struct {
	ValueTemplate string
}

func (c *TemplateCondition) Kind() string { return "template" }

func (c *TemplateCondition) Evaluate(env Env) bool { return true }

func (c *TemplateCondition) Serialize() map[string]any {
	return map[string]any{
		"condition":      c.Kind(),
		"value_template": c.ValueTemplate,
	}
}
