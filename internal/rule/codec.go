package rule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ottohome/ottoengine/internal/clock"
)

// Codec translates between JSON rule descriptors and AutomationRules.
// DefaultTZ fills in time specs and time conditions that omit a zone.
type Codec struct {
	DefaultTZ string
}

// DecodeRule parses a rule descriptor. Only id, triggers, and actions
// are required; every other field is optional. A descriptor using an
// unknown platform, condition kind, or action form is rejected whole.
func (c Codec) DecodeRule(data []byte) (*AutomationRule, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return c.DecodeRuleMap(m)
}

// DecodeRuleMap parses an already decoded descriptor object.
func (c Codec) DecodeRuleMap(m map[string]any) (*AutomationRule, error) {
	id, _ := m["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: rule id is required", ErrValidation)
	}

	r := &AutomationRule{
		ID:      id,
		Enabled: true,
	}
	if v, ok := m["enabled"].(bool); ok {
		r.Enabled = v
	}
	r.Description, _ = m["description"].(string)
	r.Group, _ = m["group"].(string)
	r.Notes, _ = m["notes"].(string)

	rawTriggers, ok := m["triggers"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: rule %s: triggers list is required", ErrValidation, id)
	}
	for i, raw := range rawTriggers {
		tm, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: rule %s: trigger %d is not an object", ErrValidation, id, i)
		}
		trigger, err := c.decodeTrigger(tm)
		if err != nil {
			return nil, fmt.Errorf("rule %s: trigger %d: %w", id, i, err)
		}
		r.Triggers = append(r.Triggers, trigger)
	}

	if raw, present := m["rule_condition"]; present {
		cm, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: rule %s: rule_condition is not an object", ErrValidation, id)
		}
		cond, err := c.decodeCondition(cm)
		if err != nil {
			return nil, fmt.Errorf("rule %s: rule_condition: %w", id, err)
		}
		r.RuleCondition = cond
	}

	rawActions, ok := m["actions"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: rule %s: actions list is required", ErrValidation, id)
	}
	for i, raw := range rawActions {
		sm, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: rule %s: action sequence %d is not an object", ErrValidation, id, i)
		}
		seq, err := c.decodeSequence(sm)
		if err != nil {
			return nil, fmt.Errorf("rule %s: action sequence %d: %w", id, i, err)
		}
		r.Actions = append(r.Actions, seq)
	}
	return r, nil
}

// EncodeRule renders a rule as its indented JSON descriptor.
func (c Codec) EncodeRule(r *AutomationRule) ([]byte, error) {
	return json.MarshalIndent(r.Serialize(), "", "  ")
}

func (c Codec) decodeTrigger(m map[string]any) (Trigger, error) {
	platform, _ := m["platform"].(string)
	switch platform {
	case "state":
		entityID, _ := m["entity_id"].(string)
		if entityID == "" {
			return nil, fmt.Errorf("%w: state trigger needs entity_id", ErrValidation)
		}
		return &StateTrigger{
			EntityID: entityID,
			To:       optString(m, "to"),
			From:     optString(m, "from"),
		}, nil
	case "numeric_state":
		entityID, _ := m["entity_id"].(string)
		if entityID == "" {
			return nil, fmt.Errorf("%w: numeric_state trigger needs entity_id", ErrValidation)
		}
		return NewNumericStateTrigger(entityID, optFloat(m, "above_value"), optFloat(m, "below_value"))
	case "event":
		eventType, _ := m["event_type"].(string)
		if eventType == "" {
			return nil, fmt.Errorf("%w: event trigger needs event_type", ErrValidation)
		}
		data, _ := m["event_data"].(map[string]any)
		return &EventTrigger{EventType: eventType, EventData: data}, nil
	case "time":
		spec, err := clock.FromMap(m, c.DefaultTZ)
		if err != nil {
			return nil, err
		}
		return NewTimeTrigger(spec), nil
	case "homeassistant":
		return &HomeAssistantTrigger{}, nil
	case "":
		return nil, fmt.Errorf("%w: trigger needs a platform", ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unknown trigger platform %q", ErrValidation, platform)
	}
}

func (c Codec) decodeCondition(m map[string]any) (Condition, error) {
	kind, _ := m["condition"].(string)
	switch kind {
	case "and", "or":
		rawChildren, ok := m["conditions"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s condition needs a conditions list", ErrValidation, kind)
		}
		children := make([]Condition, 0, len(rawChildren))
		for i, raw := range rawChildren {
			cm, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s condition child %d is not an object", ErrValidation, kind, i)
			}
			child, err := c.decodeCondition(cm)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if kind == "and" {
			return &AndCondition{Conditions: children}, nil
		}
		return &OrCondition{Conditions: children}, nil
	case "state":
		entityID, _ := m["entity_id"].(string)
		state, _ := m["state"].(string)
		if entityID == "" {
			return nil, fmt.Errorf("%w: state condition needs entity_id", ErrValidation)
		}
		return &StateCondition{EntityID: entityID, State: state}, nil
	case "numeric_state":
		entityID, _ := m["entity_id"].(string)
		if entityID == "" {
			return nil, fmt.Errorf("%w: numeric_state condition needs entity_id", ErrValidation)
		}
		return NewNumericStateCondition(entityID, optFloat(m, "above_value"), optFloat(m, "below_value"))
	case "sun":
		before, _ := m["before"].(string)
		after, _ := m["after"].(string)
		beforeOffset, err := optOffset(m, "before_offset")
		if err != nil {
			return nil, err
		}
		afterOffset, err := optOffset(m, "after_offset")
		if err != nil {
			return nil, err
		}
		return NewSunCondition(before, after, beforeOffset, afterOffset)
	case "template":
		tmpl, _ := m["value_template"].(string)
		return &TemplateCondition{ValueTemplate: tmpl}, nil
	case "time":
		var after, before *DayTime
		if s, ok := m["after"].(string); ok {
			dt, err := ParseDayTime(s)
			if err != nil {
				return nil, err
			}
			after = &dt
		}
		if s, ok := m["before"].(string); ok {
			dt, err := ParseDayTime(s)
			if err != nil {
				return nil, err
			}
			before = &dt
		}
		weekdays, err := stringList(m["weekday"])
		if err != nil {
			return nil, fmt.Errorf("%w: time condition weekday must be a string list", ErrValidation)
		}
		tz, _ := m["tz"].(string)
		if tz == "" {
			tz = c.DefaultTZ
		}
		return NewTimeCondition(after, before, weekdays, tz)
	case "zone":
		entityID, _ := m["entity_id"].(string)
		zone, _ := m["zone"].(string)
		if entityID == "" || zone == "" {
			return nil, fmt.Errorf("%w: zone condition needs entity_id and zone", ErrValidation)
		}
		return &ZoneCondition{EntityID: entityID, Zone: zone}, nil
	case "":
		return nil, fmt.Errorf("%w: condition needs a condition kind", ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unknown condition %q", ErrValidation, kind)
	}
}

func (c Codec) decodeSequence(m map[string]any) (*ActionSequence, error) {
	seq := &ActionSequence{}
	seq.Description, _ = m["description"].(string)

	if raw, present := m["condition"]; present {
		cm, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: sequence condition is not an object", ErrValidation)
		}
		cond, err := c.decodeCondition(cm)
		if err != nil {
			return nil, err
		}
		seq.Condition = cond
	}

	rawSteps, ok := m["sequence"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: action sequence needs a sequence list", ErrValidation)
	}
	for i, raw := range rawSteps {
		am, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: sequence step %d is not an object", ErrValidation, i)
		}
		action, err := c.decodeAction(am)
		if err != nil {
			return nil, fmt.Errorf("sequence step %d: %w", i, err)
		}
		seq.Sequence = append(seq.Sequence, action)
	}
	return seq, nil
}

// decodeAction discriminates a step by which key it carries: service,
// condition, delay, or log_message. The event and wait forms are part
// of the descriptor schema but unimplemented; using one rejects the
// rule so misconfiguration is loud rather than silently skipped.
func (c Codec) decodeAction(m map[string]any) (Action, error) {
	if _, present := m["event"]; present {
		return nil, fmt.Errorf("%w: event actions are not supported", ErrValidation)
	}
	if _, present := m["wait"]; present {
		return nil, fmt.Errorf("%w: wait actions are not supported", ErrValidation)
	}
	if raw, present := m["service"]; present {
		name, _ := raw.(string)
		domain, _ := m["domain"].(string)
		// "light.turn_on" shorthand combines domain and service.
		if domain == "" {
			if i := strings.IndexByte(name, '.'); i > 0 {
				domain, name = name[:i], name[i+1:]
			}
		}
		if domain == "" || name == "" {
			return nil, fmt.Errorf("%w: service action needs domain and service", ErrValidation)
		}
		data, _ := m["data"].(map[string]any)
		return &ServiceAction{Domain: domain, Service: name, Data: data}, nil
	}
	if raw, present := m["condition"]; present {
		// Either an inline object or the flat form where the step map
		// itself is the condition descriptor.
		cm, ok := raw.(map[string]any)
		if !ok {
			cm = m
		}
		cond, err := c.decodeCondition(cm)
		if err != nil {
			return nil, err
		}
		return &ConditionAction{Condition: cond}, nil
	}
	if raw, present := m["delay"]; present {
		d, err := decodeDelay(raw)
		if err != nil {
			return nil, err
		}
		return &DelayAction{Delay: d}, nil
	}
	if raw, present := m["log_message"]; present {
		msg, _ := raw.(string)
		return &LogAction{Message: msg}, nil
	}
	return nil, fmt.Errorf("%w: unrecognized action step", ErrValidation)
}

// decodeDelay accepts "H:MM:SS" strings or a bare number of seconds.
func decodeDelay(v any) (time.Duration, error) {
	switch val := v.(type) {
	case string:
		d, err := ParseOffset(val)
		if err != nil || d < 0 {
			return 0, fmt.Errorf("%w: bad delay %q", ErrValidation, val)
		}
		return d, nil
	case float64:
		if val < 0 {
			return 0, fmt.Errorf("%w: negative delay", ErrValidation)
		}
		return time.Duration(val * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("%w: bad delay value", ErrValidation)
	}
}

func optString(m map[string]any, key string) *string {
	if s, ok := m[key].(string); ok {
		return &s
	}
	return nil
}

func optFloat(m map[string]any, key string) *float64 {
	switch v := m[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	}
	return nil
}

func optOffset(m map[string]any, key string) (time.Duration, error) {
	s, ok := m[key].(string)
	if !ok {
		return 0, nil
	}
	return ParseOffset(s)
}

func stringList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not a list")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("not a string list")
		}
		out = append(out, s)
	}
	return out, nil
}
