package rule

// ActionSequence is one gated run of steps. When the rule fires, every
// sequence whose condition holds (a nil condition always holds) runs
// its steps in order.
type ActionSequence struct {
	Description string
	Condition   Condition
	Sequence    []Action
}

// Serialize renders the sequence back into descriptor form.
func (s *ActionSequence) Serialize() map[string]any {
	d := map[string]any{}
	if s.Description != "" {
		d["description"] = s.Description
	}
	if s.Condition != nil {
		d["condition"] = s.Condition.Serialize()
	}
	steps := make([]map[string]any, 0, len(s.Sequence))
	for _, a := range s.Sequence {
		steps = append(steps, a.Serialize())
	}
	d["sequence"] = steps
	return d
}

// AutomationRule is one automation: triggers, an optional rule-level
// condition gate, and one or more action sequences.
type AutomationRule struct {
	ID          string
	Description string
	Enabled     bool
	Group       string
	Notes       string

	Triggers      []Trigger
	RuleCondition Condition
	Actions       []*ActionSequence
}

// TimeTriggers returns the rule's time triggers, which register on the
// scheduler rather than the event listener index.
func (r *AutomationRule) TimeTriggers() []*TimeTrigger {
	var out []*TimeTrigger
	for _, t := range r.Triggers {
		if tt, ok := t.(*TimeTrigger); ok {
			out = append(out, tt)
		}
	}
	return out
}

// Serialize renders the rule back into its JSON descriptor form.
func (r *AutomationRule) Serialize() map[string]any {
	triggers := make([]map[string]any, 0, len(r.Triggers))
	for _, t := range r.Triggers {
		triggers = append(triggers, t.Serialize())
	}
	actions := make([]map[string]any, 0, len(r.Actions))
	for _, seq := range r.Actions {
		actions = append(actions, seq.Serialize())
	}
	d := map[string]any{
		"id":       r.ID,
		"enabled":  r.Enabled,
		"triggers": triggers,
		"actions":  actions,
	}
	if r.Description != "" {
		d["description"] = r.Description
	}
	if r.Group != "" {
		d["group"] = r.Group
	}
	if r.Notes != "" {
		d["notes"] = r.Notes
	}
	if r.RuleCondition != nil {
		d["rule_condition"] = r.RuleCondition.Serialize()
	}
	return d
}
