// Package rule implements the automation model: triggers matched
// against inbound events, nested boolean conditions evaluated against
// the state store, and sequenced actions executed when a rule fires.
package rule

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ottohome/ottoengine/internal/clock"
	"github.com/ottohome/ottoengine/internal/enginelog"
	"github.com/ottohome/ottoengine/internal/model"
)

// ErrValidation reports a trigger, condition, or action descriptor
// that fails structural validation.
var ErrValidation = errors.New("validation error")

// Env is the slice of the engine that conditions and actions interact
// with. The engine implements it; tests substitute fakes.
type Env interface {
	// EntityState returns the current state of an entity, or nil if
	// the entity is unknown.
	EntityState(entityID string) *model.EntityState

	// Now returns the current instant from the engine's time source.
	Now() time.Time

	// CallService submits an outbound service invocation. Returns nil
	// once the frame has been accepted for sending.
	CallService(ctx context.Context, call model.ServiceCall) error

	// EngineLog returns the structured observability log (may be nil).
	EngineLog() *enginelog.Log
}

// Trigger is one of the rule's firing criteria. Event-matched triggers
// also implement eventMatcher; time triggers are dispatched by the
// scheduler instead.
type Trigger interface {
	Platform() string
	Serialize() map[string]any
}

// EventMatcher is implemented by triggers that match inbound events.
type EventMatcher interface {
	MatchesEvent(ev any) bool
}

// StateTrigger fires on a state_changed event for one entity,
// optionally constrained to specific from/to state values.
// Attribute-only changes (old state equals new state) never fire.
type StateTrigger struct {
	EntityID string
	To       *string
	From     *string
}

func (t *StateTrigger) Platform() string { return "state" }

func (t *StateTrigger) MatchesEvent(ev any) bool {
	sc, ok := ev.(*model.StateChangedEvent)
	if !ok || sc.EntityID != t.EntityID || sc.NewState == nil {
		return false
	}
	if t.To != nil && sc.NewState.State != *t.To {
		return false
	}
	if t.From != nil && (sc.OldState == nil || sc.OldState.State != *t.From) {
		return false
	}
	// Metadata-only updates arrive as state_changed events with an
	// unchanged state value; they must not fire.
	if sc.OldState != nil && sc.OldState.State == sc.NewState.State {
		return false
	}
	return true
}

func (t *StateTrigger) Serialize() map[string]any {
	d := map[string]any{
		"platform":  t.Platform(),
		"entity_id": t.EntityID,
	}
	if t.To != nil {
		d["to"] = *t.To
	}
	if t.From != nil {
		d["from"] = *t.From
	}
	return d
}

// NumericStateTrigger fires on a state_changed event whose new state
// parses as a number strictly inside the configured bounds. At least
// one bound is required.
type NumericStateTrigger struct {
	EntityID string
	Above    *float64
	Below    *float64
}

// NewNumericStateTrigger validates the at-least-one-bound invariant.
func NewNumericStateTrigger(entityID string, above, below *float64) (*NumericStateTrigger, error) {
	if above == nil && below == nil {
		return nil, fmt.Errorf("%w: numeric_state trigger needs above_value or below_value (%s)",
			ErrValidation, entityID)
	}
	return &NumericStateTrigger{EntityID: entityID, Above: above, Below: below}, nil
}

func (t *NumericStateTrigger) Platform() string { return "numeric_state" }

func (t *NumericStateTrigger) MatchesEvent(ev any) bool {
	sc, ok := ev.(*model.StateChangedEvent)
	if !ok || sc.EntityID != t.EntityID || sc.NewState == nil {
		return false
	}
	value, err := strconv.ParseFloat(sc.NewState.State, 64)
	if err != nil {
		return false
	}
	return numericInBounds(value, t.Above, t.Below)
}

func (t *NumericStateTrigger) Serialize() map[string]any {
	d := map[string]any{
		"platform":  t.Platform(),
		"entity_id": t.EntityID,
	}
	if t.Above != nil {
		d["above_value"] = *t.Above
	}
	if t.Below != nil {
		d["below_value"] = *t.Below
	}
	return d
}

// numericInBounds applies the strict above/below comparison shared by
// numeric triggers and conditions. Nil bounds pass.
func numericInBounds(value float64, above, below *float64) bool {
	if above != nil && value <= *above {
		return false
	}
	if below != nil && value >= *below {
		return false
	}
	return true
}

// EventTrigger fires on a generic event of the given type whose data
// contains every configured key with an equal value (subset match).
type EventTrigger struct {
	EventType string
	EventData map[string]any
}

func (t *EventTrigger) Platform() string { return "event" }

func (t *EventTrigger) MatchesEvent(ev any) bool {
	he, ok := ev.(*model.HassEvent)
	if !ok || he.EventType != t.EventType {
		return false
	}
	for key, want := range t.EventData {
		got, present := he.Data[key]
		if !present || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func (t *EventTrigger) Serialize() map[string]any {
	data := t.EventData
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"platform":   t.Platform(),
		"event_type": t.EventType,
		"event_data": data,
	}
}

// TimeTrigger is dispatched by the scheduler, never by event matching.
// The generated ID registers the trigger on the clock timeline.
type TimeTrigger struct {
	ID   string
	Spec *clock.TimeSpec
}

// NewTimeTrigger assigns an opaque id to a validated spec.
func NewTimeTrigger(spec *clock.TimeSpec) *TimeTrigger {
	return &TimeTrigger{ID: uuid.NewString(), Spec: spec}
}

func (t *TimeTrigger) Platform() string { return "time" }

func (t *TimeTrigger) Serialize() map[string]any {
	d := map[string]any{"platform": t.Platform()}
	if t.Spec != nil {
		if t.Spec.Minute != "" {
			d["minute"] = t.Spec.Minute
		}
		if t.Spec.Hour != "" {
			d["hour"] = t.Spec.Hour
		}
		if t.Spec.DayOfMonth != "" {
			d["day_of_month"] = t.Spec.DayOfMonth
		}
		if t.Spec.Month != "" {
			d["month"] = t.Spec.Month
		}
		if t.Spec.Weekdays != "" {
			d["weekdays"] = t.Spec.Weekdays
		}
		d["tz"] = t.Spec.TZ
	}
	return d
}

// HomeAssistantTrigger is accepted by the descriptor schema but inert:
// it registers no listeners and never matches.
type HomeAssistantTrigger struct{}

func (t *HomeAssistantTrigger) Platform() string { return "homeassistant" }

func (t *HomeAssistantTrigger) Serialize() map[string]any {
	return map[string]any{"platform": t.Platform()}
}
