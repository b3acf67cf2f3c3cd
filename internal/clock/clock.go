package clock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// TickInterval is the sleep between scheduler ticks.
	TickInterval = 1 * time.Second

	// TickGrace is how late an alarm may be processed and still fire.
	// Later than this it fires once with a warning; missed intervening
	// occurrences are never replayed.
	TickGrace = 60 * time.Second
)

// Source supplies the current instant. Injectable so the tick loop and
// time-dependent conditions can be driven deterministically in tests.
type Source func() time.Time

// ActionFunc is invoked, on its own goroutine, when an alarm fires.
type ActionFunc func(ctx context.Context)

// alarmAction is one scheduled firing. A non-nil spec makes the action
// recurring: after firing it is re-inserted at the spec's next instant.
type alarmAction struct {
	id   string
	fire ActionFunc
	spec *TimeSpec
}

// Alarm is one entry on the timeline: a single instant plus the
// actions to fire at it.
type Alarm struct {
	Time    time.Time
	actions []alarmAction
}

// EngineClock owns the alarm timeline and drives it from a
// fixed-period tick loop. Add and Remove may be called from any
// goroutine; the timeline is mutex-guarded.
type EngineClock struct {
	now    Source
	logger *slog.Logger

	mu       sync.Mutex
	timeline []*Alarm
}

// New creates an EngineClock reading time from now.
func New(now Source, logger *slog.Logger) *EngineClock {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineClock{now: now, logger: logger}
}

// AddTimeSpecAction schedules a recurring action at the spec's next
// instant after nowtime. The id identifies the action for removal.
func (c *EngineClock) AddTimeSpecAction(id string, fire ActionFunc, spec *TimeSpec, nowtime time.Time) error {
	next, err := spec.NextFrom(nowtime)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(next, alarmAction{id: id, fire: fire, spec: spec})
	return nil
}

// RemoveTimeSpecAction deletes every action with the given id across
// all alarms and prunes alarms left empty.
func (c *EngineClock) RemoveTimeSpecAction(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.timeline[:0]
	for _, alarm := range c.timeline {
		actions := alarm.actions[:0]
		for _, a := range alarm.actions {
			if a.id != id {
				actions = append(actions, a)
			}
		}
		alarm.actions = actions
		if len(alarm.actions) > 0 {
			kept = append(kept, alarm)
		}
	}
	c.timeline = kept
}

// AlarmTimes returns the timeline's instants in order. Intended for
// introspection and tests.
func (c *EngineClock) AlarmTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	times := make([]time.Time, len(c.timeline))
	for i, alarm := range c.timeline {
		times[i] = alarm.Time
	}
	return times
}

// Run ticks the timeline every TickInterval until ctx is cancelled.
// Pending alarms are released unfired on cancellation.
func (c *EngineClock) Run(ctx context.Context) {
	c.logger.Info("clock started")
	defer c.logger.Info("clock stopped")

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.timeline = nil
			c.mu.Unlock()
			return
		case <-ticker.C:
			c.Tick(ctx, c.now())
		}
	}
}

// Tick processes every alarm due at or before now: each action is
// launched on its own goroutine and, if recurring, immediately
// re-inserted at its next instant. Exported so tests can drive the
// timeline without the ticker.
func (c *EngineClock) Tick(ctx context.Context, now time.Time) {
	for {
		c.mu.Lock()
		if len(c.timeline) == 0 || now.Before(c.timeline[0].Time) {
			c.mu.Unlock()
			return
		}
		alarm := c.timeline[0]
		c.timeline = c.timeline[1:]

		if now.After(alarm.Time.Add(TickGrace)) {
			c.logger.Warn("alarm fired past grace window",
				"alarm_time", alarm.Time,
				"now", now,
				"grace", TickGrace,
			)
		}

		for _, action := range alarm.actions {
			fire := action.fire
			go func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("alarm action panicked", "panic", r)
					}
				}()
				fire(ctx)
			}()

			if action.spec != nil {
				next, err := action.spec.NextFrom(now)
				if err != nil {
					c.logger.Error("failed to reschedule action",
						"id", action.id, "error", err)
					continue
				}
				c.insert(next, action)
			}
		}
		c.mu.Unlock()
	}
}

// insert places an action on the timeline, merging into an existing
// alarm on an exact instant match and otherwise keeping strict
// ascending order. Linear scan: timelines are bounded by active rules,
// typically tens of entries. Caller holds c.mu.
func (c *EngineClock) insert(at time.Time, action alarmAction) {
	for i, alarm := range c.timeline {
		if at.Equal(alarm.Time) {
			alarm.actions = append(alarm.actions, action)
			return
		}
		if at.Before(alarm.Time) {
			alarm := &Alarm{Time: at, actions: []alarmAction{action}}
			c.timeline = append(c.timeline[:i], append([]*Alarm{alarm}, c.timeline[i:]...)...)
			return
		}
	}
	c.timeline = append(c.timeline, &Alarm{Time: at, actions: []alarmAction{action}})
}
