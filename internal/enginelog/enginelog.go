// Package enginelog keeps a bounded ring of structured observability
// records: triggers fired, conditions tested, services called. The REST
// surface serves a snapshot of the ring so rule behavior can be
// inspected without trawling process logs. The log is nil-safe: adding
// to a nil *Log is a no-op, so components do not need guard checks.
package enginelog

import (
	"sync"
	"time"
)

// Record type constants.
const (
	TypeEvent           = "event"
	TypeError           = "error"
	TypeServiceCalled   = "service_called"
	TypeTriggerFired    = "trigger_fired"
	TypeConditionTested = "condition_tested"
	TypeConditionPassed = "condition_passed"
	TypeRuleCompleted   = "rule_completed"
	TypeDebug           = "debug"
)

// DefaultMaxRecords bounds the ring unless SetMaxRecords overrides it.
const DefaultMaxRecords = 100

// Record is one engine log entry.
type Record struct {
	Timestamp time.Time      `json:"ts"`
	Type      string         `json:"type"`
	Entry     map[string]any `json:"entry"`
}

// Log is a fixed-capacity ring of Records. Safe for concurrent use.
type Log struct {
	now func() time.Time

	mu      sync.Mutex
	records []Record
	max     int
}

// New creates a Log bounded at DefaultMaxRecords. The now function is
// injectable for deterministic tests; nil means time.Now.
func New(now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{now: now, max: DefaultMaxRecords}
}

// Add appends a record, evicting the oldest entries past the bound.
// Safe to call on a nil receiver (no-op).
func (l *Log) Add(recordType string, entry map[string]any) {
	if l == nil {
		return
	}
	if entry == nil {
		entry = map[string]any{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max <= 0 {
		return
	}
	l.records = append(l.records, Record{
		Timestamp: l.now().UTC(),
		Type:      recordType,
		Entry:     entry,
	})
	l.trim()
}

// AddEvent records an inbound event observation.
func (l *Log) AddEvent(eventName string, eventData map[string]any) {
	if eventData == nil {
		eventData = map[string]any{}
	}
	l.Add(TypeEvent, map[string]any{
		"event":      eventName,
		"event_data": eventData,
	})
}

// AddError records an error message.
func (l *Log) AddError(msg string) {
	l.Add(TypeError, map[string]any{"message": msg})
}

// Records returns a copy of the ring, oldest first.
func (l *Log) Records() []Record {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// SetMaxRecords changes the bound and re-trims immediately.
func (l *Log) SetMaxRecords(max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = max
	l.trim()
}

// trim drops the oldest records past the bound. Caller holds l.mu.
func (l *Log) trim() {
	if over := len(l.records) - l.max; over > 0 {
		l.records = append([]Record(nil), l.records[over:]...)
	}
}
