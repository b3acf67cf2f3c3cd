package enginelog

import (
	"testing"
	"time"
)

func TestAddAndRecords(t *testing.T) {
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l := New(func() time.Time { return at })

	l.Add(TypeTriggerFired, map[string]any{"rule_id": "r1"})
	l.AddEvent("state_changed", map[string]any{"entity_id": "light.x"})
	l.AddError("boom")

	records := l.Records()
	if len(records) != 3 {
		t.Fatalf("len(Records()) = %d, want 3", len(records))
	}
	if records[0].Type != TypeTriggerFired {
		t.Errorf("records[0].Type = %q, want %q", records[0].Type, TypeTriggerFired)
	}
	if !records[0].Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", records[0].Timestamp, at)
	}
	if records[1].Entry["event"] != "state_changed" {
		t.Errorf("event entry = %v, want state_changed", records[1].Entry["event"])
	}
	if records[2].Entry["message"] != "boom" {
		t.Errorf("error entry = %v, want boom", records[2].Entry["message"])
	}
}

func TestRingEvictsOldest(t *testing.T) {
	l := New(nil)
	l.SetMaxRecords(3)

	for i := 0; i < 5; i++ {
		l.Add(TypeDebug, map[string]any{"n": i})
	}

	records := l.Records()
	if len(records) != 3 {
		t.Fatalf("len(Records()) = %d, want 3", len(records))
	}
	if records[0].Entry["n"] != 2 {
		t.Errorf("oldest surviving entry = %v, want 2", records[0].Entry["n"])
	}
	if records[2].Entry["n"] != 4 {
		t.Errorf("newest entry = %v, want 4", records[2].Entry["n"])
	}
}

func TestSetMaxRecordsTrimsImmediately(t *testing.T) {
	l := New(nil)
	for i := 0; i < 10; i++ {
		l.Add(TypeDebug, nil)
	}
	l.SetMaxRecords(4)
	if got := len(l.Records()); got != 4 {
		t.Errorf("len(Records()) = %d, want 4", got)
	}
}

func TestNilLogIsSafe(t *testing.T) {
	var l *Log
	l.Add(TypeDebug, nil)
	l.AddEvent("x", nil)
	l.AddError("x")
	if got := l.Records(); got != nil {
		t.Errorf("Records() on nil log = %v, want nil", got)
	}
}

func TestRecordsReturnsCopy(t *testing.T) {
	l := New(nil)
	l.Add(TypeDebug, map[string]any{"n": 1})

	first := l.Records()
	first[0].Type = "mutated"

	if l.Records()[0].Type != TypeDebug {
		t.Error("mutating the returned slice changed the ring")
	}
}
