package store

import (
	"testing"
	"time"
)

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		name string
		et   EventType
		want string
	}{
		{"full", EventType{Namespace: "workflow", Name: "process", Version: "1.0"}, "workflow.process.1.0"},
		{"no version", EventType{Namespace: "workflow", Name: "timeout"}, "workflow.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.et.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppendEventBounded(t *testing.T) {
	sc := NewStateContext("wf-window")
	for i := 0; i < MaxRecentEvents+10; i++ {
		sc.AppendEvent(Event{ID: "ev", Timestamp: time.Now()})
	}
	if len(sc.RecentEvents) != MaxRecentEvents {
		t.Errorf("window length = %d, want %d", len(sc.RecentEvents), MaxRecentEvents)
	}
}

func TestPauseMarkers(t *testing.T) {
	sc := NewStateContext("wf-pause")
	if sc.IsPaused() {
		t.Error("fresh context reports paused")
	}

	sc.Metadata[MetaPausedAt] = int64(1700000000000)
	sc.Metadata[MetaPausedState] = "awaiting_approval"
	sc.Metadata[MetaPauseTimeout] = 300
	if !sc.IsPaused() {
		t.Error("marked context not reported paused")
	}

	sc.ClearPauseMarkers()
	if sc.IsPaused() {
		t.Error("cleared context still reports paused")
	}
	if _, ok := sc.Metadata[MetaPausedState]; ok {
		t.Error("paused state key survived clear")
	}
	if _, ok := sc.Metadata[MetaPauseTimeout]; ok {
		t.Error("pause timeout key survived clear")
	}
}

func TestCloneIsolation(t *testing.T) {
	sc := NewStateContext("wf-clone")
	sc.LocalState["amount"] = 100
	sc.LocalState["nested"] = map[string]any{"account": "acc-1"}
	sc.Metadata["owner"] = "billing"
	sc.AppendEvent(Event{ID: "ev-1"})

	cp := sc.Clone()
	cp.LocalState["amount"] = 200
	cp.LocalState["nested"].(map[string]any)["account"] = "acc-2"
	cp.Metadata["owner"] = "fraud"
	cp.RecentEvents[0].ID = "ev-X"

	if sc.LocalState["amount"] != 100 {
		t.Errorf("clone mutation leaked into amount: %v", sc.LocalState["amount"])
	}
	if got := sc.LocalState["nested"].(map[string]any)["account"]; got != "acc-1" {
		t.Errorf("clone mutation leaked into nested map: %v", got)
	}
	if sc.Metadata["owner"] != "billing" {
		t.Errorf("clone mutation leaked into metadata: %v", sc.Metadata["owner"])
	}
	if sc.RecentEvents[0].ID != "ev-1" {
		t.Errorf("clone mutation leaked into events: %v", sc.RecentEvents[0].ID)
	}
}
