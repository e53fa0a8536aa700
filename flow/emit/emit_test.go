package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNullEmitter(t *testing.T) {
	// Must not panic; the null emitter discards everything.
	NewNullEmitter().Emit(Event{InstanceID: "wf-1", Msg: "step_complete"})
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(&buf, false)

	em.Emit(Event{
		InstanceID: "wf-1",
		StateID:    "checking_balance",
		Msg:        "step_complete",
		Meta:       map[string]any{"to": "transferring"},
	})

	out := buf.String()
	for _, want := range []string{"[step_complete]", "instance=wf-1", "state=checking_balance", `"to":"transferring"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(&buf, true)

	em.Emit(Event{InstanceID: "wf-1", StateID: "idle", Msg: "instance_started"})
	em.Emit(Event{InstanceID: "wf-1", StateID: "idle", Msg: "step_complete"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	for _, line := range lines {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", line, err)
		}
		if decoded["instanceID"] != "wf-1" {
			t.Errorf("instanceID = %v", decoded["instanceID"])
		}
	}
}

func TestBufferedEmitterHistory(t *testing.T) {
	em := NewBufferedEmitter()
	em.Emit(Event{InstanceID: "wf-1", StateID: "idle", Msg: "instance_started"})
	em.Emit(Event{InstanceID: "wf-1", StateID: "idle", Msg: "step_complete"})
	em.Emit(Event{InstanceID: "wf-1", StateID: "checking_balance", Msg: "step_complete"})
	em.Emit(Event{InstanceID: "wf-2", StateID: "idle", Msg: "instance_started"})

	if got := em.History("wf-1"); len(got) != 3 {
		t.Errorf("History(wf-1) length = %d, want 3", len(got))
	}
	if got := em.History("wf-ghost"); got == nil || len(got) != 0 {
		t.Errorf("History for unknown instance = %v, want empty non-nil", got)
	}

	steps := em.HistoryWithFilter("wf-1", HistoryFilter{Msg: "step_complete"})
	if len(steps) != 2 {
		t.Errorf("filtered by msg = %d, want 2", len(steps))
	}
	atIdle := em.HistoryWithFilter("wf-1", HistoryFilter{StateID: "idle", Msg: "step_complete"})
	if len(atIdle) != 1 {
		t.Errorf("filtered by state and msg = %d, want 1", len(atIdle))
	}

	em.Clear("wf-1")
	if len(em.History("wf-1")) != 0 {
		t.Error("Clear(wf-1) left events behind")
	}
	if len(em.History("wf-2")) != 1 {
		t.Error("Clear(wf-1) touched another instance")
	}

	em.Clear("")
	if len(em.History("wf-2")) != 0 {
		t.Error("Clear(\"\") left events behind")
	}
}

func TestOTelEmitterSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	em := NewOTelEmitter(tp.Tracer("statekit-test"))
	em.Emit(Event{
		InstanceID: "wf-1",
		StateID:    "transferring",
		Msg:        "step_complete",
		Meta:       map[string]any{"to": "success", "attempt": 2},
	})
	em.Emit(Event{
		InstanceID: "wf-1",
		StateID:    "checking_balance",
		Msg:        "step_complete",
		Meta:       map[string]any{"error": "insufficient funds"},
	})

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}

	first := spans[0]
	if first.Name() != "step_complete" {
		t.Errorf("span name = %q", first.Name())
	}
	attrs := make(map[string]any)
	for _, kv := range first.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["statekit.instance_id"] != "wf-1" {
		t.Errorf("instance attribute = %v", attrs["statekit.instance_id"])
	}
	if attrs["statekit.meta.to"] != "success" {
		t.Errorf("meta attribute = %v", attrs["statekit.meta.to"])
	}
	if attrs["statekit.meta.attempt"] != int64(2) {
		t.Errorf("int meta attribute = %v", attrs["statekit.meta.attempt"])
	}

	second := spans[1]
	if second.Status().Description != "insufficient funds" {
		t.Errorf("error span status = %+v", second.Status())
	}
}
