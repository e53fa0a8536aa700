package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/statekit/statekit/flow/store"
)

func transferConfig(t *testing.T) *FlowConfig {
	t.Helper()
	cfg, err := ParseFlow([]byte(transferDoc))
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}
	return cfg
}

func processEvent(id string) *store.Event {
	return &store.Event{
		ID:        "ev-" + id,
		Type:      store.EventType{Namespace: "workflow", Name: "process", Version: "1.0"},
		Name:      "处理",
		Timestamp: time.Now().UTC(),
		Priority:  store.PriorityNormal,
	}
}

func TestMachineStartDefaultsToInitial(t *testing.T) {
	m := NewMachine(transferConfig(t), NewRegistry())
	sc := m.Start("wf-1", nil)

	if sc.CurrentStateID != "idle" {
		t.Errorf("CurrentStateID = %q, want idle", sc.CurrentStateID)
	}
	if m.CurrentState("wf-1") != "idle" {
		t.Errorf("CurrentState = %q, want idle", m.CurrentState("wf-1"))
	}
}

func TestMachineStartIdempotent(t *testing.T) {
	m := NewMachine(transferConfig(t), NewRegistry())
	first := m.Start("wf-1", nil)
	first.LocalState["amount"] = 100

	again := m.Start("wf-1", store.NewStateContext("wf-1"))
	if again != first {
		t.Error("second Start replaced the existing view")
	}
	if again.LocalState["amount"] != 100 {
		t.Error("second Start lost local state")
	}
}

func TestMachineRestore(t *testing.T) {
	m := NewMachine(transferConfig(t), NewRegistry())

	sc := store.NewStateContext("wf-1")
	sc.CurrentStateID = "transferring"
	if err := m.Restore("wf-1", sc); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if m.CurrentState("wf-1") != "transferring" {
		t.Errorf("CurrentState = %q, want transferring", m.CurrentState("wf-1"))
	}

	empty := store.NewStateContext("wf-2")
	err := m.Restore("wf-2", empty)
	var stateErr *StateError
	if !errors.As(err, &stateErr) || stateErr.Code != "EMPTY_STATE" {
		t.Errorf("Restore without current state = %v, want EMPTY_STATE", err)
	}
}

func TestMachineProcessEventAdvances(t *testing.T) {
	cfg := transferConfig(t)
	reg := NewRegistry()
	_ = reg.Register("checking_balance", okHandler(map[string]any{"balance": float64(500)}))

	m := NewMachine(cfg, reg)
	m.Start("wf-1", nil)

	// idle has no handler: implicit success moves to checking_balance.
	res, err := m.ProcessEvent(context.Background(), "wf-1", processEvent("1"))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if !res.Success || m.CurrentState("wf-1") != "checking_balance" {
		t.Fatalf("state = %q, want checking_balance", m.CurrentState("wf-1"))
	}

	res, err = m.ProcessEvent(context.Background(), "wf-1", processEvent("2"))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if m.CurrentState("wf-1") != "transferring" {
		t.Errorf("state = %q, want transferring", m.CurrentState("wf-1"))
	}

	sc := m.Context("wf-1")
	if sc.LocalState["balance"] != float64(500) {
		t.Errorf("result data not merged: %v", sc.LocalState)
	}
	if len(sc.RecentEvents) != 2 {
		t.Errorf("RecentEvents length = %d, want 2", len(sc.RecentEvents))
	}
}

func TestMachineProcessEventFailureBranch(t *testing.T) {
	cfg := transferConfig(t)
	reg := NewRegistry()
	_ = reg.Register("checking_balance", func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
		return nil, errors.New("insufficient funds")
	})

	m := NewMachine(cfg, reg)
	sc := store.NewStateContext("wf-1")
	sc.CurrentStateID = "checking_balance"
	if err := m.Restore("wf-1", sc); err != nil {
		t.Fatal(err)
	}

	res, err := m.ProcessEvent(context.Background(), "wf-1", processEvent("1"))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if res.Success {
		t.Error("failing handler produced success")
	}
	if m.CurrentState("wf-1") != "failed" {
		t.Errorf("state = %q, want failed (Failure edge)", m.CurrentState("wf-1"))
	}
}

func TestMachineProcessEventStaysPutWhenNoEdgeMatches(t *testing.T) {
	cfg := transferConfig(t)
	m := NewMachine(cfg, NewRegistry())

	sc := store.NewStateContext("wf-1")
	sc.CurrentStateID = "success" // terminal: no outgoing edges
	if err := m.Restore("wf-1", sc); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ProcessEvent(context.Background(), "wf-1", processEvent("1")); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if m.CurrentState("wf-1") != "success" {
		t.Errorf("state = %q, want success (unchanged)", m.CurrentState("wf-1"))
	}
}

func TestMachineProcessEventUnknownInstance(t *testing.T) {
	m := NewMachine(transferConfig(t), NewRegistry())
	_, err := m.ProcessEvent(context.Background(), "ghost", processEvent("1"))
	var stateErr *StateError
	if !errors.As(err, &stateErr) || stateErr.Code != "UNKNOWN_INSTANCE" {
		t.Errorf("error = %v, want UNKNOWN_INSTANCE", err)
	}
}

func TestMachineProcessEventClearsPauseMarkers(t *testing.T) {
	cfg := transferConfig(t)
	m := NewMachine(cfg, NewRegistry())

	sc := store.NewStateContext("wf-1")
	sc.CurrentStateID = "idle"
	sc.Metadata[store.MetaPausedAt] = time.Now().UnixMilli()
	sc.Metadata[store.MetaPausedState] = "idle"
	sc.Metadata[store.MetaPauseTimeout] = 60
	if err := m.Restore("wf-1", sc); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ProcessEvent(context.Background(), "wf-1", processEvent("1")); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if m.Context("wf-1").IsPaused() {
		t.Error("pause markers survived the process step")
	}
}

func TestMachineForceTransition(t *testing.T) {
	cfg := transferConfig(t)
	m := NewMachine(cfg, NewRegistry())

	sc := store.NewStateContext("wf-1")
	sc.CurrentStateID = "transferring"
	sc.LocalState["amount"] = 250
	sc.Metadata[store.MetaPausedAt] = time.Now().UnixMilli()
	if err := m.Restore("wf-1", sc); err != nil {
		t.Fatal(err)
	}

	if err := m.ForceTransition("wf-1", "failed", "timeout"); err != nil {
		t.Fatalf("ForceTransition: %v", err)
	}
	if m.CurrentState("wf-1") != "failed" {
		t.Errorf("state = %q, want failed", m.CurrentState("wf-1"))
	}

	got := m.Context("wf-1")
	if got.LocalState["amount"] != 250 {
		t.Error("forced transition touched local state")
	}
	if got.IsPaused() {
		t.Error("forced transition left pause markers")
	}

	if err := m.ForceTransition("wf-1", "ghost", ""); err == nil {
		t.Error("force transition to undefined state succeeded")
	}
	if err := m.ForceTransition("ghost", "failed", ""); err == nil {
		t.Error("force transition for unknown instance succeeded")
	}
}

func TestMachineInvalidate(t *testing.T) {
	m := NewMachine(transferConfig(t), NewRegistry())
	m.Start("wf-1", nil)

	if !m.Loaded("wf-1") {
		t.Fatal("instance not loaded after Start")
	}
	m.Invalidate("wf-1")
	if m.Loaded("wf-1") {
		t.Error("instance still loaded after Invalidate")
	}
	if m.CurrentState("wf-1") != "" {
		t.Errorf("CurrentState after Invalidate = %q, want empty", m.CurrentState("wf-1"))
	}
}
