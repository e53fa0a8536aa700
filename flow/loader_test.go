package flow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const transferDoc = `
name: transfer
description: money transfer between accounts
version: "1.0"
states:
  - id: idle
    name: Idle
    type: INITIAL
  - id: checking_balance
    name: Checking Balance
    type: NORMAL
  - id: transferring
    name: Transferring
    type: NORMAL
  - id: success
    name: Success
    type: FINAL
  - id: failed
    name: Failed
    type: ERROR
transitions:
  - from: idle
    to: checking_balance
    condition: Success
  - from: checking_balance
    to: transferring
    condition: Success
  - from: checking_balance
    to: failed
    condition: Failure
  - from: transferring
    to: success
    condition: Success
  - from: transferring
    to: failed
    condition: Failure
functions:
  - stateId: checking_balance
    functionName: checkBalance
    retryCount: 2
    timeout: 5
`

func TestParseFlow(t *testing.T) {
	cfg, err := ParseFlow([]byte(transferDoc))
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}

	if cfg.Name != "transfer" {
		t.Errorf("Name = %q, want transfer", cfg.Name)
	}
	if cfg.InitialState() != "idle" {
		t.Errorf("InitialState = %q, want idle", cfg.InitialState())
	}
	if len(cfg.States) != 5 {
		t.Errorf("states = %d, want 5", len(cfg.States))
	}
	if got := len(cfg.TransitionsFrom("checking_balance")); got != 2 {
		t.Errorf("edges out of checking_balance = %d, want 2", got)
	}
	if len(cfg.Bindings) != 1 || cfg.Bindings[0].FunctionName != "checkBalance" {
		t.Errorf("bindings = %+v", cfg.Bindings)
	}
	if cfg.Bindings[0].RetryCount != 2 || cfg.Bindings[0].Timeout != 5 {
		t.Errorf("binding attributes = %+v", cfg.Bindings[0])
	}
}

func TestParseFlowJSON(t *testing.T) {
	// YAML is a superset of JSON, so JSON documents parse unchanged.
	doc := `{
		"name": "approval",
		"states": [
			{"id": "submitted", "type": "INITIAL"},
			{"id": "approved", "type": "FINAL"}
		],
		"transitions": [
			{"from": "submitted", "to": "approved", "condition": "Success"}
		]
	}`
	cfg, err := ParseFlow([]byte(doc))
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}
	if cfg.InitialState() != "submitted" {
		t.Errorf("InitialState = %q, want submitted", cfg.InitialState())
	}
}

func TestParseFlowLowercaseType(t *testing.T) {
	doc := `
name: lower
states:
  - id: start
    type: initial
  - id: done
    type: final
transitions:
  - from: start
    to: done
    condition: Success
`
	cfg, err := ParseFlow([]byte(doc))
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}
	if cfg.State("start").Type != StateTypeInitial {
		t.Errorf("type = %q, want INITIAL", cfg.State("start").Type)
	}
}

func TestParseFlowErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			"no initial state",
			`
name: broken
states:
  - id: a
    type: NORMAL
  - id: b
    type: FINAL
`,
		},
		{
			"duplicate state id",
			`
name: broken
states:
  - id: a
    type: INITIAL
  - id: a
    type: FINAL
`,
		},
		{
			"transition from unknown state",
			`
name: broken
states:
  - id: a
    type: INITIAL
transitions:
  - from: ghost
    to: a
    condition: Success
`,
		},
		{
			"transition to unknown state",
			`
name: broken
states:
  - id: a
    type: INITIAL
transitions:
  - from: a
    to: ghost
    condition: Success
`,
		},
		{
			"empty state id",
			`
name: broken
states:
  - name: anonymous
    type: INITIAL
`,
		},
		{
			"not yaml",
			"{{{{",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFlow([]byte(tt.doc))
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("ParseFlow error = %v, want ConfigError", err)
			}
		})
	}
}

func TestParseFlowPriorityOrdering(t *testing.T) {
	doc := `
name: routed
states:
  - id: start
    type: INITIAL
  - id: fast
    type: FINAL
  - id: slow
    type: FINAL
  - id: fallback
    type: FINAL
transitions:
  - from: start
    to: fallback
    condition: Success
    priority: 0
  - from: start
    to: slow
    condition: Success
    priority: 5
  - from: start
    to: fast
    condition: Success
    priority: 10
`
	cfg, err := ParseFlow([]byte(doc))
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}

	edges := cfg.TransitionsFrom("start")
	want := []string{"fast", "slow", "fallback"}
	for i, to := range want {
		if edges[i].To != to {
			t.Errorf("edges[%d].To = %q, want %q", i, edges[i].To, to)
		}
	}
}

func TestParseFlowPauseFields(t *testing.T) {
	doc := `
name: approval
defaultTimeout: 120
pauseable: true
states:
  - id: submitted
    type: INITIAL
  - id: awaiting_approval
    type: NORMAL
    pauseOnEnter: true
    timeout: 300
    timeoutAction:
      type: transition
      targetState: approval_expired
  - id: awaiting_review
    type: NORMAL
    pauseOnEnter: true
    timeout: -1
  - id: approval_expired
    type: FINAL
transitions:
  - from: submitted
    to: awaiting_approval
    condition: Success
`
	cfg, err := ParseFlow([]byte(doc))
	if err != nil {
		t.Fatalf("ParseFlow: %v", err)
	}

	if cfg.DefaultTimeout != 120 {
		t.Errorf("DefaultTimeout = %d, want 120", cfg.DefaultTimeout)
	}
	if !cfg.HasPauseStates() {
		t.Error("HasPauseStates = false, want true")
	}

	approval := cfg.State("awaiting_approval")
	if !approval.PauseOnEnter {
		t.Error("awaiting_approval.PauseOnEnter = false")
	}
	if cfg.EffectiveTimeout(approval) != 300 {
		t.Errorf("EffectiveTimeout = %d, want 300", cfg.EffectiveTimeout(approval))
	}
	if approval.TimeoutAction == nil || approval.TimeoutAction.TargetState != "approval_expired" {
		t.Errorf("TimeoutAction = %+v", approval.TimeoutAction)
	}

	review := cfg.State("awaiting_review")
	if cfg.EffectiveTimeout(review) != -1 {
		t.Errorf("explicit -1 timeout resolved to %d", cfg.EffectiveTimeout(review))
	}
	if cfg.EffectiveTimeout(cfg.State("submitted")) != 120 {
		t.Errorf("nil timeout should fall back to flow default")
	}
}

func TestLoadFlow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.yaml")
	if err := os.WriteFile(path, []byte(transferDoc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFlow(path)
	if err != nil {
		t.Fatalf("LoadFlow: %v", err)
	}
	if cfg.Name != "transfer" {
		t.Errorf("Name = %q, want transfer", cfg.Name)
	}

	if _, err := LoadFlow(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFlow on missing file succeeded")
	}
}
