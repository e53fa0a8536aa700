package flow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/statekit/statekit/flow/store"
)

func okHandler(data map[string]any) Handler {
	return func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
		return &StateResult{Success: true, Data: data}, nil
	}
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("", okHandler(nil)); err == nil {
		t.Error("empty state ID accepted")
	}
	if err := reg.Register("a", nil); err == nil {
		t.Error("nil handler accepted")
	}
}

func TestRegistryImplicitSuccess(t *testing.T) {
	reg := NewRegistry()
	sc := store.NewStateContext("wf-1")

	res := reg.Invoke(context.Background(), "routing_state", sc)
	if !res.Success {
		t.Error("missing handler should yield implicit success")
	}
	if res.Data == nil || len(res.Data) != 0 {
		t.Errorf("implicit result data = %v, want empty map", res.Data)
	}
	if res.Err != nil {
		t.Errorf("implicit result err = %v", res.Err)
	}
}

func TestRegistryPriority(t *testing.T) {
	reg := NewRegistry()
	var ran string

	mk := func(name string) Handler {
		return func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
			ran = name
			return &StateResult{Success: true}, nil
		}
	}

	if err := reg.Register("s", mk("low"), WithPriority(1)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("s", mk("high"), WithPriority(10)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("s", mk("mid"), WithPriority(5)); err != nil {
		t.Fatal(err)
	}

	reg.Invoke(context.Background(), "s", store.NewStateContext("wf-1"))
	if ran != "high" {
		t.Errorf("ran %q, want high", ran)
	}

	info, ok := reg.Info("s")
	if !ok || info.Priority != 10 {
		t.Errorf("Info = %+v, want the priority-10 binding", info)
	}
}

func TestRegistryPriorityTieKeepsFirst(t *testing.T) {
	reg := NewRegistry()
	var ran string
	mk := func(name string) Handler {
		return func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
			ran = name
			return &StateResult{Success: true}, nil
		}
	}
	_ = reg.Register("s", mk("first"))
	_ = reg.Register("s", mk("second"))

	reg.Invoke(context.Background(), "s", store.NewStateContext("wf-1"))
	if ran != "first" {
		t.Errorf("ran %q, want first (registration order breaks ties)", ran)
	}
}

func TestInvokeErrorBecomesFailure(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("insufficient funds")
	_ = reg.Register("s", func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
		return nil, boom
	})

	res := reg.Invoke(context.Background(), "s", store.NewStateContext("wf-1"))
	if res.Success {
		t.Error("handler error produced a successful result")
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("result err = %v, want the handler error", res.Err)
	}
}

func TestInvokePanicRecovered(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	_ = reg.Register("s", func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
		calls.Add(1)
		panic("handler exploded")
	}, WithRetryCount(3))

	res := reg.Invoke(context.Background(), "s", store.NewStateContext("wf-1"))
	if res.Success {
		t.Error("panic produced a successful result")
	}
	if calls.Load() != 1 {
		t.Errorf("panicking handler ran %d times, want 1 (panics are not retried)", calls.Load())
	}
}

func TestInvokeNilResultIsSuccess(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("s", func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
		return nil, nil
	})

	res := reg.Invoke(context.Background(), "s", store.NewStateContext("wf-1"))
	if !res.Success || res.Data == nil {
		t.Errorf("nil result = %+v, want implicit success with empty data", res)
	}
}

func TestInvokeRetries(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	_ = reg.Register("s", func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return &StateResult{Success: true, Data: map[string]any{"attempt": int(calls.Load())}}, nil
	}, WithRetryCount(2))

	res := reg.Invoke(context.Background(), "s", store.NewStateContext("wf-1"))
	if !res.Success {
		t.Fatalf("result = %+v, want success on the third attempt", res)
	}
	if calls.Load() != 3 {
		t.Errorf("handler ran %d times, want 3", calls.Load())
	}
}

func TestInvokeRetriesExhausted(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	_ = reg.Register("s", func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
		calls.Add(1)
		return nil, errors.New("permanent")
	}, WithRetryCount(2))

	res := reg.Invoke(context.Background(), "s", store.NewStateContext("wf-1"))
	if res.Success {
		t.Error("exhausted retries produced success")
	}
	if calls.Load() != 3 {
		t.Errorf("handler ran %d times, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestInvokeTimeout(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("s", func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &StateResult{Success: true}, nil
		}
	}, WithTimeout(1))

	start := time.Now()
	res := reg.Invoke(context.Background(), "s", store.NewStateContext("wf-1"))
	if res.Success {
		t.Error("timed-out handler produced success")
	}
	if !errors.Is(res.Err, errHandlerTimeout) {
		t.Errorf("result err = %v, want handler timeout", res.Err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("advisory deadline did not cut the handler off")
	}
}

func TestInvokeCallerCancellation(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	_ = reg.Register("s", func(ctx context.Context, sc *store.StateContext) (*StateResult, error) {
		calls.Add(1)
		return nil, errors.New("transient")
	}, WithRetryCount(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := reg.Invoke(ctx, "s", store.NewStateContext("wf-1"))
	if res.Success {
		t.Error("cancelled invocation produced success")
	}
	if calls.Load() > 1 {
		t.Errorf("handler retried %d times after cancellation", calls.Load())
	}
}
