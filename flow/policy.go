package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/statekit/statekit/flow/store"
)

// errHandlerTimeout is the failure recorded when an advisory handler
// deadline is hit.
var errHandlerTimeout = errors.New("handler timeout")

// retryBaseDelay is the first backoff step between handler retries;
// subsequent retries double it.
const retryBaseDelay = 50 * time.Millisecond

// invokeWithPolicy runs a handler under its binding policy: an advisory
// per-invocation deadline and bounded retries with exponential backoff.
//
// Retries apply around the handler only, never around transition
// selection, and a handler panic is recovered into a failing result
// rather than consuming a retry.
func invokeWithPolicy(ctx context.Context, h Handler, info HandlerInfo, sc *store.StateContext) *StateResult {
	attempts := 1 + info.RetryCount
	delay := retryBaseDelay

	var last *StateResult
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return failure(ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		res, panicked := invokeOnce(ctx, h, info, sc)
		if panicked {
			return res
		}
		if res.Success {
			return res
		}
		last = res
	}
	return last
}

// invokeOnce executes the handler a single time, applying the advisory
// deadline and recovering panics. The second return value reports whether
// the handler panicked; panics are terminal, not retried.
func invokeOnce(ctx context.Context, h Handler, info HandlerInfo, sc *store.StateContext) (res *StateResult, panicked bool) {
	invokeCtx := ctx
	if info.Timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, time.Duration(info.Timeout)*time.Second)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = failure(fmt.Errorf("handler panic: %v", r))
			panicked = true
		}
	}()

	out, err := h(invokeCtx, sc)
	if invokeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return failure(errHandlerTimeout), false
	}
	if err != nil {
		return failure(err), false
	}
	if out == nil {
		out = &StateResult{Success: true, Data: map[string]any{}}
	}
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	return out, false
}

func failure(err error) *StateResult {
	return &StateResult{Success: false, Data: map[string]any{}, Err: err}
}
