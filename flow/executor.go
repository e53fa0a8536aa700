package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/statekit/statekit/flow/store"
)

// Default executor timings. The monitor interval bounds how late a pause
// timeout can fire; the step delay paces the durable loop; the error
// backoff throttles retries after a failed step.
const (
	defaultMonitorTick  = 60 * time.Second
	defaultStepDelay    = 100 * time.Millisecond
	defaultErrorBackoff = 10 * time.Second
)

// Default event fed to each step of the durable loop.
const (
	defaultEventType = "process"
	defaultEventName = "处理"
)

// PauseInfo is one entry of the executor's paused-instance index.
//
// PausedAt is epoch milliseconds. Timeout is the expiry in seconds; nil
// means no expiry (the durable marker records -1 for that case).
type PauseInfo struct {
	InstanceID string
	StateID    string
	PausedAt   int64
	Timeout    *int
	EngineID   string
}

// instanceTask tracks one running durable loop.
type instanceTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Executor drives instances asynchronously: it runs the durable loop
// (process, park at pause states, resume on events), keeps the in-memory
// paused index, and sweeps it for expired timeouts.
//
// One executor can serve several engines (one per flow definition); each
// paused entry remembers its engine. The timeout monitor starts with the
// executor and stops on Close.
type Executor struct {
	mu      sync.Mutex
	engines map[string]*Engine
	paused  map[string]PauseInfo
	running map[string]*instanceTask

	monitorTick  time.Duration
	stepDelay    time.Duration
	errorBackoff time.Duration

	lastSweep atomic.Int64 // epoch ms of the last monitor pass
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMonitorInterval overrides the timeout sweep interval (default 60s).
func WithMonitorInterval(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.monitorTick = d }
}

// WithStepDelay overrides the pacing delay between durable-loop steps.
func WithStepDelay(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.stepDelay = d }
}

// WithErrorBackoff overrides the delay after a failed step before retrying.
func WithErrorBackoff(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.errorBackoff = d }
}

// NewExecutor creates an executor over a default engine and starts the
// timeout monitor.
func NewExecutor(defaultEngine *Engine, opts ...ExecutorOption) *Executor {
	x := &Executor{
		engines:      map[string]*Engine{"": defaultEngine},
		paused:       make(map[string]PauseInfo),
		running:      make(map[string]*instanceTask),
		monitorTick:  defaultMonitorTick,
		stepDelay:    defaultStepDelay,
		errorBackoff: defaultErrorBackoff,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(x)
	}
	x.wg.Add(1)
	go x.monitor()
	return x
}

// RegisterEngine adds a named engine so instances of several flows can
// share one executor.
func (x *Executor) RegisterEngine(id string, eng *Engine) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.engines[id] = eng
}

// engineFor resolves the engine for an instance: its paused entry's
// engine if indexed, the default engine otherwise.
func (x *Executor) engineFor(instanceID string) *Engine {
	x.mu.Lock()
	defer x.mu.Unlock()
	if info, ok := x.paused[instanceID]; ok {
		if eng, ok := x.engines[info.EngineID]; ok {
			return eng
		}
	}
	return x.engines[""]
}

func (x *Executor) engineByID(id string) *Engine {
	x.mu.Lock()
	defer x.mu.Unlock()
	if eng, ok := x.engines[id]; ok {
		return eng
	}
	return x.engines[""]
}

// ExecuteAsync starts (or restarts) the durable loop for an instance on
// the default engine. An already-running loop for the same instance is
// cancelled first. Optional stopStates park the instance at any state
// whose id contains one of them, even without pauseOnEnter.
func (x *Executor) ExecuteAsync(instanceID string, stopStates ...string) {
	x.ExecuteAsyncWith("", instanceID, RunCallbacks{}, stopStates...)
}

// ExecuteAsyncOn starts the durable loop for an instance on a named engine.
func (x *Executor) ExecuteAsyncOn(engineID, instanceID string, stopStates ...string) {
	x.ExecuteAsyncWith(engineID, instanceID, RunCallbacks{}, stopStates...)
}

// ExecuteAsyncWith starts the durable loop with observation callbacks:
// OnStateChange after every step that moved the instance, OnComplete when
// it reaches a terminal state, OnError on failed steps. Callbacks run on
// the loop goroutine and observe one instance's transitions in order.
func (x *Executor) ExecuteAsyncWith(engineID, instanceID string, cb RunCallbacks, stopStates ...string) {
	eng := x.engineByID(engineID)

	ctx, cancel := context.WithCancel(context.Background())
	task := &instanceTask{cancel: cancel, done: make(chan struct{})}

	x.mu.Lock()
	if prev, ok := x.running[instanceID]; ok {
		prev.cancel()
	}
	x.running[instanceID] = task
	x.mu.Unlock()

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		defer close(task.done)
		defer func() {
			x.mu.Lock()
			if x.running[instanceID] == task {
				delete(x.running, instanceID)
			}
			x.mu.Unlock()
		}()
		x.runLoop(ctx, engineID, eng, instanceID, cb, stopStates)
	}()
}

func matchesStopState(stateID string, stopStates []string) bool {
	for _, s := range stopStates {
		if s != "" && strings.Contains(stateID, s) {
			return true
		}
	}
	return false
}

// runLoop is the durable execution loop: process steps until the instance
// reaches a terminal state, parking durably whenever it enters a
// pause-on-enter state.
func (x *Executor) runLoop(ctx context.Context, engineID string, eng *Engine, instanceID string, cb RunCallbacks, stopStates []string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		current, err := eng.CurrentState(ctx, instanceID)
		if err != nil {
			log.Printf("executor: instance %s: load failed: %v", instanceID, err)
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}
		if eng.Flow().IsTerminal(current) {
			if cb.OnComplete != nil {
				cb.OnComplete(current)
			}
			return
		}

		def := eng.Flow().State(current)
		if def != nil && ((def.PauseOnEnter && eng.Flow().IsPauseable(def)) || matchesStopState(current, stopStates)) {
			sc, err := eng.Context(ctx, instanceID)
			if err == nil && sc.IsPaused() {
				// Already parked; a resume event will restart the loop.
				return
			}
			x.park(ctx, engineID, eng, instanceID, def)
			return
		}

		res, err := processStep(ctx, eng, instanceID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("executor: instance %s: step failed: %v", instanceID, err)
			if cb.OnError != nil {
				cb.OnError(err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(x.errorBackoff):
			}
			continue
		}
		if cb.OnStateChange != nil {
			if next, err := eng.CurrentState(ctx, instanceID); err == nil && next != current {
				cb.OnStateChange(current, next, res)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(x.stepDelay):
		}
	}
}

// processStep runs one engine step, converting a panic (e.g. from a
// custom transition predicate) into an error so the loop backs off
// instead of crashing the process.
func processStep(ctx context.Context, eng *Engine, instanceID string) (res *StateResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panic: %v", r)
		}
	}()
	return eng.Process(ctx, instanceID, defaultEventType, defaultEventName, nil)
}

// park writes the durable pause marker and indexes the instance for the
// timeout monitor.
func (x *Executor) park(ctx context.Context, engineID string, eng *Engine, instanceID string, def *StateDefinition) {
	timeout := eng.Flow().EffectiveTimeout(def)
	if err := eng.MarkPaused(ctx, instanceID, def.ID, timeout); err != nil {
		log.Printf("executor: instance %s: pause marker failed: %v", instanceID, err)
		return
	}

	info := PauseInfo{
		InstanceID: instanceID,
		StateID:    def.ID,
		PausedAt:   time.Now().UnixMilli(),
		EngineID:   engineID,
	}
	if timeout > 0 {
		t := timeout
		info.Timeout = &t
	}

	x.mu.Lock()
	x.paused[instanceID] = info
	x.mu.Unlock()
}

// TriggerEvent feeds an external event to a (typically paused) instance:
// one process step with the given event identity and payload. The step
// clears the durable pause marker as part of its snapshot.
func (x *Executor) TriggerEvent(ctx context.Context, instanceID, eventType, eventName string, payload map[string]any) (*StateResult, error) {
	eng := x.engineFor(instanceID)
	res, err := eng.Process(ctx, instanceID, eventType, eventName, payload)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RemovePausedInstance drops an instance from the in-memory paused index.
// Returns the removed entry and whether it was present.
func (x *Executor) RemovePausedInstance(instanceID string) (PauseInfo, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	info, ok := x.paused[instanceID]
	if ok {
		delete(x.paused, instanceID)
		if eng := x.engines[info.EngineID]; eng != nil && eng.metrics != nil {
			eng.metrics.InstanceResumed()
		}
	}
	return info, ok
}

// ContinueExecution restarts the durable loop for an instance after a
// resume event moved it off its pause state.
func (x *Executor) ContinueExecution(instanceID string) {
	x.mu.Lock()
	engineID := ""
	if info, ok := x.paused[instanceID]; ok {
		engineID = info.EngineID
	}
	x.mu.Unlock()
	x.ExecuteAsyncOn(engineID, instanceID)
}

// PausedInstances returns a snapshot of the paused index, sorted by
// instance ID.
func (x *Executor) PausedInstances() []PauseInfo {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]PauseInfo, 0, len(x.paused))
	for _, info := range x.paused {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// RestorePausedInstances rebuilds the paused index from persistence after
// a restart: every context carrying the pause marker is re-indexed, and
// entries whose timeout already elapsed while the process was down get
// their timeout action immediately. Passing explicit ids restricts the
// restore to that subset; ids that are unknown or not paused are skipped.
func (x *Executor) RestorePausedInstances(ctx context.Context, only ...string) error {
	x.mu.Lock()
	engines := make(map[string]*Engine, len(x.engines))
	for id, eng := range x.engines {
		engines[id] = eng
	}
	x.mu.Unlock()

	var expired []string
	for engineID, eng := range engines {
		ids := only
		if len(ids) == 0 {
			var err error
			ids, err = eng.Store().FindPausedInstances(ctx)
			if err != nil {
				return err
			}
		}
		for _, id := range ids {
			sc, err := eng.Store().LoadContext(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if !sc.IsPaused() {
				continue
			}

			info := PauseInfo{
				InstanceID: id,
				PausedAt:   metaInt64(sc.Metadata[store.MetaPausedAt]),
				EngineID:   engineID,
			}
			if s, ok := sc.Metadata[store.MetaPausedState].(string); ok {
				info.StateID = s
			} else {
				info.StateID = sc.CurrentStateID
			}
			if t := int(metaInt64(sc.Metadata[store.MetaPauseTimeout])); t > 0 {
				info.Timeout = &t
			}

			x.mu.Lock()
			x.paused[id] = info
			x.mu.Unlock()

			if info.Timeout != nil &&
				time.Now().UnixMilli()-info.PausedAt >= int64(*info.Timeout)*1000 {
				expired = append(expired, id)
			}
		}
	}

	for _, id := range expired {
		if err := x.HandleTimeout(ctx, id); err != nil {
			log.Printf("executor: instance %s: restored timeout failed: %v", id, err)
		}
	}
	return nil
}

// ResumeInterrupted restarts the durable loop for instances that were
// mid-run when the previous process died: every persisted context that is
// neither paused nor terminal. Only engines whose flow sets autoResume
// participate. Returns the number of instances resumed.
//
// Call after RestorePausedInstances; paused instances wait for their
// resume event or timeout, interrupted ones pick up where they stopped.
func (x *Executor) ResumeInterrupted(ctx context.Context) (int, error) {
	x.mu.Lock()
	engines := make(map[string]*Engine, len(x.engines))
	for id, eng := range x.engines {
		engines[id] = eng
	}
	x.mu.Unlock()

	resumed := 0
	for engineID, eng := range engines {
		if !eng.Flow().AutoResume {
			continue
		}
		ids, err := eng.Store().ListContextIDs(ctx)
		if err != nil {
			return resumed, err
		}
		for _, id := range ids {
			sc, err := eng.Store().LoadContext(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return resumed, err
			}
			if sc.IsPaused() || eng.Flow().IsTerminal(sc.CurrentStateID) {
				continue
			}
			x.ExecuteAsyncOn(engineID, id)
			resumed++
		}
	}
	return resumed, nil
}

// metaInt64 coerces a metadata number that may have round-tripped through
// JSON as float64.
func metaInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// HandleTimeout fires the timeout action for a paused instance.
//
// The instance is removed from the paused index first, so a concurrent
// resume and a timeout cannot both act. Behavior by configured action:
//   - transition: forced move into the target state, no handler run;
//     an undefined target is logged and only the marker is cleared
//   - event: one process step with payload {"timeout": true}
//   - none configured: warning, marker cleared, instance stays put
//
// After the action, the durable loop is restarted unless the instance
// landed on a terminal state.
func (x *Executor) HandleTimeout(ctx context.Context, instanceID string) error {
	info, ok := x.RemovePausedInstance(instanceID)
	if !ok {
		return nil
	}
	eng := x.engineByID(info.EngineID)

	def := eng.Flow().State(info.StateID)
	var action *TimeoutAction
	if def != nil {
		action = def.TimeoutAction
	}

	switch {
	case action == nil:
		log.Printf("executor: instance %s timed out at %s with no timeout action", instanceID, info.StateID)
		if eng.metrics != nil {
			eng.metrics.TimeoutFired("none")
		}
		return eng.ClearPauseMarker(ctx, instanceID)

	case action.Type == TimeoutActionTransition:
		if eng.metrics != nil {
			eng.metrics.TimeoutFired(TimeoutActionTransition)
		}
		if eng.Flow().State(action.TargetState) == nil {
			log.Printf("executor: instance %s timeout action targets undefined state %s", instanceID, action.TargetState)
			return eng.ClearPauseMarker(ctx, instanceID)
		}
		if err := eng.ForceTransition(ctx, instanceID, action.TargetState, "timeout"); err != nil {
			return err
		}

	case action.Type == TimeoutActionEvent:
		if eng.metrics != nil {
			eng.metrics.TimeoutFired(TimeoutActionEvent)
		}
		if _, err := eng.Process(ctx, instanceID, action.EventType, action.EventName, map[string]any{"timeout": true}); err != nil {
			return err
		}

	default:
		log.Printf("executor: instance %s has unknown timeout action type %q", instanceID, action.Type)
		return eng.ClearPauseMarker(ctx, instanceID)
	}

	current, err := eng.CurrentState(ctx, instanceID)
	if err != nil {
		return err
	}
	if !eng.Flow().IsTerminal(current) {
		x.ExecuteAsyncOn(info.EngineID, instanceID)
	}
	return nil
}

// monitor is the timeout sweep loop. Each tick it fires HandleTimeout for
// every indexed entry whose positive timeout has elapsed; entries with a
// nil Timeout never expire.
func (x *Executor) monitor() {
	defer x.wg.Done()
	ticker := time.NewTicker(x.monitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-x.stopCh:
			return
		case <-ticker.C:
			if !x.safeSweep() {
				select {
				case <-x.stopCh:
					return
				case <-time.After(x.errorBackoff):
				}
			}
		}
	}
}

// safeSweep runs one sweep, converting a panic into a logged error so a
// misbehaving timeout action cannot kill the monitor. Reports false when
// the sweep aborted so the monitor backs off before the next tick.
func (x *Executor) safeSweep() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("executor: timeout sweep panic: %v", r)
		}
	}()
	x.sweep()
	return true
}

func (x *Executor) sweep() {
	now := time.Now()
	x.lastSweep.Store(now.UnixMilli())

	x.mu.Lock()
	var due []string
	for id, info := range x.paused {
		if info.Timeout == nil {
			continue
		}
		if now.UnixMilli()-info.PausedAt >= int64(*info.Timeout)*1000 {
			due = append(due, id)
		}
	}
	x.mu.Unlock()

	for _, id := range due {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := x.HandleTimeout(ctx, id); err != nil {
			log.Printf("executor: instance %s: timeout handling failed: %v", id, err)
		}
		cancel()
	}
}

// MonitorHealthy reports whether the timeout monitor has swept recently
// (within three intervals). Used by the health endpoint.
func (x *Executor) MonitorHealthy() bool {
	last := x.lastSweep.Load()
	if last == 0 {
		// Not yet ticked; healthy unless stopped.
		select {
		case <-x.stopCh:
			return false
		default:
			return true
		}
	}
	return time.Since(time.UnixMilli(last)) < 3*x.monitorTick
}

// Stop cancels the durable loop for one instance and waits for it to
// settle. The paused index is untouched.
func (x *Executor) Stop(instanceID string) {
	x.mu.Lock()
	task, ok := x.running[instanceID]
	x.mu.Unlock()
	if !ok {
		return
	}
	task.cancel()
	<-task.done
}

// StopAll cancels every running durable loop.
func (x *Executor) StopAll() {
	x.mu.Lock()
	tasks := make([]*instanceTask, 0, len(x.running))
	for _, task := range x.running {
		tasks = append(tasks, task)
	}
	x.mu.Unlock()
	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}
}

// Close stops the monitor and all running loops.
func (x *Executor) Close() {
	x.stopOnce.Do(func() { close(x.stopCh) })
	x.StopAll()
	x.wg.Wait()
}
