package agenttrail

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dshills/agenttrail-go/emit"
	"github.com/dshills/agenttrail-go/store"
	"github.com/google/uuid"
)

// erasedStep is the type-erased form of a registered step, used by the
// compensation driver, which discovers its target by name at runtime and
// cannot know the compensator's In/Out type parameters at compile time.
type erasedStep func(ctx context.Context, sess *Session, phase Phase, rawInput []byte) ([]byte, error)

// Runtime is the process-wide registry of step functions and their
// compensators: populated once at startup, read-only during runs.
type Runtime struct {
	store   store.Store
	emitter emit.Emitter
	opts    RuntimeOptions

	mu            sync.RWMutex
	steps         map[string]erasedStep
	compensations map[string]string
}

// NewRuntime creates a Runtime backed by st for persistence and emitter
// for observability events.
func NewRuntime(st store.Store, emitter emit.Emitter, opts ...RuntimeOption) *Runtime {
	o := defaultRuntimeOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	emitter = newMultiEmitter(emitter, newStoreEmitter(st))
	return &Runtime{
		store:         st,
		emitter:       emitter,
		opts:          o,
		steps:         make(map[string]erasedStep),
		compensations: make(map[string]string),
	}
}

func (rt *Runtime) register(name string, fn erasedStep) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.steps[name] = fn
}

func (rt *Runtime) lookupStep(name string) (erasedStep, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	fn, ok := rt.steps[name]
	return fn, ok
}

// RegisterCompensation pairs stepName with the step registered under
// compStepName as its compensator. Idempotent: calling it again for the
// same stepName overwrites the prior pairing.
func (rt *Runtime) RegisterCompensation(stepName, compStepName string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.compensations[stepName] = compStepName
}

func (rt *Runtime) compensatorFor(stepName string) string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.compensations[stepName]
}

// Enter opens a new Session scope: a fresh run (non-replay) or a replay
// cursor over a recorded call list (replay), and returns a context with
// the session published as the ambient session.
//
// Callers MUST call Exit on every path out of the scope, typically via
// defer immediately after a successful Enter. See RunWorkflow for the
// sugared version that does this for you.
func (rt *Runtime) Enter(ctx context.Context, opts ...SessionOption) (context.Context, *Session, error) {
	o := defaultSessionOptions()
	for _, opt := range opts {
		opt(&o)
	}

	sess := &Session{
		rt:                 rt,
		store:              rt.store,
		emitter:            rt.emitter,
		metrics:            rt.opts.Metrics,
		name:               o.Name,
		budgetLimit:        o.BudgetLimit,
		compensateOnBudget: o.CompensateOnBudgetExceeded,
	}

	if o.Replay {
		if o.ReplayRunID == "" {
			return nil, nil, &ConfigError{Message: "replay session requires a run id"}
		}
		calls := o.ReplayCalls
		if calls == nil {
			var err error
			calls, err = rt.store.ReadCallList(ctx, o.ReplayRunID)
			if err != nil {
				return nil, nil, fmt.Errorf("agenttrail: load replay call list: %w", err)
			}
		}
		sess.replay = true
		sess.runID = o.ReplayRunID
		sess.replayDriver = NewReplayDriver(calls)
	} else {
		sess.runID = uuid.NewString()
		tagsJSON := o.Tags
		run := &Run{
			ID:          sess.runID,
			Name:        o.Name,
			Status:      RunPending,
			Tags:        tagsJSON,
			BudgetLimit: o.BudgetLimit,
			Input:       o.Input,
			ReplayOf:    o.ReplayOf,
		}
		if err := rt.store.CreateRun(ctx, run); err != nil {
			return nil, nil, fmt.Errorf("agenttrail: create run: %w", err)
		}
		sess.emitRunEvent(ctx, "run_started", nil)
	}

	return withSession(ctx, sess), sess, nil
}

// RunWorkflow is the one-shot convenience runner: it opens a session, runs
// fn, records its return value via SetOutput on success, and guarantees
// Exit runs on every path including a panic inside fn. Sugar over
// Enter/Exit.
func (rt *Runtime) RunWorkflow(ctx context.Context, fn func(ctx context.Context) (any, error), opts ...SessionOption) (run *Run, output any, err error) {
	sctx, sess, enterErr := rt.Enter(ctx, opts...)
	if enterErr != nil {
		return nil, nil, enterErr
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agenttrail: panic in workflow: %v", r)
		}
		run = sess.Exit(ctx, err)
	}()
	output, err = fn(sctx)
	if err == nil {
		sess.SetOutput(output)
	}
	return run, output, err
}

// ExportedRun is the archival/handoff shape: a run plus its ordered calls.
// Accepted back by WithReplay for deterministic replay.
type ExportedRun struct {
	Run   *Run    `json:"run"`
	Calls []*Call `json:"calls"`
}

// ExportRun returns runID's run row plus its ordered call list, shaped for
// archival or handoff to a replay session.
func (rt *Runtime) ExportRun(ctx context.Context, runID string) (*ExportedRun, error) {
	run, err := rt.store.ReadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	calls, err := rt.store.ReadCallList(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &ExportedRun{Run: run, Calls: calls}, nil
}

// RunSummary is a dashboard/debugging aggregation: the exported run plus
// event counts by kind.
type RunSummary struct {
	Run         *Run           `json:"run"`
	Calls       []*Call        `json:"calls"`
	EventCounts map[string]int `json:"event_counts"`
}

// RunSummary returns run + ordered calls + event counts by kind, for
// dashboards and debugging.
func (rt *Runtime) RunSummary(ctx context.Context, runID string) (*RunSummary, error) {
	exported, err := rt.ExportRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := rt.store.ReadEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev.Kind]++
	}
	return &RunSummary{Run: exported.Run, Calls: exported.Calls, EventCounts: counts}, nil
}

// marshalInput serializes a value to JSON for persistence: step inputs,
// step outputs, the run output, and event payloads. It is plain
// json.Marshal, so a nil value becomes "null".
func marshalInput(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
