package agenttrail

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/dshills/agenttrail-go/emit"
	"github.com/dshills/agenttrail-go/store"
)

// Session is the scoped, per-run execution context: it owns the in-memory
// compensation stack, the session-local sequence counter, and the running
// cost totals for exactly one run (or, in replay mode, one replay cursor).
type Session struct {
	rt      *Runtime
	store   store.Store
	emitter emit.Emitter
	metrics *Metrics

	name               string
	budgetLimit        *float64
	compensateOnBudget bool

	replay       bool
	replayDriver *ReplayDriver

	// mu guards every field below; every session field that changes during
	// execution shares the one lock.
	mu            sync.Mutex
	runID         string
	seq           int64
	totals        Usage
	executedSteps []ExecutedStep
	output        []byte
	outputSet     bool
}

// ID returns the session's run id.
func (s *Session) ID() string { return s.runID }

// IsReplay reports whether this session is replaying a recorded call list
// rather than executing live.
func (s *Session) IsReplay() bool { return s.replay }

// SetOutput serializes v to JSON immediately and records it as the run's
// final output, persisted at Exit. A later call overwrites an earlier one
// (the last call before Exit wins), matching ordinary variable assignment
// semantics; a v that fails to marshal leaves the previous output in place.
func (s *Session) SetOutput(v any) {
	raw, err := marshalInput(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// Keep previous output rather than losing it to a marshal failure;
		// the workflow error path (if any) is what the caller should see.
		return
	}
	s.output = raw
	s.outputSet = true
}

// Exit finalizes the session: persists the run's terminal state (skipped
// entirely in replay mode, which never writes to the Store), runs the
// compensation walk when warranted, and returns the updated Run snapshot
// (nil in replay mode, since no row exists to read back).
//
// workflowErr is the error the workflow function returned (or recovered
// from a panic); nil means success.
func (s *Session) Exit(ctx context.Context, workflowErr error) *Run {
	s.mu.Lock()
	totals := s.totals
	output := s.output
	steps := make([]ExecutedStep, len(s.executedSteps))
	copy(steps, s.executedSteps)
	s.mu.Unlock()

	status := RunSuccess
	errMsg := ""
	if workflowErr != nil {
		status = RunError
		errMsg = workflowErr.Error()
	}

	// Replay never compensates; a BudgetExceeded failure only compensates
	// when the session was configured to.
	shouldCompensate := workflowErr != nil && !s.replay
	var budgetErr *BudgetExceededError
	if errors.As(workflowErr, &budgetErr) && !s.compensateOnBudget {
		shouldCompensate = false
	}

	if shouldCompensate {
		s.compensateSteps(ctx, steps)
	}

	if s.replay {
		// Replay never writes to the store; the caller's Run view comes
		// from whatever ExportRun/ReadRun call supplied the replayed
		// call list in the first place.
		return nil
	}

	if err := s.store.FinalizeRun(ctx, s.runID, status, output, errMsg, totals); err != nil {
		s.emitRunEvent(ctx, "run_finalize_failed", map[string]any{"error": err.Error()})
		return nil
	}

	s.emitRunEvent(ctx, "run_finalized", map[string]any{"status": string(status)})

	run, err := s.store.ReadRun(ctx, s.runID)
	if err != nil {
		return nil
	}
	return run
}

// checkBudget is the pre-execution budget check run at the start of every
// forward call.
func (s *Session) checkBudget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.budgetLimit != nil && s.totals.TotalCost > *s.budgetLimit {
		return &BudgetExceededError{RunID: s.runID, BudgetLimit: *s.budgetLimit, TotalCost: s.totals.TotalCost}
	}
	return nil
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

// addUsage folds u into the session's running totals (rounded to six
// decimal places on every accumulation) and re-checks the budget. A
// BudgetExceededError returned here means the step that produced u still
// succeeded; the budget failure is reported as this call's result.
func (s *Session) addUsage(u Usage) error {
	s.mu.Lock()
	s.totals.PromptTokens += u.PromptTokens
	s.totals.CompletionTokens += u.CompletionTokens
	s.totals.TotalTokens += u.TotalTokens
	s.totals.InputCost = round6(s.totals.InputCost + u.InputCost)
	s.totals.OutputCost = round6(s.totals.OutputCost + u.OutputCost)
	s.totals.TotalCost = round6(s.totals.TotalCost + u.TotalCost)
	exceeded := s.budgetLimit != nil && s.totals.TotalCost > *s.budgetLimit
	var limit float64
	if s.budgetLimit != nil {
		limit = *s.budgetLimit
	}
	total := s.totals.TotalCost
	runID := s.runID
	s.mu.Unlock()

	if exceeded {
		if s.metrics != nil {
			s.metrics.recordBudgetExceeded(s.name)
		}
		s.emitRunEvent(context.Background(), "budget_exceeded", map[string]any{
			"budget_limit": limit, "total_cost": total,
		})
		return &BudgetExceededError{RunID: runID, BudgetLimit: limit, TotalCost: total}
	}
	return nil
}

// reserveAndClaim atomically reserves the next session-local sequence
// number and attempts to claim the call at that seq_no, holding the
// session mutex across both steps: this keeps the sequence gap-free even
// under concurrent callers in the same session, since a losing racer's
// candidate number is simply never committed.
func (s *Session) reserveAndClaim(ctx context.Context, call *Call) (claimed bool, err error) {
	s.mu.Lock()
	call.SeqNo = s.seq + 1
	claimErr := s.store.ClaimCall(ctx, call)
	if claimErr == nil {
		s.seq = call.SeqNo
	}
	s.mu.Unlock()

	if claimErr == nil {
		return true, nil
	}
	var uv *store.UniqueViolationError
	if errors.As(claimErr, &uv) {
		return false, nil
	}
	return false, claimErr
}

func (s *Session) pushExecuted(es ExecutedStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executedSteps = append(s.executedSteps, es)
}

// compensateSteps reverse-walks executed forward steps invoking each one's
// registered compensator. Best-effort: an individual
// compensator's failure is logged (via the emitter) and does not stop the
// walk, since later (earlier-executed) steps still need their own
// compensation attempted.
func (s *Session) compensateSteps(ctx context.Context, steps []ExecutedStep) {
	for i := len(steps) - 1; i >= 0; i-- {
		es := steps[i]
		if es.CompensatorName == "" {
			continue
		}
		fn, ok := s.rt.lookupStep(es.CompensatorName)
		if !ok {
			s.emitRunEvent(ctx, "compensation_missing", map[string]any{"step": es.StepName, "compensator": es.CompensatorName})
			continue
		}

		cctx := withOriginalCallID(ctx, es.CallID)
		outcome := "success"
		if _, err := fn(cctx, s, PhaseCompensation, es.Input); err != nil {
			outcome = "error"
			s.emitRunEvent(ctx, "compensation_failed", map[string]any{
				"step": es.StepName, "compensator": es.CompensatorName, "error": err.Error(),
			})
		}
		if s.metrics != nil {
			s.metrics.recordCompensation(es.StepName, outcome)
		}
	}
}

// emitRunEvent and emitCallEvent publish through the session's Emitter,
// which every Runtime wraps with a store-backed fan-out leg (see
// eventlog.go) so the append-only event log is populated without this
// package writing to the Store twice.
func (s *Session) emitRunEvent(_ context.Context, msg string, meta map[string]any) {
	s.emitter.Emit(emit.Event{RunID: s.runID, Msg: msg, Meta: meta})
}

func (s *Session) emitCallEvent(_ context.Context, call *Call, msg string, meta map[string]any) {
	s.emitter.Emit(emit.Event{
		RunID: s.runID, CallID: call.ID, SeqNo: call.SeqNo,
		StepName: call.StepName, Phase: string(call.Phase), Msg: msg, Meta: meta,
	})
}
