package agenttrail

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dshills/agenttrail-go/store"
	"github.com/google/uuid"
)

// StepFunc is the shape of a durable step: an ordinary function from an
// input value to an output value or error, with no durability concerns of
// its own. RegisterStep wraps it with the claim/execute/finalize protocol.
type StepFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

// UsageParser extracts LLM cost-accounting figures from a step's output.
// Keeping "run the call" separate from "account for what it cost" lets any
// Out type carry usage the caller's parser understands.
type UsageParser[Out any] func(Out) Usage

// RegisteredStep is a step bound to a Runtime under a stable name. Call
// invokes it either directly (no ambient session: a bare function call,
// for use outside any run) or through the full durable protocol (ambient
// session present).
type RegisteredStep[In, Out any] struct {
	rt         *Runtime
	name       string
	fn         StepFunc[In, Out]
	internal   bool
	provider   string
	model      string
	parseUsage UsageParser[Out]
}

// RegisterStep registers fn under name on rt and returns the callable
// handle. Re-registering the same name overwrites the prior registration.
func RegisterStep[In, Out any](rt *Runtime, name string, fn StepFunc[In, Out]) *RegisteredStep[In, Out] {
	rs := &RegisteredStep[In, Out]{rt: rt, name: name, fn: fn}
	rt.register(name, rs.runErased)
	return rs
}

// RegisterLLMStep registers an LLM-backed step that additionally folds
// cost-accounting usage into the session's running totals on every
// successful call, via parseUsage. provider/model are recorded on each
// Call row for auditing (e.g. "anthropic"/"claude-sonnet-4").
func RegisterLLMStep[In, Out any](rt *Runtime, name, provider, model string, fn StepFunc[In, Out], parseUsage UsageParser[Out]) *RegisteredStep[In, Out] {
	rs := &RegisteredStep[In, Out]{rt: rt, name: name, fn: fn, provider: provider, model: model, parseUsage: parseUsage}
	rt.register(name, rs.runErased)
	return rs
}

// Call invokes the step. Outside any session scope it is a plain function
// call with no durability; inside one, it runs the full claim/execute/
// finalize protocol keyed on the ambient session.
func (rs *RegisteredStep[In, Out]) Call(ctx context.Context, in In) (Out, error) {
	sess := CurrentSession(ctx)
	if sess == nil {
		return rs.fn(ctx, in)
	}
	return rs.execute(ctx, sess, PhaseForward, in)
}

// execute is the durable-call protocol: replay short-circuit, budget
// pre-check, fingerprint, claim-or-wait, run the user function, finalize
// the row, fold in usage. Works for any In/Out pair in either phase.
func (rs *RegisteredStep[In, Out]) execute(ctx context.Context, sess *Session, phase Phase, in In) (Out, error) {
	var zero Out

	if sess.replay {
		raw, err := sess.replayDriver.Next(rs.name, phase)
		if err != nil {
			return zero, err
		}
		return decodeJSON[Out](raw)
	}

	if phase == PhaseForward {
		if err := sess.checkBudget(); err != nil {
			return zero, err
		}
	}

	inputJSON, err := marshalInput(in)
	if err != nil {
		return zero, err
	}

	key := Fingerprint(rs.name, phase, []any{in}, nil)
	parentID := CurrentCallID(ctx)

	call := &Call{
		ID:                 uuid.NewString(),
		RunID:              sess.runID,
		StepName:           rs.name,
		IdempotencyKey:     key,
		Phase:              phase,
		Status:             CallPending,
		ParentCallID:       parentID,
		Internal:           rs.internal,
		Provider:           rs.provider,
		Model:              rs.model,
		RequestFingerprint: key,
		Input:              inputJSON,
	}

	claimed, err := sess.reserveAndClaim(ctx, call)
	if err != nil {
		return zero, err
	}

	if !claimed {
		sess.metrics.recordCacheHit(rs.name)
		start := time.Now()
		resolved, waitErr := sess.waitForExisting(ctx, rs.name, key, phase)
		sess.metrics.observeWaitForExisting(time.Since(start))
		if waitErr != nil {
			return zero, waitErr
		}
		sess.emitCallEvent(ctx, resolved, "call_cache_hit", nil)
		return decodeOutcome[Out](resolved)
	}

	sess.metrics.recordClaim(rs.name, phase)
	sess.emitCallEvent(ctx, call, "call_claimed", nil)

	childCtx := withCallID(ctx, call.ID)
	out, runErr := rs.fn(childCtx, in)
	if runErr != nil {
		_ = sess.store.FinalizeCall(ctx, call.ID, CallError, nil, runErr.Error(), Usage{})
		sess.emitCallEvent(ctx, call, "call_failed", map[string]any{"error": runErr.Error()})
		return zero, &ToolFailureError{StepName: rs.name, Cause: runErr}
	}

	outputJSON, err := marshalInput(out)
	if err != nil {
		_ = sess.store.FinalizeCall(ctx, call.ID, CallError, nil, err.Error(), Usage{})
		return zero, err
	}

	usage := Usage{}
	if rs.parseUsage != nil {
		usage = rs.parseUsage(out)
	}

	if err := sess.store.FinalizeCall(ctx, call.ID, CallSuccess, outputJSON, "", usage); err != nil {
		return zero, err
	}
	sess.emitCallEvent(ctx, call, "call_succeeded", nil)

	if phase == PhaseForward {
		sess.pushExecuted(ExecutedStep{
			StepName:        rs.name,
			CompensatorName: sess.rt.compensatorFor(rs.name),
			CallID:          call.ID,
			Input:           inputJSON,
			CompletedAt:     time.Now().UTC(),
		})
	}

	if rs.parseUsage != nil {
		if budgetErr := sess.addUsage(usage); budgetErr != nil {
			return out, budgetErr
		}
	}

	return out, nil
}

// runErased adapts execute to the erasedStep shape the compensation driver
// uses: it decodes rawInput into In, runs the protocol, and re-encodes the
// result, losing only the static type information the caller (which only
// knows a step name) never had in the first place.
func (rs *RegisteredStep[In, Out]) runErased(ctx context.Context, sess *Session, phase Phase, rawInput []byte) ([]byte, error) {
	in, err := decodeJSON[In](rawInput)
	if err != nil {
		return nil, err
	}
	out, err := rs.execute(ctx, sess, phase, in)
	if err != nil {
		return nil, err
	}
	return marshalInput(out)
}

func decodeJSON[T any](raw []byte) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}

func decodeOutcome[Out any](call *Call) (Out, error) {
	var zero Out
	if call.Status == CallError {
		return zero, &ToolFailureError{StepName: call.StepName, Cause: errors.New(call.Error)}
	}
	return decodeJSON[Out](call.Output)
}

// waitForExisting polls the store until a competing claim resolves, then
// adopts its result. This is how a losing racer converges on the winner's
// output without re-running the user function.
func (s *Session) waitForExisting(ctx context.Context, stepName, idempotencyKey string, phase Phase) (*Call, error) {
	deadline := time.Now().Add(s.rt.opts.PendingTimeout)
	interval := s.rt.opts.PendingPollInterval

	for {
		call, err := s.store.ReadCall(ctx, s.runID, stepName, idempotencyKey, phase)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrClaimVanished
			}
			return nil, err
		}
		if call.Status != CallPending {
			return call, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrPendingClaimTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
