// Package agenttrail is a durable-execution runtime for agentic workflows.
// It wraps ordinary functions ("steps") with persistent event logging,
// idempotency deduplication, LLM-cost accounting with an optional budget
// cap, Saga-style compensation, and deterministic replay.
package agenttrail

import "errors"

// ErrReplayExhausted is returned when a replay session calls more steps
// than were recorded in its call list.
var ErrReplayExhausted = errors.New("agenttrail: replay exhausted")

// ErrPendingClaimTimeout is returned by the wait-for-existing path when a
// competing claim stays pending past its deadline.
var ErrPendingClaimTimeout = errors.New("agenttrail: pending claim timeout")

// ErrClaimVanished is the internal consistency error raised when a claimed
// call row disappears between the insert race and the follow-up read.
var ErrClaimVanished = errors.New("agenttrail: claimed call row vanished")

// BudgetExceededError is raised when a run's accumulated cost crosses its
// configured budget_limit. It carries the figures that triggered it so
// callers (and compensators, via logging) can report a precise cause.
type BudgetExceededError struct {
	RunID       string
	BudgetLimit float64
	TotalCost   float64
}

func (e *BudgetExceededError) Error() string {
	return "agenttrail: budget exceeded for run " + e.RunID
}

// ReplayMismatchError is raised when deterministic replay detects that the
// workflow's actual call sequence diverges from the recorded trace.
type ReplayMismatchError struct {
	RecordedStep, RecordedPhase string
	ActualStep, ActualPhase     string
}

func (e *ReplayMismatchError) Error() string {
	return "agenttrail: replay mismatch: recorded (" + e.RecordedStep + ", " + e.RecordedPhase +
		") but call was (" + e.ActualStep + ", " + e.ActualPhase + ")"
}

// ReplayNotSuccessError is raised when replay reaches a recorded call whose
// status is not success; the original error is surfaced so the replaying
// caller sees the same failure the original run did.
type ReplayNotSuccessError struct {
	StepName string
	Status   string
	Err      string
}

func (e *ReplayNotSuccessError) Error() string {
	return "agenttrail: replay step " + e.StepName + " recorded status " + e.Status + ": " + e.Err
}

// ToolFailureError wraps any error raised by a user step function. It is
// recorded on the call row before being re-raised to the caller.
type ToolFailureError struct {
	StepName string
	Cause    error
}

func (e *ToolFailureError) Error() string {
	if e.StepName != "" {
		return "agenttrail: step " + e.StepName + ": " + e.Cause.Error()
	}
	return e.Cause.Error()
}

func (e *ToolFailureError) Unwrap() error { return e.Cause }

// ConfigError signals a misconfigured session or runtime, e.g. a replay
// session opened without a run id.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "agenttrail: config error: " + e.Message }
