// Package store provides the durable persistence layer for agenttrail runs
// and calls: the relational home for the idempotency claim primitive.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run or call does not exist.
var ErrNotFound = errors.New("store: not found")

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// CallStatus is the lifecycle status of a Call.
type CallStatus string

const (
	CallPending CallStatus = "pending"
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

// Phase distinguishes a normal step invocation from a saga compensation.
type Phase string

const (
	PhaseForward      Phase = "forward"
	PhaseCompensation Phase = "compensation"
)

// Usage is a per-call or per-run LLM cost accounting breakdown.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	InputCost        float64 `json:"input_cost"`
	OutputCost       float64 `json:"output_cost"`
	TotalCost        float64 `json:"total_cost"`
}

// Add returns the field-by-field sum of u and u2; u itself is not modified.
func (u Usage) Add(u2 Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + u2.PromptTokens,
		CompletionTokens: u.CompletionTokens + u2.CompletionTokens,
		TotalTokens:      u.TotalTokens + u2.TotalTokens,
		InputCost:        u.InputCost + u2.InputCost,
		OutputCost:       u.OutputCost + u2.OutputCost,
		TotalCost:        u.TotalCost + u2.TotalCost,
	}
}

// Run is one row per workflow execution.
type Run struct {
	ID          string
	Name        string
	Status      RunStatus
	Tags        []string
	BudgetLimit *float64
	Totals      Usage
	Input       []byte
	Output      []byte
	Error       string
	ReplayOf    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Call is one row per attempt of one step within a run.
type Call struct {
	ID                 string
	RunID              string
	SeqNo              int64
	StepName           string
	IdempotencyKey     string
	Phase              Phase
	Status             CallStatus
	ParentCallID       string
	Internal           bool
	Provider           string
	Model              string
	RequestFingerprint string
	Usage              Usage
	Input              []byte
	Output             []byte
	Error              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Event is one row in the optional append-only event log (see
// Store.AppendEvent). It supplements, rather than replaces, the Call
// lifecycle recorded by the five required operations below.
type Event struct {
	ID        string
	RunID     string
	CallID    string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// ToolCall is an optional side-channel record of a raw external I/O,
// keyed by the call that produced it. Distinct from Call.Input/Output,
// which always hold the step's own serialized boundary values.
type ToolCall struct {
	ID        string
	CallID    string
	Name      string
	Request   []byte
	Response  []byte
	CreatedAt time.Time
}

// UniqueViolationError is returned by ClaimCall when the
// (run_id, step_name, idempotency_key, phase) tuple already has a row.
// Callers type-assert for it (errors.As) to route into the
// wait-for-existing path rather than treating the failure as fatal.
type UniqueViolationError struct {
	RunID          string
	StepName       string
	IdempotencyKey string
	Phase          Phase
}

func (e *UniqueViolationError) Error() string {
	return "store: unique violation on (" + e.RunID + ", " + e.StepName + ", " +
		e.IdempotencyKey + ", " + string(e.Phase) + ")"
}

// Store is the durable persistence contract the agenttrail core requires.
// Implementations own all persisted state; a Session owns only its
// in-memory view of a single run.
type Store interface {
	// CreateRun inserts a new run row. Fails if the id collides.
	CreateRun(ctx context.Context, run *Run) error

	// FinalizeRun updates a run's terminal fields. Never errors on fields
	// that are already at their target value (idempotent on identical
	// inputs).
	FinalizeRun(ctx context.Context, runID string, status RunStatus, output []byte, errMsg string, totals Usage) error

	// ClaimCall inserts a pending call row. Returns a *UniqueViolationError
	// when the (run, step, key, phase) tuple already exists; all other
	// failures propagate (the SQL backends wrap them with %w).
	ClaimCall(ctx context.Context, call *Call) error

	// FinalizeCall updates a single call to success or error with usage
	// numbers. Idempotent on identical inputs.
	FinalizeCall(ctx context.Context, callID string, status CallStatus, output []byte, errMsg string, usage Usage) error

	// ReadCall reads the call claimed under the given tuple, for the
	// wait-for-existing path. Returns ErrNotFound if no such row exists.
	ReadCall(ctx context.Context, runID, stepName, idempotencyKey string, phase Phase) (*Call, error)

	// ReadCallList reads every call for a run, ordered by seq_no ascending.
	ReadCallList(ctx context.Context, runID string) ([]*Call, error)

	// ReadRun reads a single run by id. Returns ErrNotFound if absent.
	ReadRun(ctx context.Context, runID string) (*Run, error)

	// AppendEvent persists one entry of the optional append-only event
	// log. Supplements the Call lifecycle; never required for core
	// correctness.
	AppendEvent(ctx context.Context, ev *Event) error

	// ReadEvents reads the event log for a run, ordered by creation time.
	ReadEvents(ctx context.Context, runID string) ([]*Event, error)

	// RecordToolCall persists a raw external I/O capture keyed by its
	// owning call, for replay demonstrations of simulated tool effects.
	RecordToolCall(ctx context.Context, tc *ToolCall) error

	// ToolCallsForStep reads every recorded tool call for a given call id.
	ToolCallsForStep(ctx context.Context, callID string) ([]*ToolCall, error)

	// Close releases any held resources (connections, file handles).
	Close() error
}
