package agenttrail

import (
	"os"
	"time"
)

// Default tunables.
const (
	DefaultPendingTimeout      = 60 * time.Second
	DefaultPendingPollInterval = 250 * time.Millisecond
	DefaultCompensateOnBudget  = true
)

// ResolveDBURL walks the env var fallthrough chain
// AGENTTRAIL_DB_URL -> AGENTTRAIL_DATABASE_URL -> DATABASE_URL and falls
// back to a local SQLite file.
func ResolveDBURL() string {
	for _, key := range []string{"AGENTTRAIL_DB_URL", "AGENTTRAIL_DATABASE_URL", "DATABASE_URL"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "file:agenttrail.db"
}

// RuntimeOptions configures Runtime-wide tunables.
type RuntimeOptions struct {
	PendingTimeout      time.Duration
	PendingPollInterval time.Duration
	Metrics             *Metrics
}

// RuntimeOption mutates a RuntimeOptions.
type RuntimeOption func(*RuntimeOptions)

// WithPendingTimeout overrides the wait-for-existing deadline.
func WithPendingTimeout(d time.Duration) RuntimeOption {
	return func(o *RuntimeOptions) { o.PendingTimeout = d }
}

// WithPendingPollInterval overrides the wait-for-existing poll interval.
func WithPendingPollInterval(d time.Duration) RuntimeOption {
	return func(o *RuntimeOptions) { o.PendingPollInterval = d }
}

// WithMetrics attaches a Metrics collector to every session the runtime
// creates.
func WithMetrics(m *Metrics) RuntimeOption {
	return func(o *RuntimeOptions) { o.Metrics = m }
}

func defaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		PendingTimeout:      DefaultPendingTimeout,
		PendingPollInterval: DefaultPendingPollInterval,
	}
}

// SessionOptions configures one Enter/RunWorkflow call.
type SessionOptions struct {
	Name        string
	Input       []byte
	Tags        []string
	BudgetLimit *float64

	// CompensateOnBudgetExceeded controls whether a BudgetExceeded failure
	// still triggers the compensation walk (default true).
	CompensateOnBudgetExceeded bool

	// ReplayOf records lineage on a fresh run that re-executes a prior
	// run's workflow live (as opposed to Replay, which never writes).
	ReplayOf string

	// Replay, when true, opens the session in replay mode instead of
	// starting a new run.
	Replay      bool
	ReplayRunID string
	ReplayCalls []*Call
}

// SessionOption mutates a SessionOptions.
type SessionOption func(*SessionOptions)

func WithName(name string) SessionOption {
	return func(o *SessionOptions) { o.Name = name }
}

func WithInput(input []byte) SessionOption {
	return func(o *SessionOptions) { o.Input = input }
}

func WithTags(tags ...string) SessionOption {
	return func(o *SessionOptions) { o.Tags = tags }
}

func WithBudgetLimit(limit float64) SessionOption {
	return func(o *SessionOptions) { o.BudgetLimit = &limit }
}

func WithCompensateOnBudgetExceeded(v bool) SessionOption {
	return func(o *SessionOptions) { o.CompensateOnBudgetExceeded = v }
}

// WithReplayOf records sourceRunID as the lineage of a fresh, live run:
// the new run re-executes the workflow for real (claiming and writing new
// rows) but its run row points back at the run it was forked from.
func WithReplayOf(sourceRunID string) SessionOption {
	return func(o *SessionOptions) { o.ReplayOf = sourceRunID }
}

// WithReplay opens the session against runID's recorded call list instead
// of starting a new run. If calls is nil, the runtime's Store is consulted
// for the recorded list at Enter time.
func WithReplay(runID string, calls []*Call) SessionOption {
	return func(o *SessionOptions) {
		o.Replay = true
		o.ReplayRunID = runID
		o.ReplayCalls = calls
	}
}

func defaultSessionOptions() SessionOptions {
	return SessionOptions{
		CompensateOnBudgetExceeded: DefaultCompensateOnBudget,
	}
}
