package emit

// Event represents an observability event emitted during durable step execution.
//
// Events provide detailed insight into runtime behavior:
//   - Run lifecycle (started, finalized)
//   - Call claim/execute/finalize transitions
//   - Idempotency cache hits
//   - Compensation (saga rollback) steps
//   - Budget enforcement
//
// Events are emitted to an Emitter which can log them, export spans, or
// persist them to the Store's event outbox (see store.AppendEvent).
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// CallID identifies the call this event pertains to. Empty for
	// run-level events (run_started, run_finalized).
	CallID string

	// SeqNo is the call's per-run sequence number. Zero for run-level events.
	SeqNo int64

	// StepName is the name of the step that emitted this event. Empty for
	// run-level events.
	StepName string

	// Phase is "forward" or "compensation". Empty for run-level events.
	Phase string

	// Msg is a human-readable description of the event, e.g. "call_claimed",
	// "call_cache_hit", "call_succeeded", "call_failed",
	// "compensation_failed", "compensation_missing", "budget_exceeded",
	// "run_started", "run_finalized".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Keys the agenttrail runtime sets:
	//   - "error": error string (call_failed, compensation_failed)
	//   - "status": the run's terminal status (run_finalized)
	//   - "budget_limit", "total_cost": budget figures (budget_exceeded)
	//   - "step", "compensator": the compensated step and its compensator
	Meta map[string]interface{}
}
