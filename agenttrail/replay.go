package agenttrail

// ReplayDriver serves recorded call outputs back to a replaying workflow in
// order, in place of re-invoking the user's step functions or touching the
// Store. Replay never runs user code and never writes; it gives a
// deterministic, side-effect-free traversal of a past run.
type ReplayDriver struct {
	calls  []*Call
	cursor int
}

// NewReplayDriver builds a driver over calls, which must already be ordered
// by seq_no ascending (as Store.ReadCallList guarantees).
func NewReplayDriver(calls []*Call) *ReplayDriver {
	return &ReplayDriver{calls: calls}
}

// Next consumes the next recorded call and validates it against the step
// actually being invoked. Returns the call's raw JSON output on a recorded
// success.
//
// Errors:
//   - ErrReplayExhausted: the workflow called more steps than were recorded.
//   - *ReplayMismatchError: the recorded (step, phase) differs from the one
//     actually being called, meaning the workflow's logic has diverged from
//     the recording (e.g. a changed branch).
//   - *ReplayNotSuccessError: the recorded call did not succeed; the
//     original failure (or budget/compensation outcome) is surfaced again.
func (d *ReplayDriver) Next(stepName string, phase Phase) ([]byte, error) {
	if d.cursor >= len(d.calls) {
		return nil, ErrReplayExhausted
	}
	call := d.calls[d.cursor]
	d.cursor++

	if call.StepName != stepName || call.Phase != phase {
		return nil, &ReplayMismatchError{
			RecordedStep:  call.StepName,
			RecordedPhase: string(call.Phase),
			ActualStep:    stepName,
			ActualPhase:   string(phase),
		}
	}

	if call.Status != CallSuccess {
		return nil, &ReplayNotSuccessError{
			StepName: call.StepName,
			Status:   string(call.Status),
			Err:      call.Error,
		}
	}

	return call.Output, nil
}
