package agenttrail

import (
	"time"

	"github.com/dshills/agenttrail-go/store"
)

// Run, Call, Usage, Phase, and the status enums are owned by the store
// package, which exclusively owns persisted state; agenttrail aliases them
// so callers only need to import one package for the common path.
type (
	Run        = store.Run
	Call       = store.Call
	Usage      = store.Usage
	Phase      = store.Phase
	RunStatus  = store.RunStatus
	CallStatus = store.CallStatus
)

const (
	PhaseForward      = store.PhaseForward
	PhaseCompensation = store.PhaseCompensation

	RunPending = store.RunPending
	RunSuccess = store.RunSuccess
	RunError   = store.RunError

	CallPending = store.CallPending
	CallSuccess = store.CallSuccess
	CallError   = store.CallError
)

// ExecutedStep is the transient, in-memory entry pushed to a Session's
// compensation stack when a forward call finalizes to success; a forward
// call that fails is not pushed and is never compensated. It is never
// persisted as its own row; the Call row it corresponds to already carries
// the durable record. Removed only implicitly when the session ends.
type ExecutedStep struct {
	StepName        string
	CompensatorName string
	CallID          string
	Input           []byte
	CompletedAt     time.Time
}
