package agenttrail

import "context"

// contextKey is a private type for the ambient slots carried on
// context.Context: the active session and the id of the currently running
// call. Go has no native thread-local, so the context is the per-execution
// carrier for both.
type contextKey int

const (
	sessionKey contextKey = iota
	callIDKey
	originalCallIDKey
)

// withSession returns a context carrying sess as the ambient session.
func withSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// CurrentSession returns the ambient session carried on ctx, or nil if ctx
// was not derived from a session scope. Wrapped step functions use this to
// discover whether they are running inside a session without an explicit
// parameter.
func CurrentSession(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey).(*Session)
	return sess
}

// withCallID returns a context carrying callID as the ambient
// currently-running call id, for the next level of nested step calls to
// record as their parent_call_id.
func withCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey, callID)
}

// CurrentCallID returns the ambient call id carried on ctx, or "" if no
// step invocation is active.
func CurrentCallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey).(string)
	return id
}

// withOriginalCallID returns a context carrying the original forward
// call's id, available to a compensator via OriginalCallID.
func withOriginalCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, originalCallIDKey, callID)
}

// OriginalCallID returns the id of the forward call a compensation call is
// undoing, or "" outside compensation. Compensators receive the original
// step's input by default; this lookup covers the rarer case where they
// need to reference the effect they are undoing (e.g. a hold id persisted
// on the original call's output).
func OriginalCallID(ctx context.Context) string {
	id, _ := ctx.Value(originalCallIDKey).(string)
	return id
}
