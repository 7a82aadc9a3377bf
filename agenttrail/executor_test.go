package agenttrail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/agenttrail-go/emit"
	"github.com/dshills/agenttrail-go/store"
)

// reserveIn/reserveOut are the order-reservation step shape reused across
// this package's tests.
type reserveIn struct {
	Email string
	Cents int
}

type reserveOut struct {
	Hold string
}

func newTestRuntime() (*Runtime, store.Store) {
	st := store.NewMemoryStore()
	return NewRuntime(st, emit.NewNullEmitter()), st
}

func TestHappyPath(t *testing.T) {
	rt, st := newTestRuntime()
	reserve := RegisterStep(rt, "reserve", func(_ context.Context, in reserveIn) (reserveOut, error) {
		return reserveOut{Hold: fmt.Sprintf("H:%s:%d", in.Email, in.Cents)}, nil
	})

	run, output, err := rt.RunWorkflow(context.Background(), func(ctx context.Context) (any, error) {
		return reserve.Call(ctx, reserveIn{Email: "a@x", Cents: 100})
	})
	if err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if run.Status != RunSuccess {
		t.Fatalf("want run status success, got %s", run.Status)
	}
	out, ok := output.(reserveOut)
	if !ok || out.Hold != "H:a@x:100" {
		t.Fatalf("want hold H:a@x:100, got %+v", output)
	}

	calls, err := st.ReadCallList(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("want exactly one call row, got %d", len(calls))
	}
	if calls[0].Status != CallSuccess {
		t.Fatalf("want call status success, got %s", calls[0].Status)
	}
}

// TestIdempotentRetry: the same step called twice sequentially with
// identical args in one session invokes the user function exactly once.
func TestIdempotentRetry(t *testing.T) {
	rt, st := newTestRuntime()
	var invocations int64
	reserve := RegisterStep(rt, "reserve", func(_ context.Context, in reserveIn) (reserveOut, error) {
		atomic.AddInt64(&invocations, 1)
		return reserveOut{Hold: fmt.Sprintf("H:%s:%d", in.Email, in.Cents)}, nil
	})

	ctx, sess, err := rt.Enter(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	out1, err := reserve.Call(ctx, reserveIn{Email: "a@x", Cents: 100})
	if err != nil {
		t.Fatal(err)
	}
	out2, err := reserve.Call(ctx, reserveIn{Email: "a@x", Cents: 100})
	if err != nil {
		t.Fatal(err)
	}

	if invocations != 1 {
		t.Fatalf("want exactly one user-function invocation, got %d", invocations)
	}
	if out1 != out2 {
		t.Fatalf("both callers must see the same output: %+v != %+v", out1, out2)
	}

	sess.Exit(ctx, nil)
	calls, err := st.ReadCallList(context.Background(), sess.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("second attempt must not create a new row, got %d calls", len(calls))
	}
}

// TestConcurrentClaim: N goroutines in one session call the same step with
// identical args simultaneously; the user function body runs once and every
// caller observes the same output.
func TestConcurrentClaim(t *testing.T) {
	rt, st := newTestRuntime()
	var invocations int64
	reserve := RegisterStep(rt, "reserve", func(_ context.Context, in reserveIn) (reserveOut, error) {
		atomic.AddInt64(&invocations, 1)
		time.Sleep(5 * time.Millisecond)
		return reserveOut{Hold: fmt.Sprintf("H:%s:%d", in.Email, in.Cents)}, nil
	})

	ctx, sess, err := rt.Enter(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	const n = 8
	results := make([]reserveOut, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := reserve.Call(ctx, reserveIn{Email: "a@x", Cents: 100})
			results[i] = out
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&invocations); got != 1 {
		t.Fatalf("want exactly one invocation across %d concurrent callers, got %d", n, got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, err)
		}
		if results[i].Hold != "H:a@x:100" {
			t.Fatalf("caller %d: want H:a@x:100, got %+v", i, results[i])
		}
	}

	run := sess.Exit(ctx, nil)
	if run.Status != RunSuccess {
		t.Fatalf("want run status success, got %s", run.Status)
	}
	calls, err := st.ReadCallList(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("want exactly one call row, got %d", len(calls))
	}
}

// TestMonotoneSequence: successfully claimed calls in a run get a strictly
// increasing seq_no starting at 1.
func TestMonotoneSequence(t *testing.T) {
	rt, st := newTestRuntime()
	identity := func(_ context.Context, in int) (int, error) { return in, nil }
	stepA := RegisterStep(rt, "step_a", identity)
	stepB := RegisterStep(rt, "step_b", identity)
	stepC := RegisterStep(rt, "step_c", identity)

	ctx, sess, err := rt.Enter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i, step := range []*RegisteredStep[int, int]{stepA, stepB, stepC} {
		if _, err := step.Call(ctx, i); err != nil {
			t.Fatal(err)
		}
	}
	sess.Exit(ctx, nil)

	calls, err := st.ReadCallList(context.Background(), sess.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 3 {
		t.Fatalf("want 3 calls, got %d", len(calls))
	}
	for i, c := range calls {
		if c.SeqNo != int64(i+1) {
			t.Fatalf("call %d (%s) has seq_no %d, want %d", i, c.StepName, c.SeqNo, i+1)
		}
	}
}

// TestMonotoneSequence_ConcurrentDistinctSteps: distinct fingerprints
// racing in one session still produce a gap-free, strictly increasing
// sequence.
func TestMonotoneSequence_ConcurrentDistinctSteps(t *testing.T) {
	rt, _ := newTestRuntime()
	identity := func(_ context.Context, in int) (int, error) { return in, nil }
	const n = 10
	steps := make([]*RegisteredStep[int, int], n)
	for i := 0; i < n; i++ {
		steps[i] = RegisterStep(rt, fmt.Sprintf("step_%d", i), identity)
	}

	ctx, sess, err := rt.Enter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := steps[i].Call(ctx, i); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	sess.Exit(ctx, nil)

	seen := make(map[int64]bool)
	calls, err := sess.store.ReadCallList(ctx, sess.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != n {
		t.Fatalf("want %d calls, got %d", n, len(calls))
	}
	for _, c := range calls {
		if seen[c.SeqNo] {
			t.Fatalf("duplicate seq_no %d", c.SeqNo)
		}
		seen[c.SeqNo] = true
		if c.SeqNo < 1 || c.SeqNo > int64(n) {
			t.Fatalf("seq_no %d out of range [1,%d]", c.SeqNo, n)
		}
	}
}

// TestWaitForExisting_Timeout: a claim that stays pending past the deadline
// surfaces ErrPendingClaimTimeout to the losing caller.
func TestWaitForExisting_Timeout(t *testing.T) {
	st := store.NewMemoryStore()
	rt := NewRuntime(st, emit.NewNullEmitter(),
		WithPendingTimeout(30*time.Millisecond),
		WithPendingPollInterval(5*time.Millisecond))
	reserve := RegisterStep(rt, "reserve", func(_ context.Context, in reserveIn) (reserveOut, error) {
		t.Error("user function must not run for the losing caller")
		return reserveOut{}, nil
	})

	ctx, sess, err := rt.Enter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Exit(ctx, nil)

	// Plant a pending claim under the exact tuple the step will compute, as
	// if a crashed worker had claimed it and never finalized.
	in := reserveIn{Email: "a@x", Cents: 100}
	key := Fingerprint("reserve", PhaseForward, []any{in}, nil)
	stale := &Call{
		ID: "stale", RunID: sess.ID(), SeqNo: 1, StepName: "reserve",
		IdempotencyKey: key, Phase: PhaseForward, Status: CallPending,
	}
	if err := st.ClaimCall(ctx, stale); err != nil {
		t.Fatal(err)
	}

	_, err = reserve.Call(ctx, in)
	if !errors.Is(err, ErrPendingClaimTimeout) {
		t.Fatalf("want ErrPendingClaimTimeout, got %v", err)
	}
}

// TestWaitForExisting_AdoptsWinnerError: a loser whose winner finalized to
// error adopts the recorded error string rather than re-running the step.
func TestWaitForExisting_AdoptsWinnerError(t *testing.T) {
	st := store.NewMemoryStore()
	rt := NewRuntime(st, emit.NewNullEmitter(),
		WithPendingTimeout(time.Second),
		WithPendingPollInterval(time.Millisecond))
	reserve := RegisterStep(rt, "reserve", func(_ context.Context, in reserveIn) (reserveOut, error) {
		t.Error("user function must not run for the losing caller")
		return reserveOut{}, nil
	})

	ctx, sess, err := rt.Enter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Exit(ctx, nil)

	in := reserveIn{Email: "a@x", Cents: 100}
	key := Fingerprint("reserve", PhaseForward, []any{in}, nil)
	winner := &Call{
		ID: "winner", RunID: sess.ID(), SeqNo: 1, StepName: "reserve",
		IdempotencyKey: key, Phase: PhaseForward, Status: CallPending,
	}
	if err := st.ClaimCall(ctx, winner); err != nil {
		t.Fatal(err)
	}
	if err := st.FinalizeCall(ctx, "winner", store.CallError, nil, "card declined", store.Usage{}); err != nil {
		t.Fatal(err)
	}

	_, err = reserve.Call(ctx, in)
	var tf *ToolFailureError
	if !errors.As(err, &tf) {
		t.Fatalf("want ToolFailureError with the recorded message, got %v", err)
	}
	if tf.Cause.Error() != "card declined" {
		t.Fatalf("recorded error not adopted: %v", tf.Cause)
	}
}
