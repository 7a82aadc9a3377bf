package agenttrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// TestReplayMatches: replaying an exported run with the same workflow
// produces the same return value and writes no new rows.
func TestReplayMatches(t *testing.T) {
	rt, st := newTestRuntime()
	reserve := RegisterStep(rt, "reserve", func(_ context.Context, in reserveIn) (reserveOut, error) {
		return reserveOut{Hold: fmt.Sprintf("H:%s:%d", in.Email, in.Cents)}, nil
	})
	workflow := func(ctx context.Context) (any, error) {
		return reserve.Call(ctx, reserveIn{Email: "a@x", Cents: 100})
	}

	run, liveOut, err := rt.RunWorkflow(context.Background(), workflow)
	if err != nil {
		t.Fatal(err)
	}

	exported, err := rt.ExportRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}

	ctx, sess, err := rt.Enter(context.Background(), WithReplay(run.ID, exported.Calls))
	if err != nil {
		t.Fatal(err)
	}
	if !sess.IsReplay() {
		t.Fatal("session must report replay mode")
	}
	replayOut, err := workflow(ctx)
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	sess.Exit(ctx, nil)

	if liveOut.(reserveOut) != replayOut.(reserveOut) {
		t.Fatalf("replay output %+v != live output %+v", replayOut, liveOut)
	}

	calls, err := st.ReadCallList(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != len(exported.Calls) {
		t.Fatalf("replay wrote new rows: %d -> %d", len(exported.Calls), len(calls))
	}
}

// TestReplay_ExportRoundTrip: exporting, replaying, and exporting again
// yields the same structure up to timestamps.
func TestReplay_ExportRoundTrip(t *testing.T) {
	rt, _ := newTestRuntime()
	reserve := RegisterStep(rt, "reserve", func(_ context.Context, in reserveIn) (reserveOut, error) {
		return reserveOut{Hold: fmt.Sprintf("H:%s:%d", in.Email, in.Cents)}, nil
	})
	workflow := func(ctx context.Context) (any, error) {
		return reserve.Call(ctx, reserveIn{Email: "a@x", Cents: 100})
	}

	run, _, err := rt.RunWorkflow(context.Background(), workflow)
	if err != nil {
		t.Fatal(err)
	}
	before, err := rt.ExportRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}

	ctx, sess, err := rt.Enter(context.Background(), WithReplay(run.ID, before.Calls))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := workflow(ctx); err != nil {
		t.Fatal(err)
	}
	sess.Exit(ctx, nil)

	after, err := rt.ExportRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}

	normalize := func(e *ExportedRun) string {
		cp := &ExportedRun{Run: new(Run), Calls: make([]*Call, len(e.Calls))}
		*cp.Run = *e.Run
		cp.Run.CreatedAt, cp.Run.UpdatedAt = time.Time{}, time.Time{}
		for i, c := range e.Calls {
			cc := *c
			cc.CreatedAt, cc.UpdatedAt = time.Time{}, time.Time{}
			cp.Calls[i] = &cc
		}
		raw, err := json.Marshal(cp)
		if err != nil {
			t.Fatal(err)
		}
		return string(raw)
	}
	if normalize(before) != normalize(after) {
		t.Fatalf("export changed across replay:\nbefore: %s\nafter:  %s", normalize(before), normalize(after))
	}
}

// TestReplay_Mismatch covers the ReplayMismatch error: the workflow calls a
// different step than the recording.
func TestReplay_Mismatch(t *testing.T) {
	rt, _ := newTestRuntime()
	reserve := RegisterStep(rt, "reserve", func(_ context.Context, in reserveIn) (reserveOut, error) {
		return reserveOut{Hold: "H"}, nil
	})
	other := RegisterStep(rt, "other_step", func(_ context.Context, in int) (int, error) {
		return in, nil
	})

	run, _, err := rt.RunWorkflow(context.Background(), func(ctx context.Context) (any, error) {
		return reserve.Call(ctx, reserveIn{Email: "a@x", Cents: 100})
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, sess, err := rt.Enter(context.Background(), WithReplay(run.ID, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Exit(ctx, nil)

	_, err = other.Call(ctx, 1)
	var mismatch *ReplayMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("want ReplayMismatchError, got %v", err)
	}
	if mismatch.RecordedStep != "reserve" || mismatch.ActualStep != "other_step" {
		t.Fatalf("mismatch names both pairs: %+v", mismatch)
	}
}

// TestReplay_Exhausted covers ReplayExhausted: the workflow calls more steps
// than were recorded.
func TestReplay_Exhausted(t *testing.T) {
	rt, _ := newTestRuntime()
	reserve := RegisterStep(rt, "reserve", func(_ context.Context, in reserveIn) (reserveOut, error) {
		return reserveOut{Hold: "H"}, nil
	})

	run, _, err := rt.RunWorkflow(context.Background(), func(ctx context.Context) (any, error) {
		return reserve.Call(ctx, reserveIn{Email: "a@x", Cents: 100})
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, sess, err := rt.Enter(context.Background(), WithReplay(run.ID, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Exit(ctx, nil)

	if _, err := reserve.Call(ctx, reserveIn{Email: "a@x", Cents: 100}); err != nil {
		t.Fatalf("first replayed call: %v", err)
	}
	_, err = reserve.Call(ctx, reserveIn{Email: "b@x", Cents: 200})
	if !errors.Is(err, ErrReplayExhausted) {
		t.Fatalf("want ErrReplayExhausted, got %v", err)
	}
}

// TestReplay_NotSuccess covers ReplayNotSuccess: replaying over a recorded
// failure surfaces the original failure again.
func TestReplay_NotSuccess(t *testing.T) {
	rt, _ := newTestRuntime()
	reserve := RegisterStep(rt, "reserve", func(_ context.Context, in reserveIn) (reserveOut, error) {
		return reserveOut{}, nil
	})

	recorded := []*Call{{
		ID: "c1", RunID: "r1", SeqNo: 1, StepName: "reserve",
		Phase: PhaseForward, Status: CallError, Error: "card declined",
	}}
	ctx, sess, err := rt.Enter(context.Background(), WithReplay("r1", recorded))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Exit(ctx, nil)

	_, err = reserve.Call(ctx, reserveIn{Email: "a@x", Cents: 100})
	var notSuccess *ReplayNotSuccessError
	if !errors.As(err, &notSuccess) {
		t.Fatalf("want ReplayNotSuccessError, got %v", err)
	}
	if notSuccess.Err != "card declined" {
		t.Fatalf("original error not surfaced: %+v", notSuccess)
	}
}

// TestReplay_RequiresRunID covers the ConfigError taxonomy entry: a replay
// session without a run id is rejected at Enter.
func TestReplay_RequiresRunID(t *testing.T) {
	rt, _ := newTestRuntime()
	_, _, err := rt.Enter(context.Background(), WithReplay("", nil))
	var cfg *ConfigError
	if !errors.As(err, &cfg) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}
