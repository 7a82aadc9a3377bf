package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// TestStore_InterfaceContract verifies every backend satisfies Store.
func TestStore_InterfaceContract(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ Store = (*SQLiteStore)(nil)
	var _ Store = (*MySQLStore)(nil)
	var _ Store = (*PostgresStore)(nil)
}

func newBackends(t *testing.T) map[string]Store {
	t.Helper()
	sqlitePath := filepath.Join(t.TempDir(), "agenttrail.db")
	sq, err := NewSQLiteStore(sqlitePath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestStore_ClaimCall_UniqueViolation(t *testing.T) {
	ctx := context.Background()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			run := &Run{ID: "run-1", Name: "t", Status: RunPending}
			if err := s.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			call := &Call{
				ID: "call-1", RunID: "run-1", SeqNo: 1, StepName: "reserve",
				IdempotencyKey: "abc123", Phase: PhaseForward, Status: CallPending,
			}
			if err := s.ClaimCall(ctx, call); err != nil {
				t.Fatalf("first ClaimCall: %v", err)
			}
			dup := &Call{
				ID: "call-2", RunID: "run-1", SeqNo: 2, StepName: "reserve",
				IdempotencyKey: "abc123", Phase: PhaseForward, Status: CallPending,
			}
			err := s.ClaimCall(ctx, dup)
			var uv *UniqueViolationError
			if !errors.As(err, &uv) {
				t.Fatalf("expected UniqueViolationError, got %v", err)
			}
		})
	}
}

func TestStore_ClaimCall_DistinctPhaseAllowed(t *testing.T) {
	ctx := context.Background()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			run := &Run{ID: "run-2", Name: "t", Status: RunPending}
			if err := s.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			fwd := &Call{ID: "c1", RunID: "run-2", SeqNo: 1, StepName: "reserve", IdempotencyKey: "k", Phase: PhaseForward, Status: CallPending}
			comp := &Call{ID: "c2", RunID: "run-2", SeqNo: 2, StepName: "reserve", IdempotencyKey: "k", Phase: PhaseCompensation, Status: CallPending}
			if err := s.ClaimCall(ctx, fwd); err != nil {
				t.Fatalf("claim forward: %v", err)
			}
			if err := s.ClaimCall(ctx, comp); err != nil {
				t.Fatalf("claim compensation should not collide with forward: %v", err)
			}
		})
	}
}

func TestStore_FinalizeCall_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			run := &Run{ID: "run-3", Name: "t", Status: RunPending}
			if err := s.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			call := &Call{ID: "c1", RunID: "run-3", SeqNo: 1, StepName: "reserve", IdempotencyKey: "k", Phase: PhaseForward, Status: CallPending, Input: []byte(`{"a":1}`)}
			if err := s.ClaimCall(ctx, call); err != nil {
				t.Fatalf("ClaimCall: %v", err)
			}
			usage := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, TotalCost: 0.01}
			if err := s.FinalizeCall(ctx, "c1", CallSuccess, []byte(`{"hold":"H:1"}`), "", usage); err != nil {
				t.Fatalf("FinalizeCall: %v", err)
			}
			got, err := s.ReadCall(ctx, "run-3", "reserve", "k", PhaseForward)
			if err != nil {
				t.Fatalf("ReadCall: %v", err)
			}
			if got.Status != CallSuccess {
				t.Fatalf("status = %q, want success", got.Status)
			}
			if string(got.Output) != `{"hold":"H:1"}` {
				t.Fatalf("output = %q", got.Output)
			}
			if got.Usage.TotalCost != 0.01 {
				t.Fatalf("total cost = %v", got.Usage.TotalCost)
			}
		})
	}
}

func TestStore_ReadCallList_OrderedBySeqNo(t *testing.T) {
	ctx := context.Background()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			run := &Run{ID: "run-4", Name: "t", Status: RunPending}
			if err := s.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			for i, step := range []string{"reserve", "place_order", "send_receipt"} {
				call := &Call{
					ID: step, RunID: "run-4", SeqNo: int64(i + 1), StepName: step,
					IdempotencyKey: step + "-key", Phase: PhaseForward, Status: CallPending,
				}
				if err := s.ClaimCall(ctx, call); err != nil {
					t.Fatalf("ClaimCall(%s): %v", step, err)
				}
			}
			calls, err := s.ReadCallList(ctx, "run-4")
			if err != nil {
				t.Fatalf("ReadCallList: %v", err)
			}
			if len(calls) != 3 {
				t.Fatalf("len(calls) = %d, want 3", len(calls))
			}
			for i, c := range calls {
				if c.SeqNo != int64(i+1) {
					t.Fatalf("calls[%d].SeqNo = %d, want %d", i, c.SeqNo, i+1)
				}
			}
		})
	}
}

func TestStore_FinalizeRun_NotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.FinalizeRun(ctx, "does-not-exist", RunSuccess, nil, "", Usage{})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_EventsAndToolCalls(t *testing.T) {
	ctx := context.Background()
	for name, s := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			run := &Run{ID: "run-5", Name: "t", Status: RunPending}
			if err := s.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			call := &Call{ID: "c1", RunID: "run-5", SeqNo: 1, StepName: "reserve", IdempotencyKey: "k", Phase: PhaseForward, Status: CallPending}
			if err := s.ClaimCall(ctx, call); err != nil {
				t.Fatalf("ClaimCall: %v", err)
			}
			if err := s.AppendEvent(ctx, &Event{ID: "e1", RunID: "run-5", CallID: "c1", Kind: "call_claimed"}); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
			events, err := s.ReadEvents(ctx, "run-5")
			if err != nil {
				t.Fatalf("ReadEvents: %v", err)
			}
			if len(events) != 1 || events[0].Kind != "call_claimed" {
				t.Fatalf("events = %+v", events)
			}
			if err := s.RecordToolCall(ctx, &ToolCall{ID: "tc1", CallID: "c1", Name: "http.get", Request: []byte(`{}`), Response: []byte(`{"ok":true}`)}); err != nil {
				t.Fatalf("RecordToolCall: %v", err)
			}
			tcs, err := s.ToolCallsForStep(ctx, "c1")
			if err != nil {
				t.Fatalf("ToolCallsForStep: %v", err)
			}
			if len(tcs) != 1 || tcs[0].Name != "http.get" {
				t.Fatalf("tool calls = %+v", tcs)
			}
		})
	}
}
