package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store, the default backend for local runs
// and for the core's own tests.
//
// SQLite supports exactly one writer at a time, so the pool is capped to a
// single connection: within one store every statement, including the
// wait-for-existing poll loop's reads, takes turns on that connection. WAL
// mode lets readers on other connections to the same file proceed without
// blocking on the writer.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	shut bool
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store at
// path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			budget_limit REAL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			input_cost REAL NOT NULL DEFAULT 0,
			output_cost REAL NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			input TEXT,
			output TEXT,
			error TEXT NOT NULL DEFAULT '',
			replay_of TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			seq_no INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_call_id TEXT NOT NULL DEFAULT '',
			internal INTEGER NOT NULL DEFAULT 0,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			request_fingerprint TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			input_cost REAL NOT NULL DEFAULT 0,
			output_cost REAL NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			input TEXT,
			output TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(run_id, step_name, idempotency_key, phase)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_run_seq ON calls(run_id, seq_no)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			call_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			payload TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL REFERENCES calls(id),
			name TEXT NOT NULL,
			request TEXT,
			response TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_call_id ON tool_calls(call_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// isSQLiteUniqueViolation reports whether err is the SQLite driver's
// "UNIQUE constraint failed" error. modernc.org/sqlite surfaces this as a
// plain error whose message carries the SQLite-native text, so string
// matching (rather than an internal error-code type) is the portable check
// across versions of the driver.
func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shut {
		return errors.New("store: closed")
	}
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, status, tags, budget_limit, input, error, replay_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, string(run.Status), string(tagsJSON), run.BudgetLimit,
		string(run.Input), run.Error, run.ReplayOf, now, now)
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	run.CreatedAt, run.UpdatedAt = now, now
	return nil
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, status RunStatus, output []byte, errMsg string, totals Usage) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status=?, output=?, error=?,
			prompt_tokens=?, completion_tokens=?, total_tokens=?,
			input_cost=?, output_cost=?, total_cost=?, updated_at=?
		WHERE id=?`,
		string(status), string(output), errMsg,
		totals.PromptTokens, totals.CompletionTokens, totals.TotalTokens,
		totals.InputCost, totals.OutputCost, totals.TotalCost, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("store: finalize run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ClaimCall(ctx context.Context, call *Call) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, run_id, seq_no, step_name, idempotency_key, phase, status,
			parent_call_id, internal, provider, model, request_fingerprint, input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.RunID, call.SeqNo, call.StepName, call.IdempotencyKey, string(call.Phase),
		string(call.Status), call.ParentCallID, boolToInt(call.Internal), call.Provider, call.Model,
		call.RequestFingerprint, string(call.Input), now, now)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return &UniqueViolationError{
				RunID: call.RunID, StepName: call.StepName,
				IdempotencyKey: call.IdempotencyKey, Phase: call.Phase,
			}
		}
		return fmt.Errorf("store: claim call: %w", err)
	}
	call.CreatedAt, call.UpdatedAt = now, now
	return nil
}

func (s *SQLiteStore) FinalizeCall(ctx context.Context, callID string, status CallStatus, output []byte, errMsg string, usage Usage) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET status=?, output=?, error=?,
			prompt_tokens=?, completion_tokens=?, total_tokens=?,
			input_cost=?, output_cost=?, total_cost=?, updated_at=?
		WHERE id=?`,
		string(status), string(output), errMsg,
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		usage.InputCost, usage.OutputCost, usage.TotalCost, time.Now().UTC(), callID)
	if err != nil {
		return fmt.Errorf("store: finalize call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ReadCall(ctx context.Context, runID, stepName, idempotencyKey string, phase Phase) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, seq_no, step_name, idempotency_key, phase, status,
			parent_call_id, internal, provider, model, request_fingerprint,
			prompt_tokens, completion_tokens, total_tokens, input_cost, output_cost, total_cost,
			input, output, error, created_at, updated_at
		FROM calls WHERE run_id=? AND step_name=? AND idempotency_key=? AND phase=?`,
		runID, stepName, idempotencyKey, string(phase))
	return scanCall(row)
}

func (s *SQLiteStore) ReadCallList(ctx context.Context, runID string) ([]*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq_no, step_name, idempotency_key, phase, status,
			parent_call_id, internal, provider, model, request_fingerprint,
			prompt_tokens, completion_tokens, total_tokens, input_cost, output_cost, total_cost,
			input, output, error, created_at, updated_at
		FROM calls WHERE run_id=? ORDER BY seq_no ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: read call list: %w", err)
	}
	defer rows.Close()
	var out []*Call
	for rows.Next() {
		call, err := scanCallRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReadRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, tags, budget_limit,
			prompt_tokens, completion_tokens, total_tokens, input_cost, output_cost, total_cost,
			input, output, error, replay_of, created_at, updated_at
		FROM runs WHERE id=?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, call_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, ev.CallID, ev.Kind, string(ev.Payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadEvents(ctx context.Context, runID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, call_id, kind, payload, created_at FROM events WHERE run_id=? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: read events: %w", err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.CallID, &ev.Kind, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordToolCall(ctx context.Context, tc *ToolCall) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, call_id, name, request, response, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.CallID, tc.Name, string(tc.Request), string(tc.Response), tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: record tool call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ToolCallsForStep(ctx context.Context, callID string) ([]*ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, name, request, response, created_at FROM tool_calls WHERE call_id=? ORDER BY created_at ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("store: tool calls for step: %w", err)
	}
	defer rows.Close()
	var out []*ToolCall
	for rows.Next() {
		var tc ToolCall
		var req, resp string
		if err := rows.Scan(&tc.ID, &tc.CallID, &tc.Name, &req, &resp, &tc.CreatedAt); err != nil {
			return nil, err
		}
		tc.Request, tc.Response = []byte(req), []byte(resp)
		out = append(out, &tc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shut = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*Call, error) {
	call, err := scanCallRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return call, err
}

func scanCallRow(row rowScanner) (*Call, error) {
	var c Call
	var phase, status string
	// input/output are NULL until claimed-with-input/finalized, so both go
	// through NullString. Internal scans directly as a bool: database/sql
	// converts SQLite's and MySQL's 0/1 integers and Postgres's native
	// BOOLEAN alike.
	var input, output sql.NullString
	if err := row.Scan(
		&c.ID, &c.RunID, &c.SeqNo, &c.StepName, &c.IdempotencyKey, &phase, &status,
		&c.ParentCallID, &c.Internal, &c.Provider, &c.Model, &c.RequestFingerprint,
		&c.Usage.PromptTokens, &c.Usage.CompletionTokens, &c.Usage.TotalTokens,
		&c.Usage.InputCost, &c.Usage.OutputCost, &c.Usage.TotalCost,
		&input, &output, &c.Error, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Phase = Phase(phase)
	c.Status = CallStatus(status)
	if input.Valid {
		c.Input = []byte(input.String)
	}
	if output.Valid {
		c.Output = []byte(output.String)
	}
	return &c, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status, tagsJSON string
	var input, output sql.NullString // output stays NULL until finalize
	if err := row.Scan(
		&r.ID, &r.Name, &status, &tagsJSON, &r.BudgetLimit,
		&r.Totals.PromptTokens, &r.Totals.CompletionTokens, &r.Totals.TotalTokens,
		&r.Totals.InputCost, &r.Totals.OutputCost, &r.Totals.TotalCost,
		&input, &output, &r.Error, &r.ReplayOf, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = RunStatus(status)
	if input.Valid {
		r.Input = []byte(input.String)
	}
	if output.Valid {
		r.Output = []byte(output.String)
	}
	_ = json.Unmarshal([]byte(tagsJSON), &r.Tags)
	return &r, nil
}
