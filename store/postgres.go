package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a PostgreSQL-backed Store, for multi-process
// deployments sharing one database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection to dsn (a lib/pq connection
// string or URL) and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			tags JSONB NOT NULL DEFAULT '[]',
			budget_limit DOUBLE PRECISION,
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			input_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			output_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			input TEXT,
			output TEXT,
			error TEXT NOT NULL DEFAULT '',
			replay_of TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			seq_no BIGINT NOT NULL,
			step_name TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_call_id TEXT NOT NULL DEFAULT '',
			internal BOOLEAN NOT NULL DEFAULT FALSE,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			request_fingerprint TEXT NOT NULL DEFAULT '',
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			input_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			output_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			input TEXT,
			output TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (run_id, step_name, idempotency_key, phase)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_run_seq ON calls(run_id, seq_no)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			call_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			payload TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL REFERENCES calls(id),
			name TEXT NOT NULL,
			request TEXT,
			response TEXT,
			created_at TIMESTAMPTZ NOT NULL
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

// isPostgresUniqueViolation reports whether err is Postgres SQLSTATE 23505
// (unique_violation), the dialect-specific "already exists" signal.
func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, status, tags, budget_limit, input, error, replay_of, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.Name, string(run.Status), string(tagsJSON), run.BudgetLimit,
		string(run.Input), run.Error, run.ReplayOf, now, now)
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	run.CreatedAt, run.UpdatedAt = now, now
	return nil
}

func (s *PostgresStore) FinalizeRun(ctx context.Context, runID string, status RunStatus, output []byte, errMsg string, totals Usage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status=$1, output=$2, error=$3,
			prompt_tokens=$4, completion_tokens=$5, total_tokens=$6,
			input_cost=$7, output_cost=$8, total_cost=$9, updated_at=$10
		WHERE id=$11`,
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

func (s *PostgresStore) ClaimCall(ctx context.Context, call *Call) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, run_id, seq_no, step_name, idempotency_key, phase, status,
			parent_call_id, internal, provider, model, request_fingerprint, input, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		call.ID, call.RunID, call.SeqNo, call.StepName, call.IdempotencyKey, string(call.Phase),
		string(call.Status), call.ParentCallID, call.Internal, call.Provider, call.Model,
		call.RequestFingerprint, string(call.Input), now, now)
	if err != nil {
		if isPostgresUniqueViolation(err) {
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

func (s *PostgresStore) FinalizeCall(ctx context.Context, callID string, status CallStatus, output []byte, errMsg string, usage Usage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET status=$1, output=$2, error=$3,
			prompt_tokens=$4, completion_tokens=$5, total_tokens=$6,
			input_cost=$7, output_cost=$8, total_cost=$9, updated_at=$10
		WHERE id=$11`,
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

func (s *PostgresStore) ReadCall(ctx context.Context, runID, stepName, idempotencyKey string, phase Phase) (*Call, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, seq_no, step_name, idempotency_key, phase, status,
			parent_call_id, internal, provider, model, request_fingerprint,
			prompt_tokens, completion_tokens, total_tokens, input_cost, output_cost, total_cost,
			input, output, error, created_at, updated_at
		FROM calls WHERE run_id=$1 AND step_name=$2 AND idempotency_key=$3 AND phase=$4`,
		runID, stepName, idempotencyKey, string(phase))
	return scanCall(row)
}

func (s *PostgresStore) ReadCallList(ctx context.Context, runID string) ([]*Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq_no, step_name, idempotency_key, phase, status,
			parent_call_id, internal, provider, model, request_fingerprint,
			prompt_tokens, completion_tokens, total_tokens, input_cost, output_cost, total_cost,
			input, output, error, created_at, updated_at
		FROM calls WHERE run_id=$1 ORDER BY seq_no ASC`, runID)
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

func (s *PostgresStore) ReadRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, tags, budget_limit,
			prompt_tokens, completion_tokens, total_tokens, input_cost, output_cost, total_cost,
			input, output, error, replay_of, created_at, updated_at
		FROM runs WHERE id=$1`, runID)
	return scanRun(row)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, call_id, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.RunID, ev.CallID, ev.Kind, string(ev.Payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadEvents(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, call_id, kind, payload, created_at FROM events WHERE run_id=$1 ORDER BY created_at ASC`, runID)
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

func (s *PostgresStore) RecordToolCall(ctx context.Context, tc *ToolCall) error {
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, call_id, name, request, response, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		tc.ID, tc.CallID, tc.Name, string(tc.Request), string(tc.Response), tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: record tool call: %w", err)
	}
	return nil
}

func (s *PostgresStore) ToolCallsForStep(ctx context.Context, callID string) ([]*ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, name, request, response, created_at FROM tool_calls WHERE call_id=$1 ORDER BY created_at ASC`, callID)
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
