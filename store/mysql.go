package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed Store, for multi-process deployments sharing
// one database. Pooled connections are the norm here, unlike SQLite's
// single-writer discipline.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a pooled connection to dsn (a go-sql-driver/mysql
// data source name) and ensures the schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &MySQLStore{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			tags TEXT NOT NULL,
			budget_limit DOUBLE NULL,
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			input_cost DOUBLE NOT NULL DEFAULT 0,
			output_cost DOUBLE NOT NULL DEFAULT 0,
			total_cost DOUBLE NOT NULL DEFAULT 0,
			input LONGTEXT,
			output LONGTEXT,
			error TEXT NOT NULL,
			replay_of VARCHAR(64) NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS calls (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			seq_no BIGINT NOT NULL,
			step_name VARCHAR(255) NOT NULL,
			idempotency_key CHAR(64) NOT NULL,
			phase VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			parent_call_id VARCHAR(64) NOT NULL DEFAULT '',
			internal TINYINT(1) NOT NULL DEFAULT 0,
			provider VARCHAR(64) NOT NULL DEFAULT '',
			model VARCHAR(128) NOT NULL DEFAULT '',
			request_fingerprint VARCHAR(255) NOT NULL DEFAULT '',
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			input_cost DOUBLE NOT NULL DEFAULT 0,
			output_cost DOUBLE NOT NULL DEFAULT 0,
			total_cost DOUBLE NOT NULL DEFAULT 0,
			input LONGTEXT,
			output LONGTEXT,
			error TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE KEY uq_calls_claim (run_id, step_name, idempotency_key, phase),
			KEY idx_calls_run_seq (run_id, seq_no),
			CONSTRAINT fk_calls_run FOREIGN KEY (run_id) REFERENCES runs(id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS events (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			call_id VARCHAR(64) NOT NULL DEFAULT '',
			kind VARCHAR(64) NOT NULL,
			payload LONGTEXT,
			created_at DATETIME NOT NULL,
			KEY idx_events_run_id (run_id, created_at),
			CONSTRAINT fk_events_run FOREIGN KEY (run_id) REFERENCES runs(id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id VARCHAR(64) PRIMARY KEY,
			call_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			request LONGTEXT,
			response LONGTEXT,
			created_at DATETIME NOT NULL,
			KEY idx_tool_calls_call_id (call_id),
			CONSTRAINT fk_tool_calls_call FOREIGN KEY (call_id) REFERENCES calls(id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// isMySQLUniqueViolation reports whether err is MySQL error 1062
// (ER_DUP_ENTRY), the dialect-specific "already exists" signal.
func isMySQLUniqueViolation(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (s *MySQLStore) CreateRun(ctx context.Context, run *Run) error {
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

func (s *MySQLStore) FinalizeRun(ctx context.Context, runID string, status RunStatus, output []byte, errMsg string, totals Usage) error {
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
		if _, getErr := s.ReadRun(ctx, runID); getErr != nil {
			return ErrNotFound
		}
	}
	return nil
}

func (s *MySQLStore) ClaimCall(ctx context.Context, call *Call) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, run_id, seq_no, step_name, idempotency_key, phase, status,
			parent_call_id, internal, provider, model, request_fingerprint, input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.RunID, call.SeqNo, call.StepName, call.IdempotencyKey, string(call.Phase),
		string(call.Status), call.ParentCallID, boolToInt(call.Internal), call.Provider, call.Model,
		call.RequestFingerprint, string(call.Input), now, now)
	if err != nil {
		if isMySQLUniqueViolation(err) {
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

func (s *MySQLStore) FinalizeCall(ctx context.Context, callID string, status CallStatus, output []byte, errMsg string, usage Usage) error {
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
		// MySQL counts changed rows, not matched ones: a repeat finalize
		// with identical values reports zero, so confirm the row exists.
		var one int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM calls WHERE id=?`, callID).Scan(&one); err != nil {
			return ErrNotFound
		}
	}
	return nil
}

func (s *MySQLStore) ReadCall(ctx context.Context, runID, stepName, idempotencyKey string, phase Phase) (*Call, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, seq_no, step_name, idempotency_key, phase, status,
			parent_call_id, internal, provider, model, request_fingerprint,
			prompt_tokens, completion_tokens, total_tokens, input_cost, output_cost, total_cost,
			input, output, error, created_at, updated_at
		FROM calls WHERE run_id=? AND step_name=? AND idempotency_key=? AND phase=?`,
		runID, stepName, idempotencyKey, string(phase))
	return scanCall(row)
}

func (s *MySQLStore) ReadCallList(ctx context.Context, runID string) ([]*Call, error) {
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

func (s *MySQLStore) ReadRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, tags, budget_limit,
			prompt_tokens, completion_tokens, total_tokens, input_cost, output_cost, total_cost,
			input, output, error, replay_of, created_at, updated_at
		FROM runs WHERE id=?`, runID)
	return scanRun(row)
}

func (s *MySQLStore) AppendEvent(ctx context.Context, ev *Event) error {
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

func (s *MySQLStore) ReadEvents(ctx context.Context, runID string) ([]*Event, error) {
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

func (s *MySQLStore) RecordToolCall(ctx context.Context, tc *ToolCall) error {
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

func (s *MySQLStore) ToolCallsForStep(ctx context.Context, callID string) ([]*ToolCall, error) {
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

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
