// Package postgres provides a PostgreSQL implementation of the
// execution store backed by the executions table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relaykit/relaykit/execution"
	"github.com/relaykit/relaykit/fault"
)

// Schema creates the executions table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS executions (
	id              TEXT        PRIMARY KEY,
	workflow_id     TEXT        NOT NULL,
	organization_id TEXT        NOT NULL,
	user_id         TEXT        NOT NULL DEFAULT '',
	status          TEXT        NOT NULL,
	trigger_type    TEXT        NOT NULL DEFAULT '',
	trigger_data    JSONB,
	node_results    JSONB       NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	duration_ms     BIGINT      NOT NULL DEFAULT 0,
	error           TEXT        NOT NULL DEFAULT '',
	error_kind      TEXT        NOT NULL DEFAULT '',
	resume_state    JSONB,
	attempt         INT         NOT NULL DEFAULT 1,
	correlation_id  TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS executions_org_idx
	ON executions (organization_id, created_at DESC);
CREATE INDEX IF NOT EXISTS executions_status_idx
	ON executions (status, created_at DESC);
`

const cols = `id, workflow_id, organization_id, user_id, status,
	trigger_type, trigger_data, node_results, created_at, started_at,
	completed_at, duration_ms, error, error_kind, resume_state, attempt,
	correlation_id`

// Store is a PostgreSQL execution store.
type Store struct {
	db *sqlx.DB
}

// New creates an execution store over the given database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Compile-time check that Store implements execution.Store.
var _ execution.Store = (*Store)(nil)

// EnsureSchema creates the backing table and indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("execution schema: %w", err)
	}
	return nil
}

type rowRecord struct {
	ID             string       `db:"id"`
	WorkflowID     string       `db:"workflow_id"`
	OrganizationID string       `db:"organization_id"`
	UserID         string       `db:"user_id"`
	Status         string       `db:"status"`
	TriggerType    string       `db:"trigger_type"`
	TriggerData    []byte       `db:"trigger_data"`
	NodeResults    []byte       `db:"node_results"`
	CreatedAt      time.Time    `db:"created_at"`
	StartedAt      sql.NullTime `db:"started_at"`
	CompletedAt    sql.NullTime `db:"completed_at"`
	DurationMs     int64        `db:"duration_ms"`
	Error          string       `db:"error"`
	ErrorKind      string       `db:"error_kind"`
	ResumeState    []byte       `db:"resume_state"`
	Attempt        int          `db:"attempt"`
	CorrelationID  string       `db:"correlation_id"`
}

func toRow(rec *execution.Record) (*rowRecord, error) {
	results := rec.NodeResults
	if results == nil {
		results = map[string]*execution.NodeResult{}
	}
	rawResults, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("marshal node results: %w", err)
	}
	row := &rowRecord{
		ID:             rec.ID,
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		UserID:         rec.UserID,
		Status:         string(rec.Status),
		TriggerType:    rec.TriggerType,
		NodeResults:    rawResults,
		CreatedAt:      rec.CreatedAt,
		DurationMs:     rec.DurationMs,
		Error:          rec.Error,
		ErrorKind:      string(rec.ErrorKind),
		Attempt:        rec.Attempt,
		CorrelationID:  rec.CorrelationID,
	}
	if len(rec.TriggerData) > 0 {
		row.TriggerData = rec.TriggerData
	}
	if len(rec.ResumeState) > 0 {
		row.ResumeState = rec.ResumeState
	}
	if rec.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *rec.StartedAt, Valid: true}
	}
	if rec.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *rec.CompletedAt, Valid: true}
	}
	return row, nil
}

func fromRow(row *rowRecord) (*execution.Record, error) {
	rec := &execution.Record{
		ID:             row.ID,
		WorkflowID:     row.WorkflowID,
		OrganizationID: row.OrganizationID,
		UserID:         row.UserID,
		Status:         execution.Status(row.Status),
		TriggerType:    row.TriggerType,
		CreatedAt:      row.CreatedAt,
		DurationMs:     row.DurationMs,
		Error:          row.Error,
		ErrorKind:      fault.Kind(row.ErrorKind),
		Attempt:        row.Attempt,
		CorrelationID:  row.CorrelationID,
	}
	if len(row.TriggerData) > 0 {
		rec.TriggerData = append(json.RawMessage(nil), row.TriggerData...)
	}
	if len(row.ResumeState) > 0 {
		rec.ResumeState = append(json.RawMessage(nil), row.ResumeState...)
	}
	if len(row.NodeResults) > 0 {
		if err := json.Unmarshal(row.NodeResults, &rec.NodeResults); err != nil {
			return nil, fmt.Errorf("unmarshal node results: %w", err)
		}
		if len(rec.NodeResults) == 0 {
			rec.NodeResults = nil
		}
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		rec.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// Insert stores a new record. The ON CONFLICT guard makes enqueue
// idempotent for caller-supplied execution ids.
func (s *Store) Insert(ctx context.Context, rec *execution.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions (`+cols+`)
		VALUES (:id, :workflow_id, :organization_id, :user_id, :status,
			:trigger_type, :trigger_data, :node_results, :created_at,
			:started_at, :completed_at, :duration_ms, :error, :error_kind,
			:resume_state, :attempt, :correlation_id)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert execution result: %w", err)
	}
	if n == 0 {
		return execution.ErrExists
	}
	return nil
}

// Get retrieves a record by execution id.
func (s *Store) Get(ctx context.Context, id string) (*execution.Record, error) {
	var row rowRecord
	err := s.db.GetContext(ctx, &row, `SELECT `+cols+` FROM executions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, execution.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return fromRow(&row)
}

// Update replaces an existing record.
func (s *Store) Update(ctx context.Context, rec *execution.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE executions SET
			status = :status,
			trigger_data = :trigger_data,
			node_results = :node_results,
			started_at = :started_at,
			completed_at = :completed_at,
			duration_ms = :duration_ms,
			error = :error,
			error_kind = :error_kind,
			resume_state = :resume_state,
			attempt = :attempt
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution result: %w", err)
	}
	if n == 0 {
		return execution.ErrNotFound
	}
	return nil
}

// List returns records matching the filter, newest first, plus the
// total match count.
func (s *Store) List(ctx context.Context, f execution.Filter) ([]*execution.Record, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.WorkflowID != "" {
		add("workflow_id = $%d", f.WorkflowID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM executions`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	q := `SELECT ` + cols + ` FROM executions` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []rowRecord
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	out := make([]*execution.Record, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, nil
}
