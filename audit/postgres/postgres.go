// Package postgres provides a PostgreSQL implementation of the audit
// store backed by the webhook_logs table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relaykit/relaykit/audit"
)

// Schema creates the webhook_logs table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS webhook_logs (
	id                TEXT        PRIMARY KEY,
	webhook_id        TEXT        NOT NULL DEFAULT '',
	workflow_id       TEXT        NOT NULL DEFAULT '',
	organization_id   TEXT        NOT NULL DEFAULT '',
	app_id            TEXT        NOT NULL DEFAULT '',
	trigger_id        TEXT        NOT NULL DEFAULT '',
	payload_digest    TEXT        NOT NULL DEFAULT '',
	headers           JSONB       NOT NULL DEFAULT '{}',
	received_at       TIMESTAMPTZ NOT NULL,
	signature_present BOOLEAN     NOT NULL DEFAULT FALSE,
	processed         BOOLEAN     NOT NULL DEFAULT FALSE,
	execution_id      TEXT        NOT NULL DEFAULT '',
	error             TEXT        NOT NULL DEFAULT '',
	source            TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS webhook_logs_webhook_idx
	ON webhook_logs (webhook_id, received_at DESC);
CREATE INDEX IF NOT EXISTS webhook_logs_org_idx
	ON webhook_logs (organization_id, received_at DESC);
`

const cols = `id, webhook_id, workflow_id, organization_id, app_id,
	trigger_id, payload_digest, headers, received_at, signature_present,
	processed, execution_id, error, source`

// defaultListLimit bounds unfiltered List calls.
const defaultListLimit = 100

// Store is a PostgreSQL audit store.
type Store struct {
	db *sqlx.DB
}

// New creates an audit store over the given database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Compile-time check that Store implements audit.Store.
var _ audit.Store = (*Store)(nil)

// EnsureSchema creates the backing table and indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}
	return nil
}

type rowEntry struct {
	ID               string    `db:"id"`
	WebhookID        string    `db:"webhook_id"`
	WorkflowID       string    `db:"workflow_id"`
	OrganizationID   string    `db:"organization_id"`
	AppID            string    `db:"app_id"`
	TriggerID        string    `db:"trigger_id"`
	PayloadDigest    string    `db:"payload_digest"`
	Headers          []byte    `db:"headers"`
	ReceivedAt       time.Time `db:"received_at"`
	SignaturePresent bool      `db:"signature_present"`
	Processed        bool      `db:"processed"`
	ExecutionID      string    `db:"execution_id"`
	Error            string    `db:"error"`
	Source           string    `db:"source"`
}

// Append stores a new entry.
func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	headers := e.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal audit headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (`+cols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.WebhookID, e.WorkflowID, e.OrganizationID, e.AppID,
		e.TriggerID, e.PayloadDigest, raw, e.ReceivedAt, e.SignaturePresent,
		e.Processed, e.ExecutionID, e.Error, e.Source,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// MarkProcessed flips an entry to processed.
func (s *Store) MarkProcessed(ctx context.Context, id, executionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs SET processed = TRUE, execution_id = $2
		WHERE id = $1`, id, executionID)
	if err != nil {
		return fmt.Errorf("mark audit entry processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark audit entry result: %w", err)
	}
	if n == 0 {
		return audit.ErrNotFound
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (s *Store) List(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.WebhookID != "" {
		add("webhook_id = $%d", f.WebhookID)
	}
	if f.WorkflowID != "" {
		add("workflow_id = $%d", f.WorkflowID)
	}
	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.Processed != nil {
		add("processed = $%d", *f.Processed)
	}

	q := `SELECT ` + cols + ` FROM webhook_logs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d", len(args))

	var rows []rowEntry
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := make([]*audit.Entry, 0, len(rows))
	for i := range rows {
		e, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func fromRow(row *rowEntry) (*audit.Entry, error) {
	e := &audit.Entry{
		ID:               row.ID,
		WebhookID:        row.WebhookID,
		WorkflowID:       row.WorkflowID,
		OrganizationID:   row.OrganizationID,
		AppID:            row.AppID,
		TriggerID:        row.TriggerID,
		PayloadDigest:    row.PayloadDigest,
		ReceivedAt:       row.ReceivedAt,
		SignaturePresent: row.SignaturePresent,
		Processed:        row.Processed,
		ExecutionID:      row.ExecutionID,
		Error:            row.Error,
		Source:           row.Source,
	}
	if len(row.Headers) > 0 {
		if err := json.Unmarshal(row.Headers, &e.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal audit headers: %w", err)
		}
	}
	return e, nil
}
