// Package postgres provides a PostgreSQL implementation of the trigger
// store backed by the triggers table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/relaykit/relaykit/trigger"
)

// Schema creates the triggers table. The partial unique index enforces
// webhook id uniqueness across active webhook triggers only, so a
// deactivated trigger frees its endpoint. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS triggers (
	id              TEXT        PRIMARY KEY,
	workflow_id     TEXT        NOT NULL,
	organization_id TEXT        NOT NULL,
	kind            TEXT        NOT NULL,
	app_id          TEXT        NOT NULL DEFAULT '',
	trigger_id      TEXT        NOT NULL DEFAULT '',
	webhook_id      TEXT        NOT NULL DEFAULT '',
	provider        TEXT        NOT NULL DEFAULT '',
	secret          TEXT        NOT NULL DEFAULT '',
	interval_ms     BIGINT      NOT NULL DEFAULT 0,
	schedule        TEXT        NOT NULL DEFAULT '',
	dedupe_ttl_ms   BIGINT      NOT NULL DEFAULT 0,
	next_poll_at    TIMESTAMPTZ,
	last_poll_at    TIMESTAMPTZ,
	cursor          TEXT        NOT NULL DEFAULT '',
	backoff_count   INT         NOT NULL DEFAULT 0,
	metadata        JSONB       NOT NULL DEFAULT '{}',
	dedupe_state    JSONB       NOT NULL DEFAULT '{}',
	active          BOOLEAN     NOT NULL DEFAULT TRUE,
	last_status     TEXT        NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS triggers_webhook_active_idx
	ON triggers (webhook_id) WHERE kind = 'webhook' AND active;
CREATE INDEX IF NOT EXISTS triggers_due_idx
	ON triggers (next_poll_at) WHERE kind <> 'webhook' AND active;
`

const cols = `id, workflow_id, organization_id, kind, app_id, trigger_id,
	webhook_id, provider, secret, interval_ms, schedule, dedupe_ttl_ms,
	next_poll_at, last_poll_at, cursor, backoff_count, metadata,
	dedupe_state, active, last_status, created_at, updated_at`

// Store is a PostgreSQL trigger store.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New creates a trigger store over the given database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Compile-time check that Store implements trigger.Store.
var _ trigger.Store = (*Store)(nil)

// EnsureSchema creates the backing table and indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("trigger schema: %w", err)
	}
	return nil
}

// rowRecord mirrors the triggers table; JSONB columns stay raw until
// conversion.
type rowRecord struct {
	ID             string       `db:"id"`
	WorkflowID     string       `db:"workflow_id"`
	OrganizationID string       `db:"organization_id"`
	Kind           string       `db:"kind"`
	AppID          string       `db:"app_id"`
	TriggerID      string       `db:"trigger_id"`
	WebhookID      string       `db:"webhook_id"`
	Provider       string       `db:"provider"`
	Secret         string       `db:"secret"`
	IntervalMs     int64        `db:"interval_ms"`
	Schedule       string       `db:"schedule"`
	DedupeTTLMs    int64        `db:"dedupe_ttl_ms"`
	NextPollAt     sql.NullTime `db:"next_poll_at"`
	LastPollAt     sql.NullTime `db:"last_poll_at"`
	Cursor         string       `db:"cursor"`
	BackoffCount   int          `db:"backoff_count"`
	Metadata       []byte       `db:"metadata"`
	DedupeState    []byte       `db:"dedupe_state"`
	Active         bool         `db:"active"`
	LastStatus     string       `db:"last_status"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func toRow(rec *trigger.Record) (*rowRecord, error) {
	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal trigger metadata: %w", err)
	}
	state, err := json.Marshal(orEmptyInt(rec.DedupeState))
	if err != nil {
		return nil, fmt.Errorf("marshal trigger dedupe state: %w", err)
	}
	row := &rowRecord{
		ID:             rec.ID,
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		Kind:           string(rec.Kind),
		AppID:          rec.AppID,
		TriggerID:      rec.TriggerID,
		WebhookID:      rec.WebhookID,
		Provider:       rec.Provider,
		Secret:         rec.Secret,
		IntervalMs:     rec.IntervalMs,
		Schedule:       rec.Schedule,
		DedupeTTLMs:    rec.DedupeTTLMs,
		Cursor:         rec.Cursor,
		BackoffCount:   rec.BackoffCount,
		Metadata:       meta,
		DedupeState:    state,
		Active:         rec.Active,
		LastStatus:     rec.LastStatus,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.NextPollAt != nil {
		row.NextPollAt = sql.NullTime{Time: *rec.NextPollAt, Valid: true}
	}
	if rec.LastPollAt != nil {
		row.LastPollAt = sql.NullTime{Time: *rec.LastPollAt, Valid: true}
	}
	return row, nil
}

func fromRow(row *rowRecord) (*trigger.Record, error) {
	rec := &trigger.Record{
		ID:             row.ID,
		WorkflowID:     row.WorkflowID,
		OrganizationID: row.OrganizationID,
		Kind:           trigger.Kind(row.Kind),
		AppID:          row.AppID,
		TriggerID:      row.TriggerID,
		WebhookID:      row.WebhookID,
		Provider:       row.Provider,
		Secret:         row.Secret,
		IntervalMs:     row.IntervalMs,
		Schedule:       row.Schedule,
		DedupeTTLMs:    row.DedupeTTLMs,
		Cursor:         row.Cursor,
		BackoffCount:   row.BackoffCount,
		Active:         row.Active,
		LastStatus:     row.LastStatus,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.NextPollAt.Valid {
		t := row.NextPollAt.Time
		rec.NextPollAt = &t
	}
	if row.LastPollAt.Valid {
		t := row.LastPollAt.Time
		rec.LastPollAt = &t
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal trigger metadata: %w", err)
		}
	}
	if len(row.DedupeState) > 0 {
		if err := json.Unmarshal(row.DedupeState, &rec.DedupeState); err != nil {
			return nil, fmt.Errorf("unmarshal trigger dedupe state: %w", err)
		}
	}
	return rec, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyInt(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

// Insert stores a new record. A webhook id collision with an active
// webhook trigger surfaces as ErrEndpointTaken via the partial unique
// index.
func (s *Store) Insert(ctx context.Context, rec *trigger.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO triggers (`+cols+`)
		VALUES (:id, :workflow_id, :organization_id, :kind, :app_id,
			:trigger_id, :webhook_id, :provider, :secret, :interval_ms,
			:schedule, :dedupe_ttl_ms, :next_poll_at, :last_poll_at,
			:cursor, :backoff_count, :metadata, :dedupe_state, :active,
			:last_status, :created_at, :updated_at)`, row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return trigger.ErrEndpointTaken
		}
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

// Update replaces an existing record.
func (s *Store) Update(ctx context.Context, rec *trigger.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE triggers SET
			workflow_id = :workflow_id,
			organization_id = :organization_id,
			kind = :kind,
			app_id = :app_id,
			trigger_id = :trigger_id,
			webhook_id = :webhook_id,
			provider = :provider,
			secret = :secret,
			interval_ms = :interval_ms,
			schedule = :schedule,
			dedupe_ttl_ms = :dedupe_ttl_ms,
			next_poll_at = :next_poll_at,
			last_poll_at = :last_poll_at,
			cursor = :cursor,
			backoff_count = :backoff_count,
			metadata = :metadata,
			dedupe_state = :dedupe_state,
			active = :active,
			last_status = :last_status,
			updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trigger result: %w", err)
	}
	if n == 0 {
		return trigger.ErrNotFound
	}
	return nil
}

// Get retrieves a record by trigger id.
func (s *Store) Get(ctx context.Context, id string) (*trigger.Record, error) {
	var row rowRecord
	err := s.db.GetContext(ctx, &row, `SELECT `+cols+` FROM triggers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trigger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return fromRow(&row)
}

// GetByWebhookID retrieves the record claiming a webhook id, preferring
// an active one.
func (s *Store) GetByWebhookID(ctx context.Context, webhookID string) (*trigger.Record, error) {
	var row rowRecord
	err := s.db.GetContext(ctx, &row, `
		SELECT `+cols+` FROM triggers
		WHERE webhook_id = $1
		ORDER BY active DESC, updated_at DESC
		LIMIT 1`, webhookID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trigger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger by webhook id: %w", err)
	}
	return fromRow(&row)
}

// ListActive returns active records of the given kind ordered by id.
func (s *Store) ListActive(ctx context.Context, kind trigger.Kind) ([]*trigger.Record, error) {
	var rows []rowRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+cols+` FROM triggers
		WHERE active AND ($1 = '' OR kind = $1)
		ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list active triggers: %w", err)
	}
	return fromRows(rows)
}

// ListDue returns active polling and schedule records due at or before
// now, oldest first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*trigger.Record, error) {
	var rows []rowRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+cols+` FROM triggers
		WHERE active AND kind <> 'webhook'
			AND next_poll_at IS NOT NULL AND next_poll_at <= $1
		ORDER BY next_poll_at ASC, id ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due triggers: %w", err)
	}
	return fromRows(rows)
}

// SaveDedupeToken merges a dedupe token into the record's persisted
// state.
func (s *Store) SaveDedupeToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE triggers
		SET dedupe_state = dedupe_state || jsonb_build_object($2::text, $3::bigint),
			updated_at = $4
		WHERE id = $1`,
		id, token, expiresAt.UnixMilli(), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save dedupe token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save dedupe token result: %w", err)
	}
	if n == 0 {
		return trigger.ErrNotFound
	}
	return nil
}

func fromRows(rows []rowRecord) ([]*trigger.Record, error) {
	out := make([]*trigger.Record, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
