// Package mongo provides a MongoDB implementation of the audit store.
// Retention is enforced by a TTL index on received_at, so old delivery
// logs age out without an external sweeper.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaykit/relaykit/audit"
)

// DefaultRetention is how long entries are kept before the TTL index
// removes them.
const DefaultRetention = 30 * 24 * time.Hour

type (
	// Store is a MongoDB audit store.
	Store struct {
		coll      collection
		retention time.Duration
	}

	// Option configures the store.
	Option func(*Store)
)

// WithRetention overrides the TTL applied by EnsureIndexes.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// New creates an audit store over the given collection.
func New(coll *mongodriver.Collection, opts ...Option) *Store {
	return newWithCollection(mongoCollection{coll: coll}, opts...)
}

func newWithCollection(coll collection, opts ...Option) *Store {
	s := &Store{coll: coll, retention: DefaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile-time check that Store implements audit.Store.
var _ audit.Store = (*Store)(nil)

// entryDocument is the MongoDB document representation of an Entry.
type entryDocument struct {
	ID               string            `bson:"_id"`
	WebhookID        string            `bson:"webhook_id"`
	WorkflowID       string            `bson:"workflow_id"`
	OrganizationID   string            `bson:"organization_id"`
	AppID            string            `bson:"app_id,omitempty"`
	TriggerID        string            `bson:"trigger_id,omitempty"`
	PayloadDigest    string            `bson:"payload_digest"`
	Headers          map[string]string `bson:"headers,omitempty"`
	ReceivedAt       time.Time         `bson:"received_at"`
	SignaturePresent bool              `bson:"signature_present"`
	Processed        bool              `bson:"processed"`
	ExecutionID      string            `bson:"execution_id,omitempty"`
	Error            string            `bson:"error,omitempty"`
	Source           string            `bson:"source"`
}

// EnsureIndexes creates the TTL and lookup indexes if absent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ttl := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "received_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(s.retention.Seconds())),
	}
	if _, err := s.coll.Indexes().CreateOne(ctx, ttl); err != nil {
		return fmt.Errorf("audit ttl index: %w", err)
	}
	lookup := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "webhook_id", Value: 1},
			{Key: "received_at", Value: -1},
		},
	}
	if _, err := s.coll.Indexes().CreateOne(ctx, lookup); err != nil {
		return fmt.Errorf("audit lookup index: %w", err)
	}
	return nil
}

// Append stores a new entry.
func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	if _, err := s.coll.InsertOne(ctx, toDocument(e)); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// MarkProcessed flips an entry to processed.
func (s *Store) MarkProcessed(ctx context.Context, id, executionID string) error {
	res, err := s.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"processed":    true,
		"execution_id": executionID,
	}})
	if err != nil {
		return fmt.Errorf("mark audit entry processed: %w", err)
	}
	if res.MatchedCount == 0 {
		return audit.ErrNotFound
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (s *Store) List(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	filter := bson.M{}
	if f.WebhookID != "" {
		filter["webhook_id"] = f.WebhookID
	}
	if f.WorkflowID != "" {
		filter["workflow_id"] = f.WorkflowID
	}
	if f.OrganizationID != "" {
		filter["organization_id"] = f.OrganizationID
	}
	if f.Processed != nil {
		filter["processed"] = *f.Processed
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "received_at", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	out := make([]*audit.Entry, 0)
	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, fromDocument(&doc))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return out, nil
}

func toDocument(e *audit.Entry) *entryDocument {
	return &entryDocument{
		ID:               e.ID,
		WebhookID:        e.WebhookID,
		WorkflowID:       e.WorkflowID,
		OrganizationID:   e.OrganizationID,
		AppID:            e.AppID,
		TriggerID:        e.TriggerID,
		PayloadDigest:    e.PayloadDigest,
		Headers:          e.Headers,
		ReceivedAt:       e.ReceivedAt,
		SignaturePresent: e.SignaturePresent,
		Processed:        e.Processed,
		ExecutionID:      e.ExecutionID,
		Error:            e.Error,
		Source:           e.Source,
	}
}

func fromDocument(doc *entryDocument) *audit.Entry {
	return &audit.Entry{
		ID:               doc.ID,
		WebhookID:        doc.WebhookID,
		WorkflowID:       doc.WorkflowID,
		OrganizationID:   doc.OrganizationID,
		AppID:            doc.AppID,
		TriggerID:        doc.TriggerID,
		PayloadDigest:    doc.PayloadDigest,
		Headers:          doc.Headers,
		ReceivedAt:       doc.ReceivedAt,
		SignaturePresent: doc.SignaturePresent,
		Processed:        doc.Processed,
		ExecutionID:      doc.ExecutionID,
		Error:            doc.Error,
		Source:           doc.Source,
	}
}
