// Package seed loads YAML fixtures at boot: workflow graphs and
// trigger registrations for development and demo environments. Loading
// is idempotent so restarting against a populated store is safe.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaykit/relaykit/telemetry"
	"github.com/relaykit/relaykit/trigger"
	"github.com/relaykit/relaykit/workflow"
)

// TriggerFixture mirrors trigger.Record with the secret readable, since
// Record never serializes its secret.
type TriggerFixture struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflowId"`
	OrganizationID string            `json:"organizationId"`
	Kind           string            `json:"kind"`
	AppID          string            `json:"appId"`
	TriggerID      string            `json:"triggerId"`
	WebhookID      string            `json:"webhookId"`
	Provider       string            `json:"provider"`
	Secret         string            `json:"secret"`
	IntervalMs     int64             `json:"intervalMs"`
	Schedule       string            `json:"schedule"`
	DedupeTTLMs    int64             `json:"dedupeTtlMs"`
	Metadata       map[string]string `json:"metadata"`
}

// Fixtures is the decoded seed file.
type Fixtures struct {
	Workflows []*workflow.Graph
	Triggers  []*TriggerFixture
}

// rawFile is the YAML document shape before JSON conversion.
type rawFile struct {
	Workflows []any `yaml:"workflows"`
	Triggers  []any `yaml:"triggers"`
}

// Load reads and parses the fixture file.
func Load(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	fx, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("seed: %s: %w", path, err)
	}
	return fx, nil
}

// Parse decodes the YAML document. Workflow entries pass through the
// graph schema validator; malformed fixtures fail the whole load.
func Parse(data []byte) (*Fixtures, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	fx := &Fixtures{}
	for i, entry := range raw.Workflows {
		doc, err := toJSON(entry)
		if err != nil {
			return nil, fmt.Errorf("workflow %d: %w", i, err)
		}
		g, err := workflow.ParseGraph(doc)
		if err != nil {
			return nil, fmt.Errorf("workflow %d: %w", i, err)
		}
		fx.Workflows = append(fx.Workflows, g)
	}
	for i, entry := range raw.Triggers {
		doc, err := toJSON(entry)
		if err != nil {
			return nil, fmt.Errorf("trigger %d: %w", i, err)
		}
		var tf TriggerFixture
		if err := json.Unmarshal(doc, &tf); err != nil {
			return nil, fmt.Errorf("trigger %d: %w", i, err)
		}
		if tf.ID == "" || tf.WorkflowID == "" || tf.OrganizationID == "" {
			return nil, fmt.Errorf("trigger %d: id, workflowId, and organizationId are required", i)
		}
		fx.Triggers = append(fx.Triggers, &tf)
	}
	return fx, nil
}

// toJSON re-encodes a yaml-decoded value as JSON so json-tagged structs
// and the graph schema validator can consume it.
func toJSON(v any) ([]byte, error) {
	return json.Marshal(normalize(v))
}

// normalize rewrites yaml's map[any]any containers into map[string]any.
func normalize(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// Apply writes the fixtures. Existing workflow versions and trigger ids
// are skipped so repeated boots converge instead of failing.
func Apply(ctx context.Context, fx *Fixtures, workflows workflow.Store, triggers *trigger.Registry, logger telemetry.Logger) error {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	for _, g := range fx.Workflows {
		if err := workflows.Put(ctx, g); err != nil {
			if errors.Is(err, workflow.ErrVersionExists) {
				logger.Debug(ctx, "seed workflow already present", "workflow_id", g.ID, "version", g.Version)
				continue
			}
			return fmt.Errorf("seed: put workflow %s: %w", g.ID, err)
		}
		logger.Info(ctx, "seeded workflow", "workflow_id", g.ID, "version", g.Version)
	}
	for _, tf := range fx.Triggers {
		if _, err := triggers.Get(ctx, tf.ID); err == nil {
			logger.Debug(ctx, "seed trigger already present", "trigger_id", tf.ID)
			continue
		} else if !errors.Is(err, trigger.ErrNotFound) {
			return fmt.Errorf("seed: check trigger %s: %w", tf.ID, err)
		}
		rec := &trigger.Record{
			ID:             tf.ID,
			WorkflowID:     tf.WorkflowID,
			OrganizationID: tf.OrganizationID,
			Kind:           trigger.Kind(tf.Kind),
			AppID:          tf.AppID,
			TriggerID:      tf.TriggerID,
			WebhookID:      tf.WebhookID,
			Provider:       tf.Provider,
			Secret:         tf.Secret,
			IntervalMs:     tf.IntervalMs,
			Schedule:       tf.Schedule,
			DedupeTTLMs:    tf.DedupeTTLMs,
			Metadata:       tf.Metadata,
			Active:         true,
		}
		if _, err := triggers.Register(ctx, rec); err != nil {
			if errors.Is(err, trigger.ErrEndpointTaken) {
				logger.Warn(ctx, "seed trigger endpoint taken", "trigger_id", tf.ID, "webhook_id", tf.WebhookID)
				continue
			}
			return fmt.Errorf("seed: register trigger %s: %w", tf.ID, err)
		}
		logger.Info(ctx, "seeded trigger", "trigger_id", tf.ID, "kind", tf.Kind)
	}
	return nil
}
