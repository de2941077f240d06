package workflow

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a workflow does not exist.
var ErrNotFound = errors.New("workflow not found")

// ErrVersionExists is returned by Put when the graph's version is
// already stored for its id.
var ErrVersionExists = errors.New("workflow version already exists")

// Store persists workflow graphs. The engine reads the latest version
// of a graph by workflow id; deploys write new versions. Implementations
// must be safe for concurrent use.
type Store interface {
	// Put stores a graph version. Returns ErrVersionExists when the
	// (id, version) pair is taken.
	Put(ctx context.Context, g *Graph) error

	// Get returns the latest version of the workflow, or ErrNotFound.
	Get(ctx context.Context, id string) (*Graph, error)

	// GetVersion returns one specific version, or ErrNotFound.
	GetVersion(ctx context.Context, id string, version int) (*Graph, error)

	// ListByOrganization returns the latest version of every workflow
	// owned by the organization, ordered by id.
	ListByOrganization(ctx context.Context, orgID string) ([]*Graph, error)
}
