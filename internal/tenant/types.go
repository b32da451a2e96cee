package tenant

import (
	"context"
	"errors"
)

// ID is the stable identifier of a project/tenant. Opaque to the runtime,
// immutable once assigned by the registry.
type ID string

// Status describes whether a tenant is usable.
type Status string

const (
	StatusReady    Status = "ready"
	StatusTraining Status = "training"
	StatusDisabled Status = "disabled"
)

// Metadata is everything the loaders need to materialize a tenant's resources.
type Metadata struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	OverlayPath string `json:"overlay_path"`
	IndexPath   string `json:"index_path"`
	Status      Status `json:"status"`
}

var ErrUnknownTenant = errors.New("unknown tenant")

// Registry resolves tenant ids to metadata. Implementations must be safe for
// concurrent use.
type Registry interface {
	Resolve(ctx context.Context, id ID) (Metadata, error)
	List(ctx context.Context) ([]Metadata, error)
	Close() error
}
