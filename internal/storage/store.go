// Package storage provides the pluggable KPI persistence layer.
//
// The KPI framework treats a Store as its backing implementation: Load on
// startup and on cache misses, Save on every applied proposal. Save enforces
// optimistic versioning — a record whose version does not exceed the stored
// one is rejected with ErrVersionConflict, never silently overwritten.
package storage

import (
	"context"
	"errors"

	"github.com/ashita-ai/renkei/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrVersionConflict is returned when a save would overwrite a record with
// an equal or newer version.
var ErrVersionConflict = errors.New("storage: version conflict")

// Store persists KPI records. Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the current record for one (domain, metric) pair,
	// or ErrNotFound.
	Load(ctx context.Context, domain model.Domain, metric model.Metric) (model.KPIRecord, error)

	// LoadAll returns every stored record.
	LoadAll(ctx context.Context) ([]model.KPIRecord, error)

	// Save writes a record, or returns ErrVersionConflict if the stored
	// version is greater than or equal to rec.Version.
	Save(ctx context.Context, rec model.KPIRecord) error

	// Close releases underlying resources.
	Close(ctx context.Context) error
}
