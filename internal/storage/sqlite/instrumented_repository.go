package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/video_acquirer/internal/identity"
	"github.com/italolelis/video_acquirer/internal/telemetry"
)

// InstrumentedIdentityHealthRepository wraps IdentityHealthRepository with telemetry.
type InstrumentedIdentityHealthRepository struct {
	repo      *IdentityHealthRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedIdentityHealthRepository creates a new instrumented identity health repository.
func NewInstrumentedIdentityHealthRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedIdentityHealthRepository {
	return &InstrumentedIdentityHealthRepository{
		repo:      NewIdentityHealthRepository(dbConn),
		telemetry: tel,
	}
}

// LoadHealth loads every health record with telemetry.
func (r *InstrumentedIdentityHealthRepository) LoadHealth(ctx context.Context) ([]identity.Health, error) {
	var result []identity.Health

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "load_identity_health", func(ctx context.Context) error {
		result, err = r.repo.LoadHealth(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// SaveHealth saves one health record with telemetry.
func (r *InstrumentedIdentityHealthRepository) SaveHealth(ctx context.Context, h identity.Health) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_identity_health", func(ctx context.Context) error {
		return r.repo.SaveHealth(ctx, h)
	})
}
