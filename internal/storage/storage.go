package storage

import (
	"context"

	"github.com/italolelis/video_acquirer/internal/identity"
)

// IdentityHealthReadRepository loads persisted identity health.
type IdentityHealthReadRepository interface {
	LoadHealth(ctx context.Context) ([]identity.Health, error)
}

// IdentityHealthWriteRepository persists identity health so failure counters
// and exclusions survive restarts.
type IdentityHealthWriteRepository interface {
	SaveHealth(ctx context.Context, h identity.Health) error
}

type IdentityHealthRepository interface {
	IdentityHealthReadRepository
	IdentityHealthWriteRepository
}
