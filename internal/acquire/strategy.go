package acquire

import (
	"context"

	"github.com/italolelis/video_acquirer/internal/identity"
)

// Strategy is one retrieval backend. Fetch writes the asset to
// req.Destination() or returns an error carrying enough of the raw failure
// (a *failure.Error where possible) to be classified.
type Strategy interface {
	Name() string
	// UsesIdentity reports whether Fetch needs an identity from the pool.
	UsesIdentity() bool
	// Fetch must honour ctx; it is bounded by the per-attempt timeout.
	// id is nil for strategies that do not use identities.
	Fetch(ctx context.Context, req Request, id *identity.Identity) error
}
