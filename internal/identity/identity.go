package identity

import (
	"errors"
	"time"
)

var (
	// ErrPoolExhausted is returned by Select when no identity is eligible.
	ErrPoolExhausted = errors.New("identity pool exhausted")
	// ErrUnknownIdentity is returned when an operation names an identity the pool does not track.
	ErrUnknownIdentity = errors.New("unknown identity")
)

// Identity is a stored authentication context usable to fetch age-gated content.
// Callers only ever hold copies; the pool owns the canonical state.
type Identity struct {
	Name                string
	CookiesPath         string
	LastSuccess         time.Time
	ConsecutiveFailures int
	Verified            bool
}

// Material is what a Store knows about an identity: where its
// authentication material lives and whether it was provisioned as verified.
type Material struct {
	Name        string
	CookiesPath string
	Verified    bool
}

// Health is the persisted part of an identity's state.
type Health struct {
	Name                string
	LastSuccess         time.Time
	ConsecutiveFailures int
	Verified            bool
}

func (i Identity) health() Health {
	return Health{
		Name:                i.Name,
		LastSuccess:         i.LastSuccess,
		ConsecutiveFailures: i.ConsecutiveFailures,
		Verified:            i.Verified,
	}
}

// better reports whether a should be selected before b.
func better(a, b *Identity) bool {
	if a.Verified != b.Verified {
		return a.Verified
	}

	if a.ConsecutiveFailures != b.ConsecutiveFailures {
		return a.ConsecutiveFailures < b.ConsecutiveFailures
	}

	if !a.LastSuccess.Equal(b.LastSuccess) {
		return a.LastSuccess.Before(b.LastSuccess)
	}

	return a.Name < b.Name
}
