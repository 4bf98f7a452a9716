package acquire

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds retries, rotations and backoff. Every bound is tunable
// through configuration.
type Policy struct {
	// TransientRetries is how many times a NetworkTimeout or RateLimited
	// strategy is retried before escalating.
	TransientRetries int
	// UnknownRetries is how many times an unclassified failure is retried.
	UnknownRetries int
	// IdentityRotations caps the distinct identities tried per request on
	// an identity strategy. Zero means the pool size.
	IdentityRotations int

	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// Jitter is the randomization factor in [0, 1].
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		TransientRetries:  3,
		UnknownRetries:    1,
		IdentityRotations: 0,
		BackoffBase:       time.Second,
		BackoffMax:        30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.5,
	}
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BackoffBase
	bo.MaxInterval = p.BackoffMax
	bo.Multiplier = p.BackoffMultiplier
	bo.RandomizationFactor = p.Jitter

	if bo.Multiplier < 1 {
		bo.Multiplier = 1
	}

	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}

	switch {
	case bo.RandomizationFactor < 0:
		bo.RandomizationFactor = 0
	case bo.RandomizationFactor > 1:
		bo.RandomizationFactor = 1
	}

	bo.Reset()

	return bo
}

func (p Policy) rotationCap(poolSize int) int {
	if p.IdentityRotations > 0 && p.IdentityRotations < poolSize {
		return p.IdentityRotations
	}

	return poolSize
}
