package identity

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/video_acquirer/internal/logctx"
)

const defaultFailureThreshold = 3

// HealthRepository persists identity health across process restarts.
type HealthRepository interface {
	LoadHealth(ctx context.Context) ([]Health, error)
	SaveHealth(ctx context.Context, h Health) error
}

// Store lists the identities deposited by the external provisioning step.
type Store interface {
	List(ctx context.Context) ([]Material, error)
}

type Option func(*Pool)

// WithRepository makes the pool persist every health mutation.
func WithRepository(repo HealthRepository) Option {
	return func(p *Pool) {
		p.repo = repo
	}
}

// WithOnExcluded registers a hook called when an identity reaches the
// failure threshold. The hook runs outside the pool lock.
func WithOnExcluded(fn func(Identity)) Option {
	return func(p *Pool) {
		p.onExcluded = fn
	}
}

// WithClock overrides the time source used for last-success timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// Pool tracks identities and their health. It is shared by concurrent
// acquisitions; every read and mutation happens under a single mutex.
type Pool struct {
	mu         sync.Mutex
	identities map[string]*Identity
	threshold  int

	repo       HealthRepository
	onExcluded func(Identity)
	now        func() time.Time
}

// NewPool creates a pool that excludes identities once their consecutive
// failures reach threshold.
func NewPool(threshold int, opts ...Option) *Pool {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}

	p := &Pool{
		identities: make(map[string]*Identity),
		threshold:  threshold,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Load merges the identities listed by store with persisted health records.
// Identities that disappeared from the store are dropped; health for
// identities still present is kept.
func (p *Pool) Load(ctx context.Context, store Store) error {
	logger := logctx.LoggerFromContext(ctx)

	materials, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}

	var persisted map[string]Health

	if p.repo != nil {
		records, err := p.repo.LoadHealth(ctx)
		if err != nil {
			return fmt.Errorf("failed to load identity health: %w", err)
		}

		persisted = make(map[string]Health, len(records))
		for _, h := range records {
			persisted[h.Name] = h
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*Identity, len(materials))

	for _, m := range materials {
		id := &Identity{Name: m.Name, CookiesPath: m.CookiesPath, Verified: m.Verified}

		if existing, ok := p.identities[m.Name]; ok {
			id.LastSuccess = existing.LastSuccess
			id.ConsecutiveFailures = existing.ConsecutiveFailures
			id.Verified = id.Verified || existing.Verified
		} else if h, ok := persisted[m.Name]; ok {
			id.LastSuccess = h.LastSuccess
			id.ConsecutiveFailures = h.ConsecutiveFailures
			id.Verified = id.Verified || h.Verified
		}

		next[m.Name] = id
	}

	p.identities = next

	logger.Info("identity pool loaded", "identities", len(next), "eligible", p.eligibleLocked())

	return nil
}

// Add registers a single identity, replacing any previous state for the name.
func (p *Pool) Add(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := id
	p.identities[id.Name] = &cp
}

// Select returns the best eligible identity not named in exclude. Verified
// identities come first, then the lowest failure count, then the least
// recently successful one.
//
// Select does not lease the identity. Concurrent callers may get the same
// one, and failures recorded after it was selected can push its counter
// past the threshold; the exclusion hook still fires only once.
func (p *Pool) Select(exclude ...string) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Identity

	for _, id := range p.identities {
		if id.ConsecutiveFailures >= p.threshold || slices.Contains(exclude, id.Name) {
			continue
		}

		if best == nil || better(id, best) {
			best = id
		}
	}

	if best == nil {
		return Identity{}, ErrPoolExhausted
	}

	return *best, nil
}

// RecordSuccess clears the failure counter and stamps the last success.
func (p *Pool) RecordSuccess(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.identities[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}

	id.ConsecutiveFailures = 0
	id.LastSuccess = p.now()

	p.persistLocked(ctx, id)

	return nil
}

// RecordFailure increments the failure counter and reports whether this
// failure excluded the identity.
func (p *Pool) RecordFailure(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()

	id, ok := p.identities[name]
	if !ok {
		p.mu.Unlock()

		return false, fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}

	id.ConsecutiveFailures++
	excluded := id.ConsecutiveFailures == p.threshold

	p.persistLocked(ctx, id)

	snapshot := *id
	p.mu.Unlock()

	if excluded {
		logctx.LoggerFromContext(ctx).Warn("identity excluded after consecutive failures",
			"identity", name, "failures", snapshot.ConsecutiveFailures)

		if p.onExcluded != nil {
			p.onExcluded(snapshot)
		}
	}

	return excluded, nil
}

// MarkVerified flags the identity as able to fetch age-gated content.
func (p *Pool) MarkVerified(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.identities[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}

	if id.Verified {
		return nil
	}

	id.Verified = true

	p.persistLocked(ctx, id)

	return nil
}

// Reset makes an excluded identity eligible again. It is the hook for the
// external re-provisioning step.
func (p *Pool) Reset(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.identities[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}

	id.ConsecutiveFailures = 0

	p.persistLocked(ctx, id)

	return nil
}

// Get returns a copy of the named identity.
func (p *Pool) Get(name string) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.identities[name]
	if !ok {
		return Identity{}, false
	}

	return *id, true
}

// Snapshot returns copies of all identities ordered by selection preference.
func (p *Pool) Snapshot() []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Identity, 0, len(p.identities))
	for _, id := range p.identities {
		out = append(out, id)
	}

	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })

	result := make([]Identity, len(out))
	for i, id := range out {
		result[i] = *id
	}

	return result
}

// Size returns the number of tracked identities, eligible or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.identities)
}

// Eligible returns the number of identities below the failure threshold.
func (p *Pool) Eligible() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.eligibleLocked()
}

// Threshold returns the consecutive-failure count that excludes an identity.
func (p *Pool) Threshold() int {
	return p.threshold
}

func (p *Pool) eligibleLocked() int {
	n := 0

	for _, id := range p.identities {
		if id.ConsecutiveFailures < p.threshold {
			n++
		}
	}

	return n
}

// persistLocked writes the identity health while the lock is held so the
// stored sequence matches the in-memory one. Persistence failures are
// logged; the in-memory state stays authoritative.
func (p *Pool) persistLocked(ctx context.Context, id *Identity) {
	if p.repo == nil {
		return
	}

	if err := p.repo.SaveHealth(ctx, id.health()); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist identity health", "identity", id.Name, "err", err)
	}
}
