package identity

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]Health
	saves   int
	saveErr error
}

func newFakeRepo(records ...Health) *fakeRepo {
	r := &fakeRepo{records: make(map[string]Health)}
	for _, h := range records {
		r.records[h.Name] = h
	}

	return r
}

func (r *fakeRepo) LoadHealth(context.Context) ([]Health, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Health, 0, len(r.records))
	for _, h := range r.records {
		out = append(out, h)
	}

	return out, nil
}

func (r *fakeRepo) SaveHealth(_ context.Context, h Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}

	r.records[h.Name] = h

	return nil
}

type staticStore []Material

func (s staticStore) List(context.Context) ([]Material, error) {
	return s, nil
}

func TestSelect_Preference(t *testing.T) {
	tests := []struct {
		name       string
		identities []Identity
		want       string
	}{
		{
			name: "verified before unverified",
			identities: []Identity{
				{Name: "a"},
				{Name: "b", Verified: true, ConsecutiveFailures: 2},
			},
			want: "b",
		},
		{
			name: "lowest failures among verified",
			identities: []Identity{
				{Name: "a", Verified: true, ConsecutiveFailures: 1},
				{Name: "b", Verified: true},
			},
			want: "b",
		},
		{
			name: "least recently successful breaks ties",
			identities: []Identity{
				{Name: "a", Verified: true, LastSuccess: epoch.Add(time.Hour)},
				{Name: "b", Verified: true, LastSuccess: epoch},
			},
			want: "b",
		},
		{
			name: "name breaks full ties",
			identities: []Identity{
				{Name: "b", Verified: true, LastSuccess: epoch},
				{Name: "a", Verified: true, LastSuccess: epoch},
			},
			want: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool(3)
			for _, id := range tt.identities {
				p.Add(id)
			}

			got, err := p.Select()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestSelect_DeterministicWithoutUpdates(t *testing.T) {
	p := NewPool(3)
	for _, name := range []string{"c", "a", "d", "b"} {
		p.Add(Identity{Name: name, Verified: true, LastSuccess: epoch})
	}

	first, err := p.Select()
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		got, err := p.Select()
		require.NoError(t, err)
		assert.Equal(t, first.Name, got.Name)
	}
}

func TestSelect_Exclude(t *testing.T) {
	p := NewPool(3)
	p.Add(Identity{Name: "a", Verified: true})
	p.Add(Identity{Name: "b"})

	got, err := p.Select("a")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)

	_, err = p.Select("a", "b")
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestSelect_EmptyPool(t *testing.T) {
	_, err := NewPool(3).Select()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestRecordFailure_ExcludesAtThreshold(t *testing.T) {
	ctx := context.Background()

	var excluded []Identity

	p := NewPool(2, WithOnExcluded(func(id Identity) { excluded = append(excluded, id) }))
	p.Add(Identity{Name: "a", Verified: true})
	p.Add(Identity{Name: "b"})

	hit, err := p.RecordFailure(ctx, "a")
	require.NoError(t, err)
	assert.False(t, hit)

	got, err := p.Select()
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name, "verified identity is still preferred below threshold")

	hit, err = p.RecordFailure(ctx, "a")
	require.NoError(t, err)
	assert.True(t, hit)
	require.Len(t, excluded, 1)
	assert.Equal(t, "a", excluded[0].Name)
	assert.Equal(t, 2, excluded[0].ConsecutiveFailures)

	got, err = p.Select()
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)
	assert.Equal(t, 1, p.Eligible())

	hit, err = p.RecordFailure(ctx, "a")
	require.NoError(t, err)
	assert.False(t, hit, "hook fires once per exclusion")
}

func TestSelect_NoLeaseAllowsOvershoot(t *testing.T) {
	ctx := context.Background()

	var excluded int

	p := NewPool(2, WithOnExcluded(func(Identity) { excluded++ }))
	p.Add(Identity{Name: "a", ConsecutiveFailures: 1})

	first, err := p.Select()
	require.NoError(t, err)
	second, err := p.Select()
	require.NoError(t, err)
	assert.Equal(t, first.Name, second.Name)

	for _, id := range []Identity{first, second} {
		_, err := p.RecordFailure(ctx, id.Name)
		require.NoError(t, err)
	}

	a, ok := p.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3, a.ConsecutiveFailures)
	assert.Equal(t, 1, excluded)

	_, err = p.Select()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestExclusion_HoldsForAnyFailureSequence(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	names := []string{"a", "b", "c", "d"}

	for round := 0; round < 200; round++ {
		p := NewPool(3)
		for _, n := range names {
			p.Add(Identity{Name: n, Verified: rng.Intn(2) == 0})
		}

		for step := 0; step < 30; step++ {
			name := names[rng.Intn(len(names))]
			if rng.Intn(4) == 0 {
				require.NoError(t, p.RecordSuccess(ctx, name))
			} else {
				_, err := p.RecordFailure(ctx, name)
				require.NoError(t, err)
			}

			got, err := p.Select()
			if errors.Is(err, ErrPoolExhausted) {
				assert.Zero(t, p.Eligible())

				continue
			}

			require.NoError(t, err)
			assert.Less(t, got.ConsecutiveFailures, p.Threshold())
		}
	}
}

func TestRecordSuccess(t *testing.T) {
	ctx := context.Background()
	now := epoch.Add(42 * time.Minute)

	p := NewPool(3, WithClock(func() time.Time { return now }))
	p.Add(Identity{Name: "a", ConsecutiveFailures: 2})

	require.NoError(t, p.RecordSuccess(ctx, "a"))

	got, ok := p.Get("a")
	require.True(t, ok)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Equal(t, now, got.LastSuccess)
}

func TestUnknownIdentity(t *testing.T) {
	ctx := context.Background()
	p := NewPool(3)

	assert.ErrorIs(t, p.RecordSuccess(ctx, "ghost"), ErrUnknownIdentity)
	_, err := p.RecordFailure(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	assert.ErrorIs(t, p.Reset(ctx, "ghost"), ErrUnknownIdentity)
	assert.ErrorIs(t, p.MarkVerified(ctx, "ghost"), ErrUnknownIdentity)
}

func TestReset_RestoresEligibility(t *testing.T) {
	ctx := context.Background()
	p := NewPool(1)
	p.Add(Identity{Name: "a"})

	_, err := p.RecordFailure(ctx, "a")
	require.NoError(t, err)

	_, err = p.Select()
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, p.Reset(ctx, "a"))

	got, err := p.Select()
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)
}

func TestMarkVerified(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	p := NewPool(3, WithRepository(repo))
	p.Add(Identity{Name: "a"})

	require.NoError(t, p.MarkVerified(ctx, "a"))
	require.NoError(t, p.MarkVerified(ctx, "a"))

	got, _ := p.Get("a")
	assert.True(t, got.Verified)
	assert.Equal(t, 1, repo.saves, "second call is a no-op")
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	ctx := context.Background()
	p := NewPool(1000)
	p.Add(Identity{Name: "a"})

	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _ = p.RecordFailure(ctx, "a")
			_, _ = p.Select()
		}()
	}

	wg.Wait()

	got, _ := p.Get("a")
	assert.Equal(t, 100, got.ConsecutiveFailures)
}

func TestLoad_MergesPersistedHealth(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo(
		Health{Name: "a", ConsecutiveFailures: 3, LastSuccess: epoch},
		Health{Name: "gone", ConsecutiveFailures: 1},
	)

	p := NewPool(3, WithRepository(repo))
	require.NoError(t, p.Load(ctx, staticStore{
		{Name: "a", CookiesPath: "/ids/a/cookies.txt"},
		{Name: "b", CookiesPath: "/ids/b/cookies.txt", Verified: true},
	}))

	assert.Equal(t, 2, p.Size())
	assert.Equal(t, 1, p.Eligible())

	a, ok := p.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3, a.ConsecutiveFailures)
	assert.Equal(t, epoch, a.LastSuccess)
	assert.Equal(t, "/ids/a/cookies.txt", a.CookiesPath)

	_, ok = p.Get("gone")
	assert.False(t, ok)
}

func TestLoad_KeepsInMemoryHealthOnReload(t *testing.T) {
	ctx := context.Background()
	store := staticStore{{Name: "a"}, {Name: "b"}}

	p := NewPool(3)
	require.NoError(t, p.Load(ctx, store))

	_, err := p.RecordFailure(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, p.Load(ctx, store))

	a, _ := p.Get("a")
	assert.Equal(t, 1, a.ConsecutiveFailures)
}

func TestPersistenceFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	repo.saveErr = errors.New("disk full")

	p := NewPool(3, WithRepository(repo))
	p.Add(Identity{Name: "a"})

	_, err := p.RecordFailure(ctx, "a")
	require.NoError(t, err)

	a, _ := p.Get("a")
	assert.Equal(t, 1, a.ConsecutiveFailures)
}

func TestSnapshot_Ordered(t *testing.T) {
	p := NewPool(3)
	p.Add(Identity{Name: "z"})
	p.Add(Identity{Name: "y", Verified: true})
	p.Add(Identity{Name: "x", ConsecutiveFailures: 1})

	snap := p.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"y", "z", "x"}, []string{snap[0].Name, snap[1].Name, snap[2].Name})
}
