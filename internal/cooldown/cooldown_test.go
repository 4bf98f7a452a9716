package cooldown

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestMemory() (*Memory, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = clock.now

	return m, clock
}

func TestMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("open by default", func(t *testing.T) {
		m, _ := newTestMemory()

		left, err := m.Remaining(ctx, "ratelimit:remote-service")
		require.NoError(t, err)
		assert.Zero(t, left)
	})

	t.Run("trip then expire", func(t *testing.T) {
		m, clock := newTestMemory()

		require.NoError(t, m.Trip(ctx, "k", 10*time.Second))

		left, err := m.Remaining(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, left)

		clock.t = clock.t.Add(4 * time.Second)
		left, _ = m.Remaining(ctx, "k")
		assert.Equal(t, 6*time.Second, left)

		clock.t = clock.t.Add(6 * time.Second)
		left, _ = m.Remaining(ctx, "k")
		assert.Zero(t, left)
	})

	t.Run("shorter trip keeps longer window", func(t *testing.T) {
		m, _ := newTestMemory()

		require.NoError(t, m.Trip(ctx, "k", 30*time.Second))
		require.NoError(t, m.Trip(ctx, "k", time.Second))

		left, _ := m.Remaining(ctx, "k")
		assert.Equal(t, 30*time.Second, left)
	})

	t.Run("keys are independent", func(t *testing.T) {
		m, _ := newTestMemory()

		require.NoError(t, m.Trip(ctx, "a", time.Second))

		left, _ := m.Remaining(ctx, "b")
		assert.Zero(t, left)
	})

	t.Run("non positive trip is ignored", func(t *testing.T) {
		m, _ := newTestMemory()

		require.NoError(t, m.Trip(ctx, "k", 0))

		left, _ := m.Remaining(ctx, "k")
		assert.Zero(t, left)
	})
}

func TestNewRedisInvalidURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-redis-url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse redis URL")
}

func TestRedis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	ctx := context.Background()

	r, err := NewRedis(ctx, url)
	require.NoError(t, err)
	defer r.Close()

	key := "test:" + uuid.NewString()

	left, err := r.Remaining(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, left)

	require.NoError(t, r.Trip(ctx, key, 5*time.Second))

	left, err = r.Remaining(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, left, 3*time.Second)

	require.NoError(t, r.Trip(ctx, key, time.Second))

	left, err = r.Remaining(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, left, 3*time.Second)
}
