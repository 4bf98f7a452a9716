// Package cooldown holds shared "do not call before" windows. A rate limited
// strategy trips its key and every acquisition running against the same gate
// waits out the window before calling it again.
package cooldown

import (
	"context"
	"sync"
	"time"
)

// Gate is a keyed cooldown shared between concurrent acquisitions.
type Gate interface {
	// Remaining returns how long key stays cooling down; zero when it is open.
	Remaining(ctx context.Context, key string) (time.Duration, error)
	// Trip closes key for d. A shorter trip never shortens an active window.
	Trip(ctx context.Context, key string, d time.Duration) error
}

// Memory is a process-local Gate.
type Memory struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{until: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Remaining(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.until[key]
	if !ok {
		return 0, nil
	}

	left := until.Sub(m.now())
	if left <= 0 {
		delete(m.until, key)

		return 0, nil
	}

	return left, nil
}

func (m *Memory) Trip(_ context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	until := m.now().Add(d)
	if current, ok := m.until[key]; ok && current.After(until) {
		return nil
	}

	m.until[key] = until

	return nil
}
