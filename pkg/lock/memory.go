package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// HeldLock describes an in-process lock entry.
type HeldLock struct {
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expires_at"`
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
	timer     clockwork.Timer
}

// MemoryStrategy is a process-local lock table with self-expiring entries.
type MemoryStrategy struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]*memoryEntry
}

// NewMemoryStrategy creates an empty in-process lock table.
func NewMemoryStrategy(clock clockwork.Clock) *MemoryStrategy {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &MemoryStrategy{clock: clock, entries: make(map[string]*memoryEntry)}
}

func (m *MemoryStrategy) Mode() Mode { return ModeMemory }

func (m *MemoryStrategy) TryAcquire(_ context.Context, resource string, ttl time.Duration) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if entry, ok := m.entries[resource]; ok {
		if now.Before(entry.expiresAt) {
			return nil, nil
		}

		entry.timer.Stop()
		delete(m.entries, resource)
	}

	token := uuid.NewString()
	entry := &memoryEntry{token: token, expiresAt: now.Add(ttl)}
	entry.timer = m.clock.AfterFunc(ttl, func() {
		m.remove(resource, token)
	})
	m.entries[resource] = entry

	return &Grant{
		Release: func(context.Context) error {
			m.remove(resource, token)

			return nil
		},
		Extend: func(_ context.Context, ttl time.Duration) error {
			return m.extend(resource, token, ttl)
		},
	}, nil
}

func (m *MemoryStrategy) extend(resource, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[resource]
	if !ok || entry.token != token || !m.clock.Now().Before(entry.expiresAt) {
		return fmt.Errorf("%w: %s", ErrLockLost, resource)
	}

	entry.expiresAt = m.clock.Now().Add(ttl)
	entry.timer.Reset(ttl)

	return nil
}

func (m *MemoryStrategy) remove(resource, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[resource]
	if !ok || entry.token != token {
		return
	}

	entry.timer.Stop()
	delete(m.entries, resource)
}

// Held lists unexpired entries sorted by resource.
func (m *MemoryStrategy) Held() []HeldLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	held := make([]HeldLock, 0, len(m.entries))

	for resource, entry := range m.entries {
		if now.Before(entry.expiresAt) {
			held = append(held, HeldLock{Resource: resource, ExpiresAt: entry.expiresAt})
		}
	}

	sort.Slice(held, func(i, j int) bool { return held[i].Resource < held[j].Resource })

	return held
}
