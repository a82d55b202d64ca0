package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
)

// MemoryGuard is a process-local guard for single-instance runs and tests.
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

var _ application.IdempotencyGuard = (*MemoryGuard)(nil)

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) IsFirstProcessing(_ context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = application.DefaultIdempotencyTTL
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.keys[key]; ok && now.Before(exp) {
		return false
	}
	g.keys[key] = now.Add(ttl)
	return true
}

func (g *MemoryGuard) RemoveKey(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
	return nil
}
