// Package genlock keeps two generation runs from working on the same procedure
// scope at once.
package genlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"auditdesk/api/internal/util"
)

// ErrBusy means another run holds the scope.
var ErrBusy = errors.New("generation already in progress")

// DefaultTTL bounds how long a crashed holder can block a scope.
const DefaultTTL = 2 * time.Minute

// Locker acquires per-scope generation locks. The returned release func is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, procedureID, scope string) (release func(), err error)
}

func lockKey(procedureID, scope string) string {
	return procedureID + "|" + scope
}

// Memory is the in-process Locker used when Redis is not configured.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryLock
	ttl   time.Duration
	nowFn func() time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{held: make(map[string]memoryLock), ttl: ttl, nowFn: time.Now}
}

func (m *Memory) Acquire(_ context.Context, procedureID, scope string) (func(), error) {
	key := lockKey(procedureID, scope)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	if current, ok := m.held[key]; ok && now.Before(current.expires) {
		return nil, ErrBusy
	}
	token := util.NewID("")
	m.held[key] = memoryLock{token: token, expires: now.Add(m.ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if current, ok := m.held[key]; ok && current.token == token {
				delete(m.held, key)
			}
		})
	}, nil
}
