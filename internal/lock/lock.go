// Package lock provides the single-writer lease held by the tick scheduler.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"

	"otcmarket/pkg/exception"
)

const (
	DefaultKey = "otc:scheduler:lock"
	DefaultTTL = 5 * time.Second
)

// Locker is a lease on a named lock. Acquire fails with exception.ErrLockHeld
// when another owner holds it, Refresh fails with exception.ErrLockLost once
// the lease expired or was taken over.
type Locker interface {
	Acquire(ctx context.Context) error
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

type lease struct {
	token   string
	expires time.Time
}

// Table holds in-process leases. Lockers sharing a table contend with each other.
type Table struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewTable() *Table {
	return &Table{leases: make(map[string]lease), now: time.Now}
}

// Memory is an in-process Locker for tests and single-node runs.
type Memory struct {
	table *Table
	key   string
	ttl   time.Duration
	token string
}

// NewMemory returns a locker on key. A nil table creates a private one.
func NewMemory(table *Table, key string, ttl time.Duration) *Memory {
	if table == nil {
		table = NewTable()
	}
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{table: table, key: key, ttl: ttl}
}

func (m *Memory) Acquire(_ context.Context) error {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if cur, ok := t.leases[m.key]; ok && now.Before(cur.expires) && cur.token != m.token {
		return errors.Wrap(exception.ErrLockHeld, "memory lock").With("key", m.key)
	}
	m.token = uuid.NewString()
	t.leases[m.key] = lease{token: m.token, expires: now.Add(m.ttl)}
	return nil
}

func (m *Memory) Refresh(_ context.Context) error {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cur, ok := t.leases[m.key]
	if !ok || m.token == "" || cur.token != m.token || !now.Before(cur.expires) {
		return errors.Wrap(exception.ErrLockLost, "memory lock").With("key", m.key)
	}
	t.leases[m.key] = lease{token: m.token, expires: now.Add(m.ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context) error {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.leases[m.key]; ok && cur.token == m.token {
		delete(t.leases, m.key)
	}
	m.token = ""
	return nil
}
