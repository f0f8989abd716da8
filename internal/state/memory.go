package state

import (
	"context"
	"sync"
	"time"
)

type memValue struct {
	value    float64
	expireAt time.Time
}

type memEntry struct {
	mu     sync.Mutex
	values map[Field]memValue
}

// Memory is an in-process Store. Each instrument has its own lock.
type Memory struct {
	entries sync.Map // uint64 -> *memEntry
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) entry(instrumentID uint64) *memEntry {
	if e, ok := m.entries.Load(instrumentID); ok {
		return e.(*memEntry)
	}
	e, _ := m.entries.LoadOrStore(instrumentID, &memEntry{values: make(map[Field]memValue)})
	return e.(*memEntry)
}

func (m *Memory) Get(_ context.Context, instrumentID uint64, field Field) (float64, bool, error) {
	e := m.entry(instrumentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.get(field, m.now())
	return v, ok, nil
}

func (m *Memory) Put(_ context.Context, instrumentID uint64, field Field, value float64, ttl time.Duration) error {
	e := m.entry(instrumentID)
	e.mu.Lock()
	e.put(field, value, ttl, m.now())
	e.mu.Unlock()
	return nil
}

func (m *Memory) GetMany(_ context.Context, instrumentID uint64, fields ...Field) (map[Field]float64, error) {
	e := m.entry(instrumentID)
	now := m.now()
	out := make(map[Field]float64, len(fields))
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range fields {
		if v, ok := e.get(f, now); ok {
			out[f] = v
		}
	}
	return out, nil
}

func (m *Memory) PutMany(_ context.Context, instrumentID uint64, values map[Field]float64, ttls TTLs) error {
	e := m.entry(instrumentID)
	now := m.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for f, v := range values {
		e.put(f, v, ttls.of(f), now)
	}
	return nil
}

func (e *memEntry) get(f Field, now time.Time) (float64, bool) {
	v, ok := e.values[f]
	if !ok {
		return 0, false
	}
	if !v.expireAt.IsZero() && !now.Before(v.expireAt) {
		delete(e.values, f)
		return 0, false
	}
	return v.value, true
}

func (e *memEntry) put(f Field, value float64, ttl time.Duration, now time.Time) {
	v := memValue{value: value}
	if ttl > 0 {
		v.expireAt = now.Add(ttl)
	}
	e.values[f] = v
}
