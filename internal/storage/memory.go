package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"csr-rule-engine/internal/capacity"
	"csr-rule-engine/internal/facts"
	"csr-rule-engine/internal/lock"
)

// Memory is an in-process store for the "memory" driver and for tests.
type Memory struct {
	mu          sync.RWMutex
	entities    map[string]memEntity
	flags       map[string]map[string]facts.Value
	campaigns   map[string]capacity.Campaign
	records     map[string]capacity.Record
	recordLocks *lock.Keyed
	now         func() time.Time
}

type memEntity struct {
	fields      map[string]facts.Value
	collections map[string][]facts.Record
}

func NewMemory() *Memory {
	return &Memory{
		entities:    map[string]memEntity{},
		flags:       map[string]map[string]facts.Value{},
		campaigns:   map[string]capacity.Campaign{},
		records:     map[string]capacity.Record{},
		recordLocks: lock.NewKeyed(),
		now:         time.Now,
	}
}

// PutEntity replaces the facts of an entity.
func (m *Memory) PutEntity(id string, fields map[string]facts.Value, collections map[string][]facts.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[id] = memEntity{fields: fields, collections: collections}
}

func (m *Memory) PutCampaign(c capacity.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
}

func (m *Memory) LoadSnapshot(_ context.Context, entityID string) (*facts.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[entityID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", entityID, facts.ErrEntityNotFound)
	}
	return facts.NewSnapshot(entityID, m.now(), e.fields, e.collections), nil
}

func (m *Memory) GetFlag(_ context.Context, entityID, flag string) (facts.Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.flags[entityID][flag]
	return v, ok, nil
}

func (m *Memory) SetFlags(_ context.Context, entityID string, flags map[string]facts.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.flags[entityID]
	if cur == nil {
		cur = map[string]facts.Value{}
		m.flags[entityID] = cur
	}
	for k, v := range flags {
		cur[k] = v
	}
	return nil
}

// Flags returns a copy of an entity's stored flags.
func (m *Memory) Flags(entityID string) map[string]facts.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]facts.Value, len(m.flags[entityID]))
	for k, v := range m.flags[entityID] {
		out[k] = v
	}
	return out
}

func (m *Memory) GetCampaign(_ context.Context, id string) (capacity.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return capacity.Campaign{}, fmt.Errorf("%s: %w", id, capacity.ErrCampaignNotFound)
	}
	return c, nil
}

func (m *Memory) GetRecord(_ context.Context, key string) (capacity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record(key), nil
}

func (m *Memory) UpdateRecord(ctx context.Context, key string, fn func(*capacity.Record) error) (capacity.Record, error) {
	unlock, err := m.recordLocks.Lock(ctx, key)
	if err != nil {
		return capacity.Record{}, err
	}
	defer unlock()

	m.mu.RLock()
	cur := m.record(key)
	m.mu.RUnlock()

	next := cur
	next.Breakdown = copyBreakdown(cur.Breakdown)
	if err := fn(&next); err != nil {
		return cur, err
	}
	stored := next
	stored.Breakdown = copyBreakdown(next.Breakdown)

	m.mu.Lock()
	m.records[key] = stored
	m.mu.Unlock()
	return next, nil
}

// record returns a copy of the stored record; the caller holds mu.
func (m *Memory) record(key string) capacity.Record {
	r, ok := m.records[key]
	if !ok {
		return capacity.Record{Key: key}
	}
	r.Breakdown = copyBreakdown(r.Breakdown)
	return r
}

func copyBreakdown(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
