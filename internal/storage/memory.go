package storage

import (
	"context"
	"sync"

	"github.com/ashita-ai/renkei/internal/model"
)

// Memory is an in-process Store for tests and single-node deployments
// that do not need cross-restart KPI history.
type Memory struct {
	mu      sync.RWMutex
	records map[model.KPIKey]model.KPIRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[model.KPIKey]model.KPIRecord)}
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, domain model.Domain, metric model.Metric) (model.KPIRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[model.KPIKey{Domain: domain, Metric: metric}]
	if !ok {
		return model.KPIRecord{}, ErrNotFound
	}
	return rec, nil
}

// LoadAll implements Store.
func (m *Memory) LoadAll(_ context.Context) ([]model.KPIRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.KPIRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, rec model.KPIRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[rec.Key()]; ok && cur.Version >= rec.Version {
		return ErrVersionConflict
	}
	m.records[rec.Key()] = rec
	return nil
}

// Close implements Store.
func (m *Memory) Close(context.Context) error { return nil }
