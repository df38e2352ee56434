package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps procedures in process. It backs development runs without
// DATABASE_URL and the app tests; review events are append-only here too.
type MemoryStore struct {
	mu         sync.RWMutex
	procedures map[string]Procedure
	events     []ReviewEvent
	archives   []ExportArchive
	nextID     int64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		procedures: make(map[string]Procedure),
		now:        time.Now,
	}
}

func (m *MemoryStore) ListProcedures(_ context.Context, filter ProcedureFilter) ([]ProcedureSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]ProcedureSummary, 0, len(m.procedures))
	for _, p := range m.procedures {
		if filter.EngagementID != "" && p.EngagementID != filter.EngagementID {
			continue
		}
		if filter.ProcedureType != "" && p.ProcedureType != filter.ProcedureType {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		items = append(items, ProcedureSummary{
			ID:            p.ID,
			EngagementID:  p.EngagementID,
			Title:         p.Title,
			ProcedureType: p.ProcedureType,
			Mode:          p.Mode,
			Status:        p.Status,
			ReviewVersion: p.ReviewVersion,
			IsLocked:      p.IsLocked,
			UpdatedBy:     p.UpdatedBy,
			UpdatedAt:     p.UpdatedAt,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) GetProcedure(_ context.Context, procedureID string) (Procedure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procedures[procedureID]
	if !ok {
		return Procedure{}, ErrNotFound
	}
	p.Payload = append([]byte(nil), p.Payload...)
	return p, nil
}

func (m *MemoryStore) InsertProcedure(_ context.Context, item Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.procedures[item.ID]; exists {
		return fmt.Errorf("insert procedure: duplicate id %q", item.ID)
	}
	now := m.now()
	item.CreatedAt, item.UpdatedAt = now, now
	item.Revision = 1
	item.Payload = append([]byte(nil), item.Payload...)
	m.procedures[item.ID] = item
	return nil
}

func (m *MemoryStore) UpdateProcedure(_ context.Context, item Procedure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.procedures[item.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Revision != item.Revision {
		return ErrConflict
	}
	item.Revision++
	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = m.now()
	item.Payload = append([]byte(nil), item.Payload...)
	m.procedures[item.ID] = item
	return nil
}

// DeleteProcedure drops the procedure with its review events and archive
// rows, as the foreign key cascade does in PostgreSQL.
func (m *MemoryStore) DeleteProcedure(_ context.Context, procedureID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.procedures[procedureID]; !ok {
		return ErrNotFound
	}
	delete(m.procedures, procedureID)

	events := m.events[:0]
	for _, e := range m.events {
		if e.ProcedureID != procedureID {
			events = append(events, e)
		}
	}
	m.events = events
	archives := m.archives[:0]
	for _, a := range m.archives {
		if a.ProcedureID != procedureID {
			archives = append(archives, a)
		}
	}
	m.archives = archives
	return nil
}

func (m *MemoryStore) InsertReviewEvent(_ context.Context, event ReviewEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.procedures[event.ProcedureID]; !ok {
		return fmt.Errorf("insert review event: %w", ErrNotFound)
	}
	m.nextID++
	event.ID = m.nextID
	event.CreatedAt = m.now()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStore) ListReviewEvents(_ context.Context, procedureID string, limit int) ([]ReviewEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]ReviewEvent, 0)
	for i := len(m.events) - 1; i >= 0 && len(items) < limit; i-- {
		if m.events[i].ProcedureID == procedureID {
			items = append(items, m.events[i])
		}
	}
	return items, nil
}

func (m *MemoryStore) InsertExportArchive(_ context.Context, item ExportArchive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.procedures[item.ProcedureID]; !ok {
		return fmt.Errorf("insert export archive: %w", ErrNotFound)
	}
	m.nextID++
	item.ID = m.nextID
	item.CreatedAt = m.now()
	m.archives = append(m.archives, item)
	return nil
}

func (m *MemoryStore) ListExportArchives(_ context.Context, procedureID string) ([]ExportArchive, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]ExportArchive, 0)
	for i := len(m.archives) - 1; i >= 0; i-- {
		if m.archives[i].ProcedureID == procedureID {
			items = append(items, m.archives[i])
		}
	}
	return items, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
