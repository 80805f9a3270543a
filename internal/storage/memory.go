package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps alert definitions in process. It backs simulations and
// deployments running without PostgreSQL.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[int64]AlertDefinition
	nextID int64
}

// NewMemoryStore seeds a store with the given definitions.
func NewMemoryStore(defs ...AlertDefinition) *MemoryStore {
	s := &MemoryStore{alerts: make(map[int64]AlertDefinition, len(defs))}
	for _, def := range defs {
		s.Add(def)
	}
	return s
}

// Add inserts a definition, assigning an id when ID is zero, and returns the stored copy.
func (s *MemoryStore) Add(def AlertDefinition) AlertDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.ID == 0 {
		s.nextID++
		def.ID = s.nextID
	} else if def.ID > s.nextID {
		s.nextID = def.ID
	}
	s.alerts[def.ID] = cloneDefinition(def)
	return cloneDefinition(def)
}

// Get returns a copy of the definition with id.
func (s *MemoryStore) Get(id int64) (AlertDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.alerts[id]
	return cloneDefinition(def), ok
}

// ListActive returns active definitions ordered by id.
func (s *MemoryStore) ListActive(ctx context.Context) ([]AlertDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "list active alerts", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AlertDefinition, 0, len(s.alerts))
	for _, def := range s.alerts {
		if def.Active {
			out = append(out, cloneDefinition(def))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkTriggered stamps LastTriggeredAt for the alert.
func (s *MemoryStore) MarkTriggered(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return &StoreError{Op: "mark alert triggered", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("mark alert %d triggered: %w", id, ErrAlertNotFound)
	}
	stamp := at.UTC()
	def.LastTriggeredAt = &stamp
	s.alerts[id] = def
	return nil
}

func cloneDefinition(def AlertDefinition) AlertDefinition {
	if def.LastTriggeredAt != nil {
		last := *def.LastTriggeredAt
		def.LastTriggeredAt = &last
	}
	return def
}

var _ AlertStore = (*MemoryStore)(nil)
