package store

import (
	"context"
	"sync"
	"time"

	"github.com/fitpulse/livemesh/internal/models"
)

// MemoryStore is an in-process ClassStore. Used by tests and as the
// development fallback when Redis is not reachable.
type MemoryStore struct {
	mu      sync.RWMutex
	classes map[string]models.ClassMetadata
}

func NewMemory() *MemoryStore {
	return &MemoryStore{classes: make(map[string]models.ClassMetadata)}
}

func (s *MemoryStore) Put(_ context.Context, class models.ClassMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[class.ID] = class
	return nil
}

func (s *MemoryStore) Get(_ context.Context, classID string) (models.ClassMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	class, ok := s.classes[classID]
	if !ok {
		return models.ClassMetadata{}, ErrClassNotFound
	}
	return class, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, classID string, status models.ClassStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	class, ok := s.classes[classID]
	if !ok {
		return ErrClassNotFound
	}
	class.Status = status
	if status == models.ClassStatusLive && class.StartedAt == nil {
		now := time.Now()
		class.StartedAt = &now
	}
	s.classes[classID] = class
	return nil
}
