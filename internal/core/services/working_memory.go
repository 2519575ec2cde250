package services

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

// WorkingMemoryStore hands out the per-conversation scratchpads. The store is
// safe for concurrent use; a single scratchpad is not (one run per
// conversation at a time).
type WorkingMemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache[domain.ConversationID, *domain.WorkingMemory]
}

// NewWorkingMemoryStore keeps up to size scratchpads, evicting the least recently used.
func NewWorkingMemoryStore(size int) (*WorkingMemoryStore, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[domain.ConversationID, *domain.WorkingMemory](size)
	if err != nil {
		return nil, fmt.Errorf("working memory cache: %w", err)
	}
	return &WorkingMemoryStore{cache: cache}, nil
}

// Get returns the scratchpad for id, creating it on first use.
func (s *WorkingMemoryStore) Get(id domain.ConversationID) *domain.WorkingMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wm, ok := s.cache.Get(id); ok {
		return wm
	}
	wm := &domain.WorkingMemory{ConversationID: id}
	s.cache.Add(id, wm)
	return wm
}

// Len returns the number of live scratchpads.
func (s *WorkingMemoryStore) Len() int {
	return s.cache.Len()
}
