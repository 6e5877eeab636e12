package store

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"tilestack/internal/tile"
)

// MemoryStore keeps encoded tiles in an entry-count bounded LRU.
type MemoryStore struct {
	lru *lru.Cache[tile.ID, []byte]
}

func NewMemoryStore(maxTiles int) (*MemoryStore, error) {
	c, err := lru.New[tile.ID, []byte](maxTiles)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory store: %w", err)
	}
	return &MemoryStore{lru: c}, nil
}

func (s *MemoryStore) Has(id tile.ID) bool {
	return s.lru.Contains(id)
}

func (s *MemoryStore) Get(id tile.ID) ([]byte, bool) {
	return s.lru.Get(id)
}

func (s *MemoryStore) Set(id tile.ID, value []byte) {
	s.lru.Add(id, value)
}

func (s *MemoryStore) Clear() {
	s.lru.Purge()
}

func (s *MemoryStore) Enabled() bool {
	return true
}
