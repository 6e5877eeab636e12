package store

import "tilestack/internal/tile"

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Get(id tile.ID) ([]byte, bool) {
	return nil, false
}

func (s *NoopStore) Set(id tile.ID, value []byte) {
}

func (s *NoopStore) Has(id tile.ID) bool {
	return false
}

func (s *NoopStore) Clear() {
}

func (s *NoopStore) Enabled() bool {
	return false
}
