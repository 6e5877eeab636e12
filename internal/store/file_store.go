package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"tilestack/internal/tile"
)

// FileStore implements file-based store
// Structure: {storeDir}/{stackID}/{z}/{x}_{y}.png
type FileStore struct {
	mu       sync.RWMutex
	storeDir string
}

func NewFileStore(storeDir string) (*FileStore, error) {
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &FileStore{
		storeDir: storeDir,
	}, nil
}

func (s *FileStore) buildFilePath(id tile.ID) string {
	dir := filepath.Join(s.storeDir, strconv.FormatUint(uint64(id.StackID), 10), strconv.Itoa(id.Zoom))
	return filepath.Join(dir, fmt.Sprintf("%d_%d.png", id.X, id.Y))
}

func (s *FileStore) Has(id tile.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.buildFilePath(id))
	return err == nil
}

func (s *FileStore) Get(id tile.ID) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.buildFilePath(id))
	if err != nil {
		return nil, false
	}

	return data, true
}

func (s *FileStore) Set(id tile.ID, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.buildFilePath(id)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		return
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return
	}
}

func (s *FileStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.storeDir); err != nil {
		return
	}

	os.MkdirAll(s.storeDir, 0755)
}

func (s *FileStore) Enabled() bool {
	return true
}
