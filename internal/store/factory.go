package store

import (
	"fmt"

	"go.uber.org/zap"
)

// NewStore creates a store instance based on the store type
func NewStore(storeType, fileDir string, memoryTiles int, log *zap.Logger) (Store, error) {
	switch storeType {
	case "memory":
		log.Info("Using memory tile store", zap.Int("max_tiles", memoryTiles))
		return NewMemoryStore(memoryTiles)
	case "file":
		log.Info("Using file tile store", zap.String("store_dir", fileDir))
		return NewFileStore(fileDir)
	case "disabled":
		log.Info("Tile store disabled")
		return NewNoopStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s (supported: memory, file, disabled)", storeType)
	}
}
