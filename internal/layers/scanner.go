package layers

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const metadataFile = "layer.json"

// Kind tells the decorator how a layer takes part in a stacked tile.
type Kind string

const (
	// KindTexture layers are opaque and form the bottom of the stack.
	KindTexture Kind = "texture"
	// KindOverlay layers are blended over the texture and may be missing.
	KindOverlay Kind = "overlay"
)

type LayerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	Order  int    `json:"order"`
	Format string `json:"format"`
	Dir    string `json:"-"`
}

// Scanner discovers source layers. Every subdirectory of dataDir is one
// layer holding tiles as {z}/{x}/{y}.{format}, described by layer.json.
type Scanner struct {
	dataDir string
	logger  *zap.Logger

	mu     sync.RWMutex
	layers []LayerInfo
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		logger:  logger,
		layers:  []LayerInfo{},
	}
}

func (s *Scanner) Scan() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	found := []LayerInfo{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		dir := filepath.Join(s.dataDir, entry.Name())
		jsonPath := filepath.Join(dir, metadataFile)

		var info *LayerInfo
		if _, err := os.Stat(jsonPath); err != nil {
			// No metadata yet: describe the directory and persist it so the
			// layer keeps its id across restarts.
			info = &LayerInfo{
				ID:     uuid.New().String(),
				Name:   entry.Name(),
				Kind:   KindOverlay,
				Order:  len(found),
				Format: detectFormat(dir),
			}
			if len(found) == 0 {
				info.Kind = KindTexture
			}
			if err := s.saveMetadata(jsonPath, info); err != nil {
				s.logger.Warn("Failed to save layer metadata", zap.String("json_path", jsonPath), zap.Error(err))
			} else {
				s.logger.Info("Created layer metadata", zap.String("json_path", jsonPath), zap.String("id", info.ID))
			}
		} else {
			info, err = s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load layer metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
		}

		info.Dir = dir
		found = append(found, *info)
	}

	slices.SortStableFunc(found, func(a, b LayerInfo) int {
		return a.Order - b.Order
	})

	s.mu.Lock()
	s.layers = found
	s.mu.Unlock()

	s.logger.Info("Layers scanned", zap.Int("count", len(found)), zap.Uint32("stack_id", s.StackID()))
	return nil
}

// Layers returns the layers bottom-up.
func (s *Scanner) Layers() []LayerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.layers)
}

func (s *Scanner) GetLayerByID(id string) *LayerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.layers {
		if l.ID == id {
			return &l
		}
	}
	return nil
}

// StackID identifies the current ordered set of layers. Tiles composited
// from a different set get different ids.
func (s *Scanner) StackID() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := fnv.New32a()
	for _, l := range s.layers {
		_, _ = h.Write([]byte(l.ID))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum32()
}

func (s *Scanner) loadMetadata(path string) (*LayerInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta LayerInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if meta.ID == "" {
		return nil, fmt.Errorf("layer metadata has no id")
	}
	switch meta.Kind {
	case KindTexture, KindOverlay:
	default:
		return nil, fmt.Errorf("unknown layer kind: %q", meta.Kind)
	}
	if meta.Format == "" {
		meta.Format = "png"
	}

	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *LayerInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// detectFormat looks at the level zero tiles to guess the file extension.
func detectFormat(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "0", "*", "*"))
	for _, m := range matches {
		switch ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(m)), "."); ext {
		case "png", "jpg", "jpeg", "webp", "tif", "tiff":
			return ext
		}
	}
	return "png"
}
