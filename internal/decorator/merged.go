package decorator

import (
	"errors"
	"fmt"
	"image"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"tilestack/internal/layers"
	"tilestack/internal/projection"
	"tilestack/internal/tile"
)

// Merged composites the raster tiles of several source layers into one
// stacked tile. It keeps no state between calls; caching is the loader's
// job.
type Merged struct {
	sources    []Source
	projection projection.Projection
	tileSize   int
	stackID    uint32
	logger     *zap.Logger
}

// NewMerged builds a decorator over sources ordered bottom-up. The first
// source is the texture every tile needs.
func NewMerged(sources []Source, proj projection.Projection, tileSize int, stackID uint32, logger *zap.Logger) (*Merged, error) {
	if len(sources) == 0 {
		return nil, errors.New("no source layers configured")
	}
	if tileSize <= 0 {
		return nil, fmt.Errorf("invalid tile size: %d", tileSize)
	}
	return &Merged{
		sources:    sources,
		projection: proj,
		tileSize:   tileSize,
		stackID:    stackID,
		logger:     logger,
	}, nil
}

// FromLayers creates file sources for every scanned layer.
func FromLayers(infos []layers.LayerInfo) []Source {
	sources := make([]Source, 0, len(infos))
	for _, info := range infos {
		sources = append(sources, NewFileSource(info))
	}
	return sources
}

// LoadTile composites every source for id. It fails when the texture layer
// fails; overlays that are missing or broken are left out.
func (m *Merged) LoadTile(id tile.ID) (*tile.StackedTile, error) {
	if id.StackID != m.stackID {
		return nil, fmt.Errorf("tile %s belongs to stack %d, decorator serves %d", id, id.StackID, m.stackID)
	}
	if id.X < 0 || id.Y < 0 || id.X >= m.TileColumnCount(id.Zoom) || id.Y >= m.TileRowCount(id.Zoom) {
		return nil, fmt.Errorf("tile %s outside the %s grid", id, m.projection.Name())
	}

	size := m.tileSize
	canvas := image.NewRGBA(image.Rect(0, 0, size, size))

	var overlayErrs error
	for i, src := range m.sources {
		raster, err := src.Tile(id.Zoom, id.X, id.Y, size)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("texture layer %s: %w", src.Info().Name, err)
			}
			if !errors.Is(err, ErrNoTile) {
				overlayErrs = multierr.Append(overlayErrs, fmt.Errorf("overlay layer %s: %w", src.Info().Name, err))
			}
			continue
		}

		op := draw.Over
		if i == 0 {
			op = draw.Src
		}
		if b := raster.Bounds(); b.Dx() != size || b.Dy() != size {
			draw.CatmullRom.Scale(canvas, canvas.Bounds(), raster, b, op, nil)
		} else {
			draw.Draw(canvas, canvas.Bounds(), raster, b.Min, op)
		}
	}

	if overlayErrs != nil {
		m.logger.Warn("Overlay layers skipped",
			zap.Stringer("tile", id),
			zap.Int("failed", len(multierr.Errors(overlayErrs))),
			zap.Error(overlayErrs),
		)
	}

	return tile.New(id, canvas), nil
}

func (m *Merged) TileColumnCount(zoom int) int {
	return projection.ColumnCount(m.projection, zoom)
}

func (m *Merged) TileRowCount(zoom int) int {
	return projection.RowCount(m.projection, zoom)
}

func (m *Merged) TileProjection() projection.Projection {
	return m.projection
}

func (m *Merged) TileSize() int {
	return m.tileSize
}

func (m *Merged) StackID() uint32 {
	return m.stackID
}
