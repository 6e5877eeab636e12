package mapper

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"tilestack/internal/projection"
	"tilestack/internal/tile"
)

// TileSource is the loader side of a render pass.
type TileSource interface {
	ResetTilehash()
	Object(id tile.ID) (*tile.StackedTile, error)
	CleanupTilehash()
	Show(generation uint64, id tile.ID, t *tile.StackedTile) bool
	OnTileLoaded(fn func(tile.ID)) uuid.UUID
	Unsubscribe(id uuid.UUID)
}

// Requester loads missing tiles. Request schedules one in the background;
// Fetch loads several and hands each to deliver, serialized and never after
// Fetch returns.
type Requester interface {
	Request(id tile.ID)
	Fetch(ctx context.Context, ids []tile.ID, deliver func(generation uint64, t *tile.StackedTile)) error
}

// Grid describes the stacked tile layout.
type Grid interface {
	TileColumnCount(zoom int) int
	TileRowCount(zoom int) int
	TileProjection() projection.Projection
	TileSize() int
	StackID() uint32
}

// Viewport is the part of the globe to draw. Scale magnifies tiles for
// zoom factors between two levels; zero means 1.
type Viewport struct {
	Center orb.Point
	Zoom   int
	Width  int
	Height int
	Scale  float64
}

func (v Viewport) scale() float64 {
	if v.Scale <= 0 {
		return 1
	}
	return v.Scale
}

func (v Viewport) Validate() error {
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("invalid viewport size %dx%d", v.Width, v.Height)
	}
	if v.Zoom < 0 {
		return fmt.Errorf("invalid zoom level %d", v.Zoom)
	}
	return nil
}

type RenderStats struct {
	Visible int       `json:"visible"`
	Drawn   int       `json:"drawn"`
	Missing []tile.ID `json:"missing"`
}

// placement is one tile drawn at a canvas position. With few columns the
// same tile can appear more than once across the date line.
type placement struct {
	id  tile.ID
	min image.Point
}

type texture struct {
	source *tile.StackedTile
	size   int
	img    *image.RGBA
}

// Mapper drives render passes over a TileSource. Passes are serialized:
// the reset, lookups and cleanup of one pass never interleave with
// another's.
type Mapper struct {
	mu        sync.Mutex
	tiles     TileSource
	requester Requester
	grid      Grid
	textures  *lru.Cache[tile.ID, texture]
	sub       uuid.UUID
	logger    *zap.Logger
}

func New(tiles TileSource, requester Requester, grid Grid, textureTiles int, logger *zap.Logger) (*Mapper, error) {
	textures, err := lru.New[tile.ID, texture](max(textureTiles, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create texture cache: %w", err)
	}

	m := &Mapper{
		tiles:     tiles,
		requester: requester,
		grid:      grid,
		textures:  textures,
		logger:    logger,
	}
	// A refreshed tile makes its scaled texture stale.
	m.sub = tiles.OnTileLoaded(func(id tile.ID) {
		m.textures.Remove(id)
	})
	return m, nil
}

// Close stops listening for tile updates.
func (m *Mapper) Close() {
	m.tiles.Unsubscribe(m.sub)
}

// distinct lists the tiles of placements once each, in placement order.
func distinct(placements []placement) []tile.ID {
	seen := make(map[tile.ID]struct{}, len(placements))
	ids := make([]tile.ID, 0, len(placements))
	for _, p := range placements {
		if _, ok := seen[p.id]; ok {
			continue
		}
		seen[p.id] = struct{}{}
		ids = append(ids, p.id)
	}
	return ids
}

// Render runs one render pass and returns the composed viewport. Tiles
// that are not loaded yet are requested and left blank.
func (m *Mapper) Render(v Viewport) (*image.RGBA, RenderStats, error) {
	return m.render(context.Background(), v, false)
}

// RenderWait runs a render pass that first loads the missing tiles, until
// ctx ends. Loaded tiles join the pass directly, so every one of them is
// drawn however small the volatile cache is. Tiles still missing when ctx
// ends are requested and left blank.
func (m *Mapper) RenderWait(ctx context.Context, v Viewport) (*image.RGBA, RenderStats, error) {
	return m.render(ctx, v, true)
}

func (m *Mapper) render(ctx context.Context, v Viewport, wait bool) (*image.RGBA, RenderStats, error) {
	if err := v.Validate(); err != nil {
		return nil, RenderStats{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	canvas := image.NewRGBA(image.Rect(0, 0, v.Width, v.Height))
	placements := m.placements(v)
	size := m.drawnTileSize(v)

	m.tiles.ResetTilehash()

	ids := distinct(placements)
	stats := RenderStats{Visible: len(ids)}
	shown := make(map[tile.ID]*tile.StackedTile, len(ids))
	var missing []tile.ID
	for _, id := range ids {
		t, err := m.tiles.Object(id)
		if err != nil {
			missing = append(missing, id)
			continue
		}
		shown[id] = t
	}

	if wait && len(missing) > 0 {
		err := m.requester.Fetch(ctx, missing, func(generation uint64, t *tile.StackedTile) {
			if m.tiles.Show(generation, t.ID(), t) {
				shown[t.ID()] = t
			}
		})
		if err != nil {
			m.logger.Debug("Render pass stopped waiting for tiles", zap.Error(err))
		}
	}

	for _, id := range missing {
		if _, ok := shown[id]; ok {
			continue
		}
		stats.Missing = append(stats.Missing, id)
		m.requester.Request(id)
	}

	for _, p := range placements {
		t, ok := shown[p.id]
		if !ok {
			continue
		}
		img := m.texture(t, size)
		dst := image.Rectangle{Min: p.min, Max: p.min.Add(image.Pt(size, size))}
		draw.Draw(canvas, dst, img, image.Point{}, draw.Src)
		stats.Drawn++
	}

	m.tiles.CleanupTilehash()

	if len(stats.Missing) > 0 {
		m.logger.Debug("Render pass missing tiles",
			zap.Int("visible", stats.Visible),
			zap.Int("missing", len(stats.Missing)),
		)
	}
	return canvas, stats, nil
}

func (m *Mapper) drawnTileSize(v Viewport) int {
	return max(1, int(math.Round(float64(m.grid.TileSize())*v.scale())))
}

// placements computes which tiles cover the viewport and where they go on
// the canvas. Columns wrap around the globe, rows are clamped at the poles.
func (m *Mapper) placements(v Viewport) []placement {
	size := m.drawnTileSize(v)
	cols := m.grid.TileColumnCount(v.Zoom)
	rows := m.grid.TileRowCount(v.Zoom)
	stackID := m.grid.StackID()

	f := m.grid.TileProjection().Fraction(v.Center, v.Zoom)
	left := f.X()*float64(size) - float64(v.Width)/2
	top := f.Y()*float64(size) - float64(v.Height)/2

	x0 := int(math.Floor(left / float64(size)))
	x1 := int(math.Floor((left + float64(v.Width) - 1) / float64(size)))
	y0 := max(0, int(math.Floor(top/float64(size))))
	y1 := min(rows-1, int(math.Floor((top+float64(v.Height)-1)/float64(size))))

	var out []placement
	for ty := y0; ty <= y1; ty++ {
		for tx := x0; tx <= x1; tx++ {
			x := ((tx % cols) + cols) % cols
			out = append(out, placement{
				id: tile.NewID(stackID, v.Zoom, x, ty),
				min: image.Pt(
					int(math.Round(float64(tx*size)-left)),
					int(math.Round(float64(ty*size)-top)),
				),
			})
		}
	}
	return out
}

// texture returns the tile's pixels at size, scaling and caching them when
// the size differs from the tile's own.
func (m *Mapper) texture(t *tile.StackedTile, size int) *image.RGBA {
	img := t.Image()
	if img.Bounds().Dx() == size && img.Bounds().Dy() == size {
		return img
	}

	if tex, ok := m.textures.Get(t.ID()); ok && tex.source == t && tex.size == size {
		return tex.img
	}

	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)
	m.textures.Add(t.ID(), texture{source: t, size: size, img: scaled})
	return scaled
}
