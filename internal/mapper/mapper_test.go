package mapper

import (
	"context"
	"image"
	"image/color"
	"slices"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"go.uber.org/zap/zaptest"

	"tilestack/internal/loader"
	"tilestack/internal/pipeline"
	"tilestack/internal/projection"
	"tilestack/internal/store"
	"tilestack/internal/tile"
)

type fakeGrid struct {
	size int
}

func (g fakeGrid) TileColumnCount(zoom int) int          { return 2 << zoom }
func (g fakeGrid) TileRowCount(zoom int) int             { return 1 << zoom }
func (g fakeGrid) TileProjection() projection.Projection { return projection.Equirectangular{} }
func (g fakeGrid) TileSize() int                         { return g.size }
func (g fakeGrid) StackID() uint32                       { return 0 }

type recordingRequester struct {
	mu  sync.Mutex
	ids []tile.ID
}

func (r *recordingRequester) Request(id tile.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingRequester) Fetch(ctx context.Context, ids []tile.ID, deliver func(uint64, *tile.StackedTile)) error {
	return nil
}

// solidDecorator composites every tile in one color.
type solidDecorator struct {
	fakeGrid
	c color.RGBA
}

func (d solidDecorator) LoadTile(id tile.ID) (*tile.StackedTile, error) {
	return solidTile(id, d.size, d.c), nil
}

func solidTile(id tile.ID, size int, c color.RGBA) *tile.StackedTile {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return tile.New(id, img)
}

func newMapper(t *testing.T) (*Mapper, *loader.Loader, *recordingRequester) {
	t.Helper()
	log := zaptest.NewLogger(t)
	l := loader.New(loader.DefaultVolatileCacheLimit, log)
	req := &recordingRequester{}
	m, err := New(l, req, fakeGrid{size: 4}, 16, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m, l, req
}

func TestDistinctPlacements(t *testing.T) {
	m, _, _ := newMapper(t)

	tests := []struct {
		name string
		v    Viewport
		want []tile.ID
	}{
		{
			name: "whole globe at level zero",
			v:    Viewport{Center: orb.Point{0, 0}, Zoom: 0, Width: 8, Height: 4},
			want: []tile.ID{tile.NewID(0, 0, 0, 0), tile.NewID(0, 0, 1, 0)},
		},
		{
			name: "wraps across the date line",
			v:    Viewport{Center: orb.Point{180, 0}, Zoom: 0, Width: 8, Height: 4},
			want: []tile.ID{tile.NewID(0, 0, 1, 0), tile.NewID(0, 0, 0, 0)},
		},
		{
			name: "clamps rows at the poles",
			v:    Viewport{Center: orb.Point{-90, 90}, Zoom: 1, Width: 4, Height: 8},
			want: []tile.ID{tile.NewID(0, 1, 0, 0), tile.NewID(0, 1, 1, 0)},
		},
		{
			name: "wide viewport lists repeated tiles once",
			v:    Viewport{Center: orb.Point{0, 0}, Zoom: 0, Width: 32, Height: 4},
			want: []tile.ID{tile.NewID(0, 0, 1, 0), tile.NewID(0, 0, 0, 0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := distinct(m.placements(tt.v))
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRenderPass(t *testing.T) {
	m, l, req := newMapper(t)
	green := color.RGBA{0, 255, 0, 255}

	// zoom 1, 8x8 pixels around (0,0) covers columns 1..2 and rows 0..1.
	loaded := []tile.ID{tile.NewID(0, 1, 1, 0), tile.NewID(0, 1, 2, 0), tile.NewID(0, 1, 1, 1)}
	for _, id := range loaded {
		l.Insert(id, solidTile(id, 4, green))
	}
	missing := tile.NewID(0, 1, 2, 1)

	v := Viewport{Center: orb.Point{0, 0}, Zoom: 1, Width: 8, Height: 8}
	canvas, stats, err := m.Render(v)
	if err != nil {
		t.Fatal(err)
	}

	if stats.Visible != 4 || stats.Drawn != 3 {
		t.Errorf("expected 4 visible and 3 drawn, got %+v", stats)
	}
	if !slices.Equal(stats.Missing, []tile.ID{missing}) {
		t.Errorf("expected %s missing, got %v", missing, stats.Missing)
	}
	if !slices.Equal(req.ids, []tile.ID{missing}) {
		t.Errorf("expected the missing tile to be requested, got %v", req.ids)
	}
	if got := canvas.RGBAAt(1, 1); got != green {
		t.Errorf("expected a drawn tile at the top left, got %v", got)
	}
	if got := canvas.RGBAAt(6, 6); got != (color.RGBA{}) {
		t.Errorf("expected a blank missing tile, got %v", got)
	}

	shown := l.VisibleTiles()
	slices.SortFunc(loaded, tile.ID.Compare)
	if !slices.Equal(shown, loaded) {
		t.Errorf("expected loaded tiles on display, got %v", shown)
	}
}

func TestRenderDemotesTilesOutOfView(t *testing.T) {
	m, l, _ := newMapper(t)
	red := color.RGBA{255, 0, 0, 255}

	west := tile.NewID(0, 1, 0, 0)
	east := tile.NewID(0, 1, 3, 0)
	l.Insert(west, solidTile(west, 4, red))
	l.Insert(east, solidTile(east, 4, red))

	// Center of tile 1/0/0, 4x4 pixels sees only that tile.
	westView := Viewport{Center: orb.Point{-135, 45}, Zoom: 1, Width: 4, Height: 4}
	if _, _, err := m.Render(westView); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(l.VisibleTiles(), []tile.ID{west}) {
		t.Fatalf("expected only the west tile on display, got %v", l.VisibleTiles())
	}

	eastView := Viewport{Center: orb.Point{135, 45}, Zoom: 1, Width: 4, Height: 4}
	if _, _, err := m.Render(eastView); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(l.VisibleTiles(), []tile.ID{east}) {
		t.Errorf("expected only the east tile on display, got %v", l.VisibleTiles())
	}
	if !l.Contains(west) {
		t.Error("expected the west tile to stay cached")
	}
}

func TestScaledTexturesAreInvalidated(t *testing.T) {
	m, l, _ := newMapper(t)
	id := tile.NewID(0, 0, 0, 0)
	l.Insert(id, solidTile(id, 4, color.RGBA{0, 0, 255, 255}))

	v := Viewport{Center: orb.Point{-90, 0}, Zoom: 0, Width: 8, Height: 8, Scale: 2}
	canvas, _, err := m.Render(v)
	if err != nil {
		t.Fatal(err)
	}
	if got := canvas.RGBAAt(4, 4); got != (color.RGBA{0, 0, 255, 255}) {
		t.Errorf("expected the scaled tile, got %v", got)
	}
	if !m.textures.Contains(id) {
		t.Fatal("expected the scaled texture to be cached")
	}

	white := color.RGBA{255, 255, 255, 255}
	l.Insert(id, solidTile(id, 4, white))
	if m.textures.Contains(id) {
		t.Error("expected the tile loaded event to drop the texture")
	}

	canvas, _, err = m.Render(v)
	if err != nil {
		t.Fatal(err)
	}
	if got := canvas.RGBAAt(4, 4); got != white {
		t.Errorf("expected the refreshed tile, got %v", got)
	}
}

func TestRenderRejectsBadViewport(t *testing.T) {
	m, _, _ := newMapper(t)
	if _, _, err := m.Render(Viewport{Width: 0, Height: 10}); err == nil {
		t.Error("expected an error for an empty viewport")
	}
	if _, _, err := m.Render(Viewport{Width: 10, Height: 10, Zoom: -1}); err == nil {
		t.Error("expected an error for a negative zoom")
	}
}

func newLoadingMapper(t *testing.T, limit int64, c color.RGBA) (*Mapper, *loader.Loader) {
	t.Helper()
	log := zaptest.NewLogger(t)
	l := loader.New(limit, log)
	dec := solidDecorator{fakeGrid: fakeGrid{size: 4}, c: c}
	p := pipeline.New(dec, l, store.NewNoopStore(), 4, log)
	t.Cleanup(p.Wait)

	m, err := New(l, p, dec.fakeGrid, 16, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m, l
}

func TestRenderWaitDrawsMoreTilesThanTheCacheHolds(t *testing.T) {
	green := color.RGBA{0, 255, 0, 255}
	// 4x4 tiles cost 64 bytes, so the cache keeps 16 of them.
	m, l := newLoadingMapper(t, 1024, green)

	// zoom 3 is a 16x8 grid; 64x32 pixels around (0,0) show all 128 tiles.
	v := Viewport{Center: orb.Point{0, 0}, Zoom: 3, Width: 64, Height: 32}
	for pass := 0; pass < 3; pass++ {
		canvas, stats, err := m.RenderWait(context.Background(), v)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Visible != 128 || stats.Drawn != 128 || len(stats.Missing) != 0 {
			t.Fatalf("pass %d: expected all 128 tiles drawn, got visible=%d drawn=%d missing=%d",
				pass, stats.Visible, stats.Drawn, len(stats.Missing))
		}
		for _, pt := range []image.Point{{0, 0}, {63, 0}, {0, 31}, {63, 31}, {30, 17}} {
			if got := canvas.RGBAAt(pt.X, pt.Y); got != green {
				t.Errorf("pass %d: expected a drawn tile at %v, got %v", pass, pt, got)
			}
		}
	}

	if n := len(l.VisibleTiles()); n != 128 {
		t.Errorf("expected 128 tiles on display, got %d", n)
	}
	if cost := l.Stats().CachedBytes; cost > 1024 {
		t.Errorf("cache holds %d bytes over its limit", cost)
	}
}

func TestRenderWaitShowsOversizedTiles(t *testing.T) {
	blue := color.RGBA{0, 0, 255, 255}
	m, l := newLoadingMapper(t, 10, blue)

	v := Viewport{Center: orb.Point{0, 0}, Zoom: 0, Width: 8, Height: 4}
	canvas, stats, err := m.RenderWait(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Drawn != 2 || len(stats.Missing) != 0 {
		t.Errorf("expected both oversized tiles drawn, got %+v", stats)
	}
	if got := canvas.RGBAAt(6, 2); got != blue {
		t.Errorf("expected a drawn tile, got %v", got)
	}
	if l.Stats().Cached != 0 {
		t.Errorf("oversized tiles must not stay cached, got %d", l.Stats().Cached)
	}
}

func TestRenderWaitGivesUpAtDeadline(t *testing.T) {
	m, l, req := newMapper(t)
	id := tile.NewID(0, 0, 0, 0)
	l.Insert(id, solidTile(id, 4, color.RGBA{255, 0, 0, 255}))

	// The recording requester never delivers, so the other tile stays missing.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := Viewport{Center: orb.Point{0, 0}, Zoom: 0, Width: 8, Height: 4}
	_, stats, err := m.RenderWait(ctx, v)
	if err != nil {
		t.Fatal(err)
	}
	missing := tile.NewID(0, 0, 1, 0)
	if stats.Drawn != 1 || !slices.Equal(stats.Missing, []tile.ID{missing}) {
		t.Errorf("expected one drawn and %s missing, got %+v", missing, stats)
	}
	if !slices.Equal(req.ids, []tile.ID{missing}) {
		t.Errorf("expected the missing tile to be requested, got %v", req.ids)
	}
}
