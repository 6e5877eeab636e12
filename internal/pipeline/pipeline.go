package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"

	"tilestack/internal/store"
	"tilestack/internal/tile"
)

// Decorator builds stacked tiles. Calls may block.
type Decorator interface {
	LoadTile(id tile.ID) (*tile.StackedTile, error)
	TileColumnCount(zoom int) int
	TileRowCount(zoom int) int
	StackID() uint32
}

// Sink receives finished tiles.
type Sink interface {
	Contains(id tile.ID) bool
	Peek(id tile.ID) (*tile.StackedTile, bool)
	Generation() uint64
	InsertFrom(generation uint64, id tile.ID, t *tile.StackedTile) bool
}

var errStale = errors.New("sink cleared while loading")

type loaded struct {
	tile       *tile.StackedTile
	generation uint64
}

// Pipeline loads stacked tiles in the background. It decorates tiles on a
// bounded number of goroutines, outside any loader lock, and hands results
// to the sink. A tile that fails to load is logged and never inserted.
//
// Concurrent loads of one tile share a single decoration. The shared load
// is never cancelled: callers that stop waiting leave it to finish and
// reach the sink.
type Pipeline struct {
	decorator Decorator
	sink      Sink
	store     store.Store
	logger    *zap.Logger

	workers chan struct{}
	group   singleflight.Group
	wg      sync.WaitGroup
}

func New(decorator Decorator, sink Sink, tileStore store.Store, workers int, logger *zap.Logger) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{
		decorator: decorator,
		sink:      sink,
		store:     tileStore,
		logger:    logger,
		workers:   make(chan struct{}, workers),
	}
}

// Request schedules id without waiting for it.
func (p *Pipeline) Request(id tile.ID) {
	if p.sink.Contains(id) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if res := <-p.do(id); res.Err != nil {
			p.logger.Debug("Background tile load failed", zap.Stringer("tile", id), zap.Error(res.Err))
		}
	}()
}

// Load loads every id that the sink does not hold yet and waits for all of
// them. It returns ctx's error if ctx ends first; loads already started keep
// going and still reach the sink.
func (p *Pipeline) Load(ctx context.Context, ids []tile.ID) error {
	missing := make([]tile.ID, 0, len(ids))
	for _, id := range ids {
		if !p.sink.Contains(id) {
			missing = append(missing, id)
		}
	}
	return p.Fetch(ctx, missing, nil)
}

// Fetch loads ids like Load, including ones the sink already holds, and
// passes every tile to deliver, with the sink generation it was loaded at,
// as soon as it is ready. Calls to deliver are serialized and none happen
// after Fetch returns.
func (p *Pipeline) Fetch(ctx context.Context, ids []tile.ID, deliver func(generation uint64, t *tile.StackedTile)) error {
	var (
		mu     sync.Mutex
		closed bool
	)
	defer func() {
		mu.Lock()
		closed = true
		mu.Unlock()
	}()

	done := make(chan struct{}, len(ids))
	for _, id := range ids {
		p.wg.Add(1)
		go func(id tile.ID) {
			defer p.wg.Done()
			defer func() { done <- struct{}{} }()

			res := <-p.do(id)
			if res.Err != nil {
				p.logger.Debug("Tile load failed", zap.Stringer("tile", id), zap.Error(res.Err))
				return
			}
			if deliver == nil {
				return
			}
			l := res.Val.(loaded)
			mu.Lock()
			defer mu.Unlock()
			if !closed {
				deliver(l.generation, l.tile)
			}
		}(id)
	}

	for pending := len(ids); pending > 0; pending-- {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Warmup loads every tile from zoom 1 up to levels. Level zero comes from
// the loader's Clear.
func (p *Pipeline) Warmup(ctx context.Context, levels int) error {
	stackID := p.decorator.StackID()
	for z := 1; z <= levels; z++ {
		cols := p.decorator.TileColumnCount(z)
		rows := p.decorator.TileRowCount(z)
		ids := make([]tile.ID, 0, cols*rows)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				ids = append(ids, tile.NewID(stackID, z, x, y))
			}
		}

		p.logger.Info("Warming up zoom level", zap.Int("zoom", z), zap.Int("tiles", len(ids)))
		if err := p.Load(ctx, ids); err != nil {
			return fmt.Errorf("warmup zoom %d: %w", z, err)
		}
	}
	return nil
}

// Wait blocks until every scheduled load finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) do(id tile.ID) <-chan singleflight.Result {
	return p.group.DoChan(id.String(), func() (interface{}, error) {
		l, err := p.load(id)
		return l, err
	})
}

func (p *Pipeline) load(id tile.ID) (loaded, error) {
	p.workers <- struct{}{}        // Acquire worker slot
	defer func() { <-p.workers }() // Release worker slot

	generation := p.sink.Generation()

	// Another load may have finished while this one waited for a slot.
	if t, ok := p.sink.Peek(id); ok {
		return loaded{tile: t, generation: generation}, nil
	}

	t, err := p.build(id, generation)
	if err != nil {
		return loaded{}, err
	}
	if !p.sink.InsertFrom(generation, id, t) {
		return loaded{}, fmt.Errorf("tile %s: %w", id, errStale)
	}
	return loaded{tile: t, generation: generation}, nil
}

// build decodes the tile from the store, or decorates and stores it.
func (p *Pipeline) build(id tile.ID, generation uint64) (*tile.StackedTile, error) {
	if data, ok := p.store.Get(id); ok {
		t, err := decode(id, data)
		if err == nil {
			return t, nil
		}
		p.logger.Warn("Stored tile unreadable, decorating again", zap.Stringer("tile", id), zap.Error(err))
	}

	t, err := p.decorator.LoadTile(id)
	if err != nil {
		return nil, fmt.Errorf("failed to decorate tile: %w", err)
	}

	// A cleared sink also had its store cleared; keep stale tiles out of it.
	if !p.store.Enabled() || p.sink.Generation() != generation {
		return t, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, t.Image()); err != nil {
		p.logger.Warn("Failed to encode tile for the store", zap.Stringer("tile", id), zap.Error(err))
	} else {
		p.store.Set(id, buf.Bytes())
	}
	return t, nil
}

func decode(id tile.ID, data []byte) (*tile.StackedTile, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(img.Bounds())
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	}
	return tile.New(id, rgba), nil
}
