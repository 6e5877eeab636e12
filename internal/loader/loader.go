package loader

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tilestack/internal/cache"
	"tilestack/internal/tile"
)

// DefaultVolatileCacheLimit is 20000 KiB.
const DefaultVolatileCacheLimit int64 = 20000 * 1024

// ErrTileNotLoaded is returned by Object for a tile that was never inserted.
// The loader never fetches tiles itself; callers must prime them first.
var ErrTileNotLoaded = errors.New("tile not loaded")

// LevelZeroSource builds the base grid tiles during Clear.
type LevelZeroSource interface {
	LoadTile(id tile.ID) (*tile.StackedTile, error)
	TileColumnCount(zoom int) int
	TileRowCount(zoom int) int
	StackID() uint32
}

// Stats is a snapshot of the loader's containers.
type Stats struct {
	OnDisplay   int    `json:"on_display"`
	Cached      int    `json:"cached"`
	CachedBytes int64  `json:"cached_bytes"`
	PeakBytes   int64  `json:"peak_bytes"`
	LimitBytes  int64  `json:"limit_bytes"`
	Evictions   uint64 `json:"evictions"`
	Promotions  uint64 `json:"promotions"`
	Demotions   uint64 `json:"demotions"`
}

// Loader keeps stacked tiles in two disjoint containers: tiles shown in the
// current render pass live in onDisplay, everything else lives in the byte
// bounded volatile cache. A tile moves between them, it is never in both.
//
// Destroying a tile drops the loader's reference to it. Its pixels are
// reclaimed once no render pass still draws it.
type Loader struct {
	mu         sync.RWMutex
	onDisplay  map[tile.ID]*tile.StackedTile
	cache      *cache.Volatile[tile.ID, *tile.StackedTile]
	generation uint64
	promotions uint64
	demotions  uint64

	listenersMu sync.RWMutex
	listeners   map[uuid.UUID]func(tile.ID)

	logger *zap.Logger
}

func New(limit int64, logger *zap.Logger) *Loader {
	l := &Loader{
		onDisplay: make(map[tile.ID]*tile.StackedTile),
		listeners: make(map[uuid.UUID]func(tile.ID)),
		logger:    logger,
	}
	l.cache = cache.NewVolatile(limit, func(id tile.ID, t *tile.StackedTile) {
		l.logger.Debug("Tile evicted", zap.Stringer("tile", id), zap.Int64("bytes", t.NumBytes()))
	})
	return l
}

// Object returns the tile for id and marks it as used in the current
// render pass, promoting it from the volatile cache when needed.
//
// The read-locked lookup covers the common case of a tile already on
// display. Only a miss takes the write lock, and it looks again because
// another goroutine may have promoted the tile in between.
func (l *Loader) Object(id tile.ID) (*tile.StackedTile, error) {
	l.mu.RLock()
	t, ok := l.onDisplay[id]
	if ok {
		t.SetUsed(true)
	}
	l.mu.RUnlock()
	if ok {
		return t, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.onDisplay[id]; ok {
		t.SetUsed(true)
		return t, nil
	}

	t, ok = l.cache.Take(id)
	if !ok {
		l.logger.Debug("Tile requested before it was loaded", zap.Stringer("tile", id))
		return nil, fmt.Errorf("%w: %s", ErrTileNotLoaded, id)
	}
	t.SetUsed(true)
	l.onDisplay[id] = t
	l.promotions++
	return t, nil
}

func (l *Loader) Contains(id tile.ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.onDisplay[id]; ok {
		return true
	}
	return l.cache.Contains(id)
}

// Peek returns the tile for id without promoting it or touching its used
// flag and recency.
func (l *Loader) Peek(id tile.ID) (*tile.StackedTile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if t, ok := l.onDisplay[id]; ok {
		return t, true
	}
	return l.cache.Peek(id)
}

// Generation counts calls to Clear. Loads started before a Clear carry an
// older generation and are dropped by InsertFrom and Show.
func (l *Loader) Generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.generation
}

// Insert stores a freshly decorated tile and notifies tile loaded
// listeners once the tile is visible to other callers.
//
// A tile on display is replaced in place and stays used, anything else
// goes to the volatile cache unused.
func (l *Loader) Insert(id tile.ID, t *tile.StackedTile) {
	l.mu.Lock()
	l.insert(id, t)
	l.mu.Unlock()

	l.notify(id)
}

// InsertFrom is Insert for a tile whose load started at generation. It
// returns false and drops the tile when the loader was cleared since.
func (l *Loader) InsertFrom(generation uint64, id tile.ID, t *tile.StackedTile) bool {
	l.mu.Lock()
	if generation != l.generation {
		l.mu.Unlock()
		l.logger.Debug("Dropping tile loaded before Clear",
			zap.Stringer("tile", id),
			zap.Uint64("generation", generation),
		)
		return false
	}
	l.insert(id, t)
	l.mu.Unlock()

	l.notify(id)
	return true
}

func (l *Loader) insert(id tile.ID, t *tile.StackedTile) {
	if _, ok := l.onDisplay[id]; ok {
		t.SetUsed(true)
		l.onDisplay[id] = t
		return
	}
	t.SetUsed(false)
	l.cache.Add(id, t)
}

// Show puts t on display as used, taking it out of the volatile cache if it
// is there. A render pass uses it for tiles it loaded itself, so they are
// drawn even when the cache could not keep them. Returns false when the
// loader was cleared after generation.
func (l *Loader) Show(generation uint64, id tile.ID, t *tile.StackedTile) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if generation != l.generation {
		return false
	}
	l.cache.Take(id)
	t.SetUsed(true)
	l.onDisplay[id] = t
	return true
}

// Remove drops the tile from whichever container holds it.
func (l *Loader) Remove(id tile.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.onDisplay, id)
	l.cache.Remove(id)
}

// ResetTilehash starts a render pass by marking every displayed tile as
// unused. Level zero tiles stay pinned.
func (l *Loader) ResetTilehash() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, t := range l.onDisplay {
		if id.IsLevelZero() {
			continue
		}
		t.SetUsed(false)
	}
}

// CleanupTilehash ends a render pass by moving every tile that was not
// requested since ResetTilehash into the volatile cache.
func (l *Loader) CleanupTilehash() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, t := range l.onDisplay {
		if t.Used() {
			continue
		}
		if id.IsLevelZero() {
			l.logger.Warn("Level zero tile marked unused, keeping it on display", zap.Stringer("tile", id))
			t.SetUsed(true)
			continue
		}
		delete(l.onDisplay, id)
		l.cache.Add(id, t)
		l.demotions++
	}
}

func (l *Loader) SetVolatileCacheLimit(bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.SetLimit(bytes)
	l.logger.Info("Volatile cache limit changed",
		zap.Int64("limit_bytes", l.cache.Limit()),
		zap.Int64("cached_bytes", l.cache.Cost()),
	)
}

func (l *Loader) VolatileCacheLimit() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.cache.Limit()
}

// Clear drops every tile and seeds the display with freshly built level
// zero tiles. Tiles are built before the lock is taken. Tiles that fail to
// build are left out and their errors are returned together. Loads still
// in flight are invalidated.
func (l *Loader) Clear(source LevelZeroSource) error {
	stackID := source.StackID()
	cols := source.TileColumnCount(0)
	rows := source.TileRowCount(0)

	var errs error
	seeded := make(map[tile.ID]*tile.StackedTile, cols*rows)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			id := tile.NewID(stackID, 0, x, y)
			t, err := source.LoadTile(id)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("level zero tile %s: %w", id, err))
				continue
			}
			t.SetUsed(true)
			seeded[id] = t
		}
	}

	l.mu.Lock()
	l.onDisplay = seeded
	l.cache.Purge()
	l.generation++
	l.mu.Unlock()

	l.logger.Info("Tile loader cleared",
		zap.Uint32("stack_id", stackID),
		zap.Int("level_zero_tiles", len(seeded)),
	)
	return errs
}

// VisibleTiles returns the ids currently on display in ascending order.
func (l *Loader) VisibleTiles() []tile.ID {
	l.mu.RLock()
	ids := make([]tile.ID, 0, len(l.onDisplay))
	for id := range l.onDisplay {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	slices.SortFunc(ids, tile.ID.Compare)
	return ids
}

// CachedTiles returns the ids in the volatile cache, least recently used
// first.
func (l *Loader) CachedTiles() []tile.ID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.cache.Keys()
}

func (l *Loader) TileCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.onDisplay) + l.cache.Len()
}

func (l *Loader) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		OnDisplay:   len(l.onDisplay),
		Cached:      l.cache.Len(),
		CachedBytes: l.cache.Cost(),
		PeakBytes:   l.cache.PeakCost(),
		LimitBytes:  l.cache.Limit(),
		Evictions:   l.cache.Evictions(),
		Promotions:  l.promotions,
		Demotions:   l.demotions,
	}
}

// OnTileLoaded registers fn to be called after every Insert. Callbacks run
// on the inserting goroutine, outside the loader's lock.
func (l *Loader) OnTileLoaded(fn func(tile.ID)) uuid.UUID {
	id := uuid.New()

	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()

	l.listeners[id] = fn
	return id
}

func (l *Loader) Unsubscribe(id uuid.UUID) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()

	delete(l.listeners, id)
}

func (l *Loader) notify(id tile.ID) {
	l.listenersMu.RLock()
	fns := make([]func(tile.ID), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(id)
	}
}
