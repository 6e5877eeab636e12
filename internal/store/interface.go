package store

import "tilestack/internal/tile"

// Store keeps encoded stacked tiles across loader evictions and restarts,
// so a tile that fell out of the volatile cache is decoded instead of
// composited again.
type Store interface {
	Get(id tile.ID) ([]byte, bool)
	Set(id tile.ID, value []byte)
	Has(id tile.ID) bool // Check if tile exists without reading it (lightweight check)
	Clear()
	Enabled() bool // False when tiles are never kept, so callers can skip encoding
}
