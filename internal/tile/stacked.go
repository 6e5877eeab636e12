package tile

import (
	"image"
	"sync/atomic"
)

// StackedTile is a composited, displayable tile. The image is never
// modified after construction, so the byte cost stays stable for the
// tile's lifetime. Only the usage flag changes.
type StackedTile struct {
	id       ID
	image    *image.RGBA
	numBytes int64
	used     atomic.Bool
}

// New wraps a composited image. The tile starts unused.
func New(id ID, img *image.RGBA) *StackedTile {
	return &StackedTile{
		id:       id,
		image:    img,
		numBytes: int64(len(img.Pix)),
	}
}

func (t *StackedTile) ID() ID {
	return t.id
}

func (t *StackedTile) Image() *image.RGBA {
	return t.image
}

// NumBytes is the cost charged against the volatile cache limit.
func (t *StackedTile) NumBytes() int64 {
	return t.numBytes
}

func (t *StackedTile) Used() bool {
	return t.used.Load()
}

// SetUsed is safe to call while other goroutines read the tile.
func (t *StackedTile) SetUsed(used bool) {
	t.used.Store(used)
}

