package tile

import (
	"cmp"
	"fmt"
)

// ID addresses one stacked tile. StackID identifies the set of source
// layers the tile was composited from, so tiles of different themes never
// collide in the same cache.
type ID struct {
	StackID uint32 `json:"stack_id"`
	Zoom    int    `json:"zoom"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
}

func NewID(stackID uint32, zoom, x, y int) ID {
	return ID{StackID: stackID, Zoom: zoom, X: x, Y: y}
}

// Compare orders ids by stack, zoom level, row and column.
func (id ID) Compare(other ID) int {
	if c := cmp.Compare(id.StackID, other.StackID); c != 0 {
		return c
	}
	if c := cmp.Compare(id.Zoom, other.Zoom); c != 0 {
		return c
	}
	if c := cmp.Compare(id.Y, other.Y); c != 0 {
		return c
	}
	return cmp.Compare(id.X, other.X)
}

func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// IsLevelZero reports whether the tile belongs to the whole-globe base grid.
func (id ID) IsLevelZero() bool {
	return id.Zoom == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", id.StackID, id.Zoom, id.X, id.Y)
}
