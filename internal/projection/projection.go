// Package projection describes how the globe is cut into tiles at each
// zoom level.
package projection

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Projection maps geographic coordinates onto the tile grid. The grid at
// zoom z has LevelZeroColumns()<<z columns and LevelZeroRows()<<z rows.
type Projection interface {
	Name() string
	LevelZeroColumns() int
	LevelZeroRows() int
	// Fraction returns the fractional tile coordinates of ll at zoom.
	Fraction(ll orb.Point, zoom int) orb.Point
	// TileBound returns the geographic extent of one tile.
	TileBound(zoom, x, y int) orb.Bound
}

func ByName(name string) (Projection, error) {
	switch name {
	case "equirectangular", "":
		return Equirectangular{}, nil
	case "mercator":
		return Mercator{}, nil
	default:
		return nil, fmt.Errorf("unknown projection: %s (supported: equirectangular, mercator)", name)
	}
}

func ColumnCount(p Projection, zoom int) int {
	return p.LevelZeroColumns() << zoom
}

func RowCount(p Projection, zoom int) int {
	return p.LevelZeroRows() << zoom
}

// Equirectangular is the plate carrée grid used by globe texture themes:
// two square tiles side by side cover the world at level zero.
type Equirectangular struct{}

func (Equirectangular) Name() string          { return "equirectangular" }
func (Equirectangular) LevelZeroColumns() int { return 2 }
func (Equirectangular) LevelZeroRows() int    { return 1 }

func (e Equirectangular) Fraction(ll orb.Point, zoom int) orb.Point {
	cols := float64(ColumnCount(e, zoom))
	rows := float64(RowCount(e, zoom))
	lat := math.Max(-90, math.Min(90, ll.Lat()))
	return orb.Point{
		(ll.Lon() + 180) / 360 * cols,
		(90 - lat) / 180 * rows,
	}
}

func (e Equirectangular) TileBound(zoom, x, y int) orb.Bound {
	lonStep := 360 / float64(ColumnCount(e, zoom))
	latStep := 180 / float64(RowCount(e, zoom))
	return orb.Bound{
		Min: orb.Point{-180 + float64(x)*lonStep, 90 - float64(y+1)*latStep},
		Max: orb.Point{-180 + float64(x+1)*lonStep, 90 - float64(y)*latStep},
	}
}

// Mercator is the web mercator grid with a single tile at level zero.
type Mercator struct{}

func (Mercator) Name() string          { return "mercator" }
func (Mercator) LevelZeroColumns() int { return 1 }
func (Mercator) LevelZeroRows() int    { return 1 }

func (Mercator) Fraction(ll orb.Point, zoom int) orb.Point {
	return maptile.Fraction(ll, maptile.Zoom(zoom))
}

func (Mercator) TileBound(zoom, x, y int) orb.Bound {
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(zoom)).Bound()
}
