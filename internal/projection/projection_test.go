package projection

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: "equirectangular"},
		{name: "equirectangular", want: "equirectangular"},
		{name: "mercator", want: "mercator"},
		{name: "gnomonic", wantErr: true},
	}

	for _, tt := range tests {
		p, err := ByName(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ByName(%q): expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ByName(%q): %v", tt.name, err)
			continue
		}
		if p.Name() != tt.want {
			t.Errorf("ByName(%q) = %s, want %s", tt.name, p.Name(), tt.want)
		}
	}
}

func TestGridSize(t *testing.T) {
	e := Equirectangular{}
	if ColumnCount(e, 0) != 2 || RowCount(e, 0) != 1 {
		t.Errorf("equirectangular level zero must be 2x1, got %dx%d", ColumnCount(e, 0), RowCount(e, 0))
	}
	if ColumnCount(e, 3) != 16 || RowCount(e, 3) != 8 {
		t.Errorf("equirectangular zoom 3 must be 16x8, got %dx%d", ColumnCount(e, 3), RowCount(e, 3))
	}

	m := Mercator{}
	if ColumnCount(m, 0) != 1 || RowCount(m, 4) != 16 {
		t.Errorf("unexpected mercator grid %dx%d", ColumnCount(m, 0), RowCount(m, 4))
	}
}

func TestEquirectangularFraction(t *testing.T) {
	e := Equirectangular{}
	tests := []struct {
		ll     orb.Point
		zoom   int
		wx, wy float64
	}{
		{orb.Point{-180, 90}, 0, 0, 0},
		{orb.Point{0, 0}, 0, 1, 0.5},
		{orb.Point{180, -90}, 1, 4, 2},
		{orb.Point{90, 45}, 2, 6, 1},
		{orb.Point{0, 120}, 0, 1, 0},
	}

	for _, tt := range tests {
		got := e.Fraction(tt.ll, tt.zoom)
		if !near(got.X(), tt.wx) || !near(got.Y(), tt.wy) {
			t.Errorf("Fraction(%v, %d) = %v, want (%v, %v)", tt.ll, tt.zoom, got, tt.wx, tt.wy)
		}
	}
}

func TestEquirectangularTileBound(t *testing.T) {
	e := Equirectangular{}
	b := e.TileBound(0, 1, 0)
	if !near(b.Min.Lon(), 0) || !near(b.Max.Lon(), 180) || !near(b.Min.Lat(), -90) || !near(b.Max.Lat(), 90) {
		t.Errorf("unexpected bound for 0/1/0: %v", b)
	}

	// The tile bound contains the point whose fraction falls in the tile.
	f := e.Fraction(b.Center(), 0)
	if int(f.X()) != 1 || int(f.Y()) != 0 {
		t.Errorf("center of 0/1/0 maps to %v", f)
	}
}

func TestMercator(t *testing.T) {
	m := Mercator{}
	f := m.Fraction(orb.Point{0, 0}, 1)
	if !near(f.X(), 1) || !near(f.Y(), 1) {
		t.Errorf("expected (1,1) at zoom 1, got %v", f)
	}

	b := m.TileBound(1, 0, 0)
	if !near(b.Min.Lon(), -180) || !near(b.Max.Lon(), 0) {
		t.Errorf("unexpected longitude span %v", b)
	}
	if b.Max.Lat() < 85 || !near(b.Min.Lat(), 0) {
		t.Errorf("unexpected latitude span %v", b)
	}
}
