package tile

import (
	"image"
	"slices"
	"testing"
)

func TestIDOrdering(t *testing.T) {
	ids := []ID{
		NewID(1, 0, 0, 0),
		NewID(0, 2, 1, 1),
		NewID(0, 2, 0, 1),
		NewID(0, 2, 3, 0),
		NewID(0, 1, 5, 5),
	}
	slices.SortFunc(ids, ID.Compare)

	want := []ID{
		NewID(0, 1, 5, 5),
		NewID(0, 2, 3, 0),
		NewID(0, 2, 0, 1),
		NewID(0, 2, 1, 1),
		NewID(1, 0, 0, 0),
	}
	if !slices.Equal(ids, want) {
		t.Errorf("unexpected order %v", ids)
	}
	if !want[0].Less(want[1]) || want[1].Less(want[0]) {
		t.Error("Less disagrees with Compare")
	}
	if want[2].Compare(NewID(0, 2, 0, 1)) != 0 {
		t.Error("equal ids must compare as 0")
	}
}

func TestIDAsMapKey(t *testing.T) {
	m := map[ID]int{NewID(3, 4, 5, 6): 1}
	if m[ID{StackID: 3, Zoom: 4, X: 5, Y: 6}] != 1 {
		t.Error("ids with equal fields must hash equal")
	}
	if NewID(3, 4, 5, 6).String() != "3/4/5/6" {
		t.Errorf("unexpected string %s", NewID(3, 4, 5, 6))
	}
	if !NewID(9, 0, 1, 0).IsLevelZero() || NewID(9, 1, 0, 0).IsLevelZero() {
		t.Error("IsLevelZero mismatch")
	}
}

func TestStackedTile(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	st := New(NewID(0, 1, 1, 0), img)

	if st.NumBytes() != 16*8*4 {
		t.Errorf("expected %d bytes, got %d", 16*8*4, st.NumBytes())
	}
	if st.Used() {
		t.Error("new tiles start unused")
	}
	st.SetUsed(true)
	if !st.Used() {
		t.Error("expected used after SetUsed(true)")
	}
	if st.Image() != img {
		t.Error("expected the wrapped image")
	}
}
