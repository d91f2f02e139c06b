package plane

import (
	"testing"

	"github.com/kestrelwm/scanoutd/pkg/kms"
)

func TestNewSetSortsOverlaysFrontToBack(t *testing.T) {
	overlay := []Info{
		{Handle: 1, Zpos: 2},
		{Handle: 2, Zpos: 9},
		{Handle: 3, Zpos: 5},
	}
	s := NewSet(Info{Handle: 0, Zpos: 4}, nil, overlay, false)
	if len(s.Overlay) != 3 {
		t.Fatalf("expected 3 overlays, got %d", len(s.Overlay))
	}
	for i := 0; i+1 < len(s.Overlay); i++ {
		if s.Overlay[i].Zpos < s.Overlay[i+1].Zpos {
			t.Fatalf("overlays not front-to-back: %+v", s.Overlay)
		}
	}
}

func TestNewSetLegacyDropsCursorAndOverlay(t *testing.T) {
	cursor := Info{Handle: 99}
	s := NewSet(Info{Handle: 0}, &cursor, []Info{{Handle: 1}}, true)
	if s.Cursor != nil || len(s.Overlay) != 0 {
		t.Fatalf("legacy controller should have no cursor/overlay planes: %+v", s)
	}
}

func TestFormatSetIntersectLinearFallback(t *testing.T) {
	a := FormatSet{1: {kms.Invalid}}
	b := FormatSet{1: {kms.Linear}}
	got := a.Intersect(b)
	if !got.Has(kms.FormatModifier{Format: 1, Modifier: kms.Linear}) {
		t.Fatalf("expected Linear fallback intersection, got %+v", got)
	}
}

func TestFormatSetIntersectNoSharedFormat(t *testing.T) {
	a := FormatSet{1: {kms.Linear}}
	b := FormatSet{2: {kms.Linear}}
	if got := a.Intersect(b); !got.Empty() {
		t.Fatalf("expected empty intersection, got %+v", got)
	}
}

func TestIsUnderlay(t *testing.T) {
	s := Set{Primary: Info{Zpos: 5}}
	if !s.IsUnderlay(3) {
		t.Fatal("zpos below primary should be underlay")
	}
	if s.IsUnderlay(7) {
		t.Fatal("zpos above primary should not be underlay")
	}
}
