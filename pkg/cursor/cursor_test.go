package cursor

import (
	"testing"

	"github.com/kestrelwm/scanoutd/pkg/element"
	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
	"github.com/stretchr/testify/require"
)

func baseElement() element.Element {
	return element.Element{
		ID:     1,
		Commit: 5,
		Src:    geom.RectF{W: 32, H: 32},
		Dst:    geom.Rect{Size: geom.Size{W: 32, H: 32}},
		Storage: element.CPUMemory{
			Data:   make([]byte, 32*32*4),
			Stride: 32 * 4,
			Format: 1,
		},
	}
}

func TestDecideSkipWhenUnchanged(t *testing.T) {
	e := baseElement()
	props := element.PropertiesOf(e, 1)
	prev := &Snapshot{Element: e.ID, Commit: e.Commit, Properties: props}

	require.Equal(t, DecisionSkip, Decide(prev, e, props))
}

func TestDecideRepositionWhenOnlyDstMoves(t *testing.T) {
	e := baseElement()
	prevProps := element.PropertiesOf(e, 1)
	prev := &Snapshot{Element: e.ID, Commit: e.Commit, Properties: prevProps}

	e.Dst.Loc = geom.Point{X: 10, Y: 10}
	newProps := element.PropertiesOf(e, 1)

	require.Equal(t, DecisionReposition, Decide(prev, e, newProps))
}

func TestDecideRenderOnNewElement(t *testing.T) {
	e := baseElement()
	props := element.PropertiesOf(e, 1)
	require.Equal(t, DecisionRender, Decide(nil, e, props))

	prev := &Snapshot{Element: 99, Commit: e.Commit, Properties: props}
	require.Equal(t, DecisionRender, Decide(prev, e, props))
}

func TestNeedsTestFalseWhenCompatible(t *testing.T) {
	e := baseElement()
	props := element.PropertiesOf(e, 1)
	prev := &Snapshot{Element: e.ID, Commit: e.Commit, Properties: props}
	require.False(t, NeedsTest(prev, props))
}

func TestNeedsTestTrueWhenIncompatible(t *testing.T) {
	e := baseElement()
	props := element.PropertiesOf(e, 1)
	prev := &Snapshot{Element: e.ID, Commit: e.Commit, Properties: props}

	props.Alpha = 0.5
	require.True(t, NeedsTest(prev, props))
}

func TestFastCopyEligible(t *testing.T) {
	e := baseElement()
	require.True(t, FastCopyEligible(e, geom.TransformNormal, 1))

	e.Transform = geom.Transform90
	require.False(t, FastCopyEligible(e, geom.TransformNormal, 1))

	e2 := baseElement()
	require.False(t, FastCopyEligible(e2, geom.Transform90, 1))

	e3 := baseElement()
	require.False(t, FastCopyEligible(e3, geom.TransformNormal, 2))
}

func TestCopyMatchingStrides(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 4)
	require.NoError(t, Copy(dst, 2, src, 2, 2))
	require.Equal(t, src, dst)
}

func TestCopyRowByRowDifferentStrides(t *testing.T) {
	src := []byte{1, 2, 0, 0, 3, 4, 0, 0} // stride 4, width 2, 2 rows
	dst := make([]byte, 4)                // stride 2, width 2, 2 rows
	require.NoError(t, Copy(dst, 2, src, 4, 2))
	require.Equal(t, []byte{1, 2, 3, 4}, dst)
}

func TestCopyShortSource(t *testing.T) {
	src := []byte{1, 2}
	dst := make([]byte, 4)
	require.ErrorIs(t, Copy(dst, 2, src, 2, 2), ErrShortSource)
}

type fakeFB struct {
	id     uint64
	closed bool
}

func (f *fakeFB) ID() uint64   { return f.id }
func (f *fakeFB) Close() error { f.closed = true; return nil }

func TestSpriteCachePutGetPrune(t *testing.T) {
	c := NewCache()
	f1 := &fakeFB{id: 1}
	c.Put(1, 5, f1)

	got, ok := c.Get(1, 5)
	require.True(t, ok)
	require.Same(t, kms.FramebufferHandle(f1), got)

	_, ok = c.Get(1, 6)
	require.False(t, ok)

	c.Prune(func(id element.ID) bool { return false })
	require.True(t, f1.closed)
	_, ok = c.Get(1, 5)
	require.False(t, ok)
}

func TestSpriteCachePutClosesStaleEntry(t *testing.T) {
	c := NewCache()
	f1 := &fakeFB{id: 1}
	f2 := &fakeFB{id: 2}
	c.Put(1, 5, f1)
	c.Put(1, 6, f2)

	require.True(t, f1.closed)
	require.False(t, f2.closed)
}
