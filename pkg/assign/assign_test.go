package assign

import (
	"context"
	"testing"

	"github.com/kestrelwm/scanoutd/pkg/element"
	"github.com/kestrelwm/scanoutd/pkg/frame"
	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
	"github.com/kestrelwm/scanoutd/pkg/plane"
	"github.com/stretchr/testify/require"
)

func TestBackgroundMatchesBlackOrTransparent(t *testing.T) {
	require.True(t, backgroundMatches([4]float32{0, 0, 0, 1}))
	require.True(t, backgroundMatches([4]float32{1, 1, 1, 0}))
	require.False(t, backgroundMatches([4]float32{1, 0, 0, 1}))
}

func TestPruneVisibilityDropsFullyCoveredElements(t *testing.T) {
	e := &Engine{}
	back := element.Element{
		ID:     1,
		Dst:    geom.Rect{Size: geom.Size{W: 100, H: 100}},
		Alpha:  1,
		Opaque: []geom.Rect{{Size: geom.Size{W: 100, H: 100}}},
	}
	hidden := element.Element{
		ID:  2,
		Dst: geom.Rect{Size: geom.Size{W: 50, H: 50}},
	}
	kept := e.pruneVisibility([]element.Element{back, hidden}, geom.Size{W: 100, H: 100})
	require.Len(t, kept, 1)
	require.Equal(t, element.ID(1), kept[0].el.ID)
	require.True(t, kept[0].opaque)
}

func TestPruneVisibilityKeepsPartiallyVisibleElement(t *testing.T) {
	e := &Engine{}
	back := element.Element{
		ID:     1,
		Dst:    geom.Rect{Size: geom.Size{W: 100, H: 100}},
		Alpha:  1,
		Opaque: []geom.Rect{{Size: geom.Size{W: 50, H: 100}}},
	}
	front := element.Element{
		ID:  2,
		Dst: geom.Rect{Loc: geom.Point{X: 60, Y: 0}, Size: geom.Size{W: 20, H: 20}},
	}
	kept := e.pruneVisibility([]element.Element{back, front}, geom.Size{W: 100, H: 100})
	require.Len(t, kept, 2)
}

func TestOverlapsUnderlayOnlyChecksUnderlays(t *testing.T) {
	dst := geom.Rect{Size: geom.Size{W: 10, H: 10}}
	assigned := []assignment{
		{el: element.Element{Dst: dst}, underlay: false},
	}
	require.False(t, overlapsUnderlay(dst, assigned))

	assigned[0].underlay = true
	require.True(t, overlapsUnderlay(dst, assigned))
}

func TestReconcileDisablesNonPrimaryAndReordersByZIndex(t *testing.T) {
	surf := &recordingSurface{failFirst: true}
	set := testPlaneSet()
	fs := frame.FromPlanes(set)

	e := &Engine{Planes: set, Surface: surf}

	assigned := []assignment{
		{plane: set.Primary.Handle, zpos: set.Primary.Zpos, el: element.Element{ID: 1}},
		{plane: set.Overlay[0].Handle, zpos: set.Overlay[0].Zpos, el: element.Element{ID: 2, Dst: geom.Rect{Size: geom.Size{W: 5, H: 5}}}},
		{plane: set.Overlay[1].Handle, zpos: set.Overlay[1].Zpos, el: element.Element{ID: 3, Dst: geom.Rect{Size: geom.Size{W: 5, H: 5}}}},
	}
	require.NoError(t, fs.SetState(set.Overlay[0].Handle, &frame.Config{}))
	require.NoError(t, fs.SetState(set.Overlay[1].Handle, &frame.Config{}))

	var primaryElements []element.Element
	err := e.reconcile(context.Background(), fs, nil, &assigned, &primaryElements)
	require.NoError(t, err)

	require.Len(t, assigned, 1) // only primary survives
	require.Len(t, primaryElements, 2)
	// lower zpos (overlay[1], zpos -1) sorted ascending before overlay[0] (zpos 10)
	require.Equal(t, element.ID(3), primaryElements[0].ID)
	require.Equal(t, element.ID(2), primaryElements[1].ID)
}

// --- test fixtures ---

func testPlaneSet() plane.Set {
	return plane.NewSet(
		plane.Info{Handle: 1, Type: kms.PlaneTypePrimary, Zpos: 0},
		nil,
		[]plane.Info{
			{Handle: 2, Type: kms.PlaneTypeOverlay, Zpos: 10},
			{Handle: 3, Type: kms.PlaneTypeOverlay, Zpos: -1},
		},
		false,
	)
}

type recordingSurface struct {
	calls     int
	failFirst bool
}

func (s *recordingSurface) TestState(ctx context.Context, states []kms.PlaneWireState, allowModeset bool) error {
	s.calls++
	if s.failFirst && s.calls == 1 {
		return errAtomicTestFailed
	}
	return nil
}
func (s *recordingSurface) Commit(ctx context.Context, states []kms.PlaneWireState, event any) error {
	return nil
}
func (s *recordingSurface) PageFlip(ctx context.Context, states []kms.PlaneWireState, event any) error {
	return nil
}
func (s *recordingSurface) ClaimPlane(p kms.PlaneID) (kms.Claim, bool)       { return nil, false }
func (s *recordingSurface) PlaneHasProperty(p kms.PlaneID, name string) bool { return false }
func (s *recordingSurface) DriverCapability(c kms.DriverCapability) int64   { return 0 }
func (s *recordingSurface) IsActive() bool                                  { return true }
func (s *recordingSurface) IsLegacy() bool                                  { return false }
func (s *recordingSurface) CommitPending() bool                             { return false }
func (s *recordingSurface) CurrentMode() kms.Mode                           { return kms.Mode{} }
func (s *recordingSurface) PendingMode() kms.Mode                           { return kms.Mode{} }
func (s *recordingSurface) UseMode(m kms.Mode) error                        { return nil }
func (s *recordingSurface) AddConnector(c kms.ConnectorID) error            { return nil }
func (s *recordingSurface) RemoveConnector(c kms.ConnectorID) error         { return nil }
func (s *recordingSurface) SetConnectors(cs []kms.ConnectorID) error        { return nil }
func (s *recordingSurface) ResetState()                                     {}
func (s *recordingSurface) DeviceFD() kms.DeviceFD                          { return nil }

var errAtomicTestFailed = errTestFailed{}

type errTestFailed struct{}

func (errTestFailed) Error() string { return "atomic test failed" }
