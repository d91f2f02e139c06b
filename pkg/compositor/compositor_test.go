package compositor

import (
	"context"
	"testing"

	"github.com/kestrelwm/scanoutd/pkg/damage"
	"github.com/kestrelwm/scanoutd/pkg/element"
	"github.com/kestrelwm/scanoutd/pkg/fb"
	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
	"github.com/kestrelwm/scanoutd/pkg/plane"
	"github.com/kestrelwm/scanoutd/pkg/swapchain"
	"github.com/stretchr/testify/require"
)

const (
	formatXRGB8888 kms.Format = 0x34325258
	formatARGB8888 kms.Format = 0x34325241
)

var outputSize = geom.Size{W: 1920, H: 1080}
var mode = kms.Mode{Width: 1920, Height: 1080, RefreshMilliHz: 60000}

// --- plane topologies shared by the scenarios below ---

func onePrimaryOneCursorOneOverlay() plane.Set {
	return plane.NewSet(
		plane.Info{Handle: 1, Type: kms.PlaneTypePrimary, Zpos: 0, Formats: plane.FormatSet{formatXRGB8888: {kms.Linear}, formatARGB8888: {kms.Linear}}},
		&plane.Info{Handle: 2, Type: kms.PlaneTypeCursor, Zpos: 100, Formats: plane.FormatSet{formatARGB8888: {kms.Linear}}},
		[]plane.Info{
			{Handle: 3, Type: kms.PlaneTypeOverlay, Zpos: 10, Formats: plane.FormatSet{formatARGB8888: {kms.Linear}}},
		},
		false,
	)
}

func newHarness(t *testing.T, surf *fakeSurface, planes plane.Set) *Compositor {
	t.Helper()
	return New(Config{
		Surface:           surf,
		Planes:            planes,
		Allocator:         &fakeAllocator{},
		Exporter:          fakeExporter{},
		Renderer:          &fakeRenderer{},
		Tracker:           damage.Null{},
		SwapchainCapacity: 3,
		SwapchainFormat:   formatXRGB8888,
		CursorSize:        geom.Size{W: 64, H: 64},
		OutputTransform:   geom.TransformNormal,
	})
}

func clientBufferElement(id element.ID, commit element.CommitCounter, dst geom.Rect, format kms.Format, opaque bool, cursor bool) element.Element {
	el := element.Element{
		ID:        id,
		Commit:    commit,
		Src:       geom.RectF{W: float64(dst.Size.W), H: float64(dst.Size.H)},
		Dst:       dst,
		Alpha:     1,
		Transform: geom.TransformNormal,
		Storage:   element.ClientBuffer{Buffer: &fakeBuffer{id: uint64(id), format: format}},
		Cursor:    cursor,
	}
	if opaque {
		el.Opaque = []geom.Rect{dst}
	}
	return el
}

// TestFullscreenOpaqueVideo: a single fullscreen opaque client buffer scans
// out directly on the primary plane with no renderer composition at all.
func TestFullscreenOpaqueVideo(t *testing.T) {
	surf := newFakeSurface(mode)
	c := newHarness(t, surf, onePrimaryOneCursorOneOverlay())
	ctx := context.Background()

	video := clientBufferElement(1, 1, geom.Rect{Size: outputSize}, formatXRGB8888, true, false)

	res, err := c.RenderFrame(ctx, []element.Element{video}, outputSize, [4]float32{0, 0, 0, 1})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Empty(t, res.PrimaryElements)

	ps, ok := res.Frame.Get(1)
	require.True(t, ok)
	require.NotNil(t, ps.Config)
	require.True(t, ps.Config.DirectScanout)
	require.Nil(t, ps.Config.Slot)

	require.NoError(t, c.QueueFrame(ctx, "frame0"))
	require.Equal(t, 1, surf.pageFlipCalls)
	// one TestStateComplete from reconciliation inside RenderFrame, one more
	// from submit's resetPending full test before the flip.
	require.Equal(t, 2, surf.testCalls)

	userData, err := c.FrameSubmitted(ctx)
	require.NoError(t, err)
	require.Equal(t, "frame0", userData)
}

// TestPruneDropsDeadElementInstances: Prune forwards to the Element State
// Cache, so an instance for an element the host no longer considers alive
// loses its memoised failed-planes mask along with everything else about it.
func TestPruneDropsDeadElementInstances(t *testing.T) {
	surf := newFakeSurface(mode)
	c := newHarness(t, surf, onePrimaryOneCursorOneOverlay())

	props := element.Properties{Format: formatXRGB8888, Dst: geom.Rect{Size: outputSize}}
	inst := c.engine.Cache.Lookup(1, props, 0)
	inst.FailedMask = 1

	c.Prune(func(element.ID) bool { return false }, func(fb.BufferID) bool { return false })

	fresh := c.engine.Cache.Lookup(1, props, 0)
	require.Equal(t, element.PlaneMask(0), fresh.FailedMask)
}

// TestCursorOverDesktop: the backmost fullscreen opaque element scans out
// directly on the primary plane while a small cursor element in front of it
// gets its own cursor-plane placement via the fast-copy path.
func TestCursorOverDesktop(t *testing.T) {
	surf := newFakeSurface(mode)
	c := newHarness(t, surf, onePrimaryOneCursorOneOverlay())
	ctx := context.Background()

	desktop := clientBufferElement(1, 1, geom.Rect{Size: outputSize}, formatXRGB8888, true, false)
	cursorDst := geom.Rect{Loc: geom.Point{X: 100, Y: 100}, Size: geom.Size{W: 32, H: 32}}
	cursorEl := clientBufferElement(2, 1, cursorDst, formatARGB8888, false, true)

	// Elements are supplied front-to-back: the cursor sits on top of the
	// desktop, so the desktop (the last/backmost element) is the one
	// eligible for direct primary scanout.
	res, err := c.RenderFrame(ctx, []element.Element{cursorEl, desktop}, outputSize, [4]float32{0, 0, 0, 1})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Empty(t, res.PrimaryElements)

	primary, ok := res.Frame.Get(1)
	require.True(t, ok)
	require.NotNil(t, primary.Config)
	require.True(t, primary.Config.DirectScanout)

	cursorState, ok := res.Frame.Get(2)
	require.True(t, ok)
	require.NotNil(t, cursorState.Config)
	require.False(t, cursorState.Config.DirectScanout)
	require.Equal(t, element.ID(2), cursorState.Config.Element)

	require.NoError(t, c.QueueFrame(ctx, "cursor-frame"))
	_, err = c.FrameSubmitted(ctx)
	require.NoError(t, err)
}

// TestOverlappingOverlaysFallback: two overlay-eligible elements contend for
// the topology's single overlay plane; the one that loses falls back to
// renderer composition on the primary plane alongside the CPU-backed
// background.
func TestOverlappingOverlaysFallback(t *testing.T) {
	surf := newFakeSurface(mode)
	c := newHarness(t, surf, onePrimaryOneCursorOneOverlay())
	ctx := context.Background()

	dst := geom.Rect{Loc: geom.Point{X: 0, Y: 0}, Size: geom.Size{W: 200, H: 200}}
	front := clientBufferElement(1, 1, dst, formatARGB8888, false, false)
	back := clientBufferElement(2, 1, dst, formatARGB8888, false, false)
	// A background that cannot scan out or go to an overlay directly
	// (CPU-rendered, not a client buffer), forcing it through the
	// renderer every frame regardless of overlay contention.
	background := element.Element{
		ID:     3,
		Commit: 1,
		Dst:    geom.Rect{Size: outputSize},
		Alpha:  1,
		Opaque: []geom.Rect{{Size: outputSize}},
		Storage: element.CPUMemory{
			Data:   make([]byte, 64),
			Stride: 8,
			Format: formatXRGB8888,
		},
	}

	res, err := c.RenderFrame(ctx, []element.Element{front, back, background}, outputSize, [4]float32{0, 0, 0, 1})
	require.NoError(t, err)
	require.NotNil(t, res)

	overlay, ok := res.Frame.Get(3)
	require.True(t, ok)
	require.NotNil(t, overlay.Config)
	require.Equal(t, element.ID(1), overlay.Config.Element)

	require.Len(t, res.PrimaryElements, 2)
	ids := []element.ID{res.PrimaryElements[0].ID, res.PrimaryElements[1].ID}
	require.Contains(t, ids, element.ID(2))
	require.Contains(t, ids, element.ID(3))

	primary, ok := res.Frame.Get(1)
	require.True(t, ok)
	require.NotNil(t, primary.Config)
	require.False(t, primary.Config.DirectScanout)
	require.NotNil(t, primary.Config.Slot)
}

// TestAtomicTestRejectsOverlayPostHoc: a candidate overlay placement passes
// every software check but the controller's atomic test rejects it; the
// engine must fall the element back to primary composition rather than
// failing the whole frame.
func TestAtomicTestRejectsOverlayPostHoc(t *testing.T) {
	surf := newFakeSurface(mode)
	surf.testErr = func(states []kms.PlaneWireState) error {
		if len(states) == 1 && states[0].Plane == 3 && states[0].Enabled {
			return kms.ErrInvalidInput
		}
		return nil
	}
	c := newHarness(t, surf, onePrimaryOneCursorOneOverlay())
	ctx := context.Background()

	dst := geom.Rect{Size: geom.Size{W: 100, H: 100}}
	candidate := clientBufferElement(1, 1, dst, formatARGB8888, false, false)

	// A non-black clear colour keeps the small candidate off the primary
	// plane, so its first placement attempt is the overlay plane.
	res, err := c.RenderFrame(ctx, []element.Element{candidate}, outputSize, [4]float32{0.1, 0.1, 0.1, 1})
	require.NoError(t, err)
	require.NotNil(t, res)

	overlay, ok := res.Frame.Get(3)
	require.True(t, ok)
	require.Nil(t, overlay.Config)

	require.Len(t, res.PrimaryElements, 1)
	require.Equal(t, element.ID(1), res.PrimaryElements[0].ID)

	require.NoError(t, c.QueueFrame(ctx, "post-hoc"))
	_, err = c.FrameSubmitted(ctx)
	require.NoError(t, err)
}

// TestNoDirectScanoutRetryAfterInvalidInput: a page flip of a direct-scanout
// primary configuration is rejected by the controller as invalid input; the
// next frame for the same element must not retry direct scan-out and
// instead falls back to renderer composition.
func TestNoDirectScanoutRetryAfterInvalidInput(t *testing.T) {
	surf := newFakeSurface(mode)
	surf.pageFlipErr = func(call int) error {
		if call == 1 {
			return &kms.ControllerAccessError{Transient: true, Err: kms.ErrInvalidInput}
		}
		return nil
	}
	c := newHarness(t, surf, onePrimaryOneCursorOneOverlay())
	ctx := context.Background()

	video := clientBufferElement(1, 1, geom.Rect{Size: outputSize}, formatXRGB8888, true, false)

	res1, err := c.RenderFrame(ctx, []element.Element{video}, outputSize, [4]float32{0, 0, 0, 1})
	require.NoError(t, err)
	ps1, _ := res1.Frame.Get(1)
	require.True(t, ps1.Config.DirectScanout)

	err = c.QueueFrame(ctx, "attempt1")
	require.Error(t, err)
	require.True(t, kms.IsInvalidInput(err))

	video.Commit++
	res2, err := c.RenderFrame(ctx, []element.Element{video}, outputSize, [4]float32{0, 0, 0, 1})
	require.NoError(t, err)
	ps2, ok := res2.Frame.Get(1)
	require.True(t, ok)
	require.NotNil(t, ps2.Config)
	require.False(t, ps2.Config.DirectScanout)
	require.NotNil(t, ps2.Config.Slot)
	require.Len(t, res2.PrimaryElements, 1)

	require.NoError(t, c.QueueFrame(ctx, "attempt2"))
	_, err = c.FrameSubmitted(ctx)
	require.NoError(t, err)
}

// TestVblankSequencing: a frame queued while another is already pending
// waits as queued_frame and is only submitted once FrameSubmitted retires
// the pending one, exercising the three-slot pipeline end to end.
func TestVblankSequencing(t *testing.T) {
	surf := newFakeSurface(mode)
	c := newHarness(t, surf, onePrimaryOneCursorOneOverlay())
	ctx := context.Background()

	video := clientBufferElement(1, 1, geom.Rect{Size: outputSize}, formatXRGB8888, true, false)

	_, err := c.RenderFrame(ctx, []element.Element{video}, outputSize, [4]float32{0, 0, 0, 1})
	require.NoError(t, err)
	require.NoError(t, c.QueueFrame(ctx, "frame1"))
	require.Equal(t, 1, surf.pageFlipCalls)

	video.Commit++
	_, err = c.RenderFrame(ctx, []element.Element{video}, outputSize, [4]float32{0, 0, 0, 1})
	require.NoError(t, err)
	require.NoError(t, c.QueueFrame(ctx, "frame2"))
	// frame2 must wait: pending_frame is still occupied by frame1.
	require.Equal(t, 1, surf.pageFlipCalls)

	userData, err := c.FrameSubmitted(ctx)
	require.NoError(t, err)
	require.Equal(t, "frame1", userData)
	require.Equal(t, 2, surf.pageFlipCalls)

	userData, err = c.FrameSubmitted(ctx)
	require.NoError(t, err)
	require.Equal(t, "frame2", userData)
}

// --- in-memory fakes standing in for real hardware/GPU collaborators ---

type fakeSurface struct {
	mode   kms.Mode
	active bool

	testErr     func(states []kms.PlaneWireState) error
	pageFlipErr func(call int) error

	testCalls     int
	commitCalls   int
	pageFlipCalls int
}

func newFakeSurface(mode kms.Mode) *fakeSurface { return &fakeSurface{mode: mode, active: true} }

func (s *fakeSurface) TestState(ctx context.Context, states []kms.PlaneWireState, allowModeset bool) error {
	s.testCalls++
	if s.testErr != nil {
		return s.testErr(states)
	}
	return nil
}

func (s *fakeSurface) Commit(ctx context.Context, states []kms.PlaneWireState, event any) error {
	s.commitCalls++
	return nil
}

func (s *fakeSurface) PageFlip(ctx context.Context, states []kms.PlaneWireState, event any) error {
	s.pageFlipCalls++
	if s.pageFlipErr != nil {
		return s.pageFlipErr(s.pageFlipCalls)
	}
	return nil
}

func (s *fakeSurface) ClaimPlane(p kms.PlaneID) (kms.Claim, bool)       { return nil, false }
func (s *fakeSurface) PlaneHasProperty(p kms.PlaneID, name string) bool { return false }
func (s *fakeSurface) DriverCapability(c kms.DriverCapability) int64    { return 0 }
func (s *fakeSurface) IsActive() bool                                   { return s.active }
func (s *fakeSurface) IsLegacy() bool                                   { return false }
func (s *fakeSurface) CommitPending() bool                              { return false }
func (s *fakeSurface) CurrentMode() kms.Mode                            { return s.mode }
func (s *fakeSurface) PendingMode() kms.Mode                            { return s.mode }
func (s *fakeSurface) UseMode(m kms.Mode) error                         { s.mode = m; return nil }
func (s *fakeSurface) AddConnector(c kms.ConnectorID) error             { return nil }
func (s *fakeSurface) RemoveConnector(c kms.ConnectorID) error          { return nil }
func (s *fakeSurface) SetConnectors(cs []kms.ConnectorID) error         { return nil }
func (s *fakeSurface) ResetState()                                     {}
func (s *fakeSurface) DeviceFD() kms.DeviceFD                          { return nil }

type fakeBuffer struct {
	id     uint64
	format kms.Format
}

func (b *fakeBuffer) ID() fb.BufferID       { return fb.BufferID(b.id) }
func (b *fakeBuffer) Format() kms.Format     { return b.format }
func (b *fakeBuffer) Modifier() kms.Modifier { return kms.Linear }

type fakeAllocator struct{ next uint64 }

func (a *fakeAllocator) Allocate(m kms.Mode, format kms.Format, modifiers []kms.Modifier) (swapchain.Buffer, error) {
	a.next++
	return &fakeBuffer{id: a.next + 10000, format: format}, nil
}

type fakeExporter struct{}

func (fakeExporter) Export(dev kms.DeviceFD, buf fb.Buffer, useOpaque bool) (kms.FramebufferHandle, error) {
	return &fakeHandle{id: uint64(buf.ID())}, nil
}

type fakeHandle struct{ id uint64 }

func (h *fakeHandle) ID() uint64   { return h.id }
func (h *fakeHandle) Close() error { return nil }

type fakeRenderer struct{ debugFlags uint32 }

func (r *fakeRenderer) Render(size geom.Size, transform geom.Transform) (kms.RenderFrame, error) {
	return &fakeRenderFrame{}, nil
}
func (r *fakeRenderer) SetDebugFlags(flags uint32) { r.debugFlags = flags }
func (r *fakeRenderer) DebugFlags() uint32         { return r.debugFlags }

type fakeRenderFrame struct{}

func (f *fakeRenderFrame) Clear(color [4]float32, damage []geom.Rect) error { return nil }
func (f *fakeRenderFrame) Finish() (kms.SyncPoint, error)                   { return fakeSync{}, nil }

type fakeSync struct{}

func (fakeSync) ExportFD() (int, bool)          { return -1, false }
func (fakeSync) Wait(ctx context.Context) error { return nil }
func (fakeSync) IsSignalled() bool              { return true }
