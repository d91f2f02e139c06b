// compositor-harness drives the scan-out compositor core end to end against
// an in-memory fake controller and renderer, printing each frame's plane
// assignment. It exists to exercise RenderFrame/QueueFrame/FrameSubmitted
// the way a real host loop would, without needing a GPU or display
// attached, the same throwaway-client role a raw ioctl smoke-test tool
// plays against real hardware.
//
// Usage: compositor-harness [--frames N] [--width W] [--height H]
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"os"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/kestrelwm/scanoutd/pkg/compositor"
	"github.com/kestrelwm/scanoutd/pkg/damage"
	"github.com/kestrelwm/scanoutd/pkg/element"
	"github.com/kestrelwm/scanoutd/pkg/fb"
	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
	"github.com/kestrelwm/scanoutd/pkg/plane"
	"github.com/kestrelwm/scanoutd/pkg/swapchain"
)

func main() {
	frames := flag.Int("frames", 10, "number of frames to drive through the pipeline")
	width := flag.Int("width", 1920, "output width")
	height := flag.Int("height", 1080, "output height")
	verbose := flag.Bool("v", false, "debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mode := kms.Mode{Width: int32(*width), Height: int32(*height), RefreshMilliHz: 60000}
	outputSize := geom.Size{W: int32(*width), H: int32(*height)}

	surface := newFakeSurface(mode)
	planes := plane.NewSet(
		plane.Info{
			Handle:  1,
			Type:    kms.PlaneTypePrimary,
			Zpos:    0,
			Formats: plane.FormatSet{formatXRGB8888: {kms.Linear}, formatARGB8888: {kms.Linear}},
		},
		&plane.Info{
			Handle:  2,
			Type:    kms.PlaneTypeCursor,
			Zpos:    100,
			Formats: plane.FormatSet{formatARGB8888: {kms.Linear}},
		},
		[]plane.Info{
			{Handle: 3, Type: kms.PlaneTypeOverlay, Zpos: 10, Formats: plane.FormatSet{formatARGB8888: {kms.Linear}}},
		},
		false,
	)

	c := compositor.New(compositor.Config{
		Surface:           surface,
		Planes:            planes,
		Allocator:         &fakeAllocator{},
		Exporter:          fakeExporter{},
		Renderer:          &fakeRenderer{},
		Tracker:           imageTracker{},
		SwapchainCapacity: 3,
		SwapchainFormat:   formatXRGB8888,
		CursorSize:        geom.Size{W: 64, H: 64},
		OutputTransform:   geom.TransformNormal,
		Logger:            logger,
	})

	ctx := context.Background()
	video := &element.Element{
		ID:        1,
		Commit:    1,
		Dst:       geom.Rect{Size: outputSize},
		Src:       geom.RectF{W: float64(*width), H: float64(*height)},
		Alpha:     1,
		Opaque:    []geom.Rect{{Size: outputSize}},
		Storage:   element.ClientBuffer{Buffer: &fakeBuffer{id: 1, format: formatXRGB8888}},
		Transform: geom.TransformNormal,
	}

	for i := 0; i < *frames; i++ {
		video.Commit++
		res, err := c.RenderFrame(ctx, []element.Element{*video}, outputSize, [4]float32{0, 0, 0, 1})
		if err != nil {
			logger.Error("render_frame failed", "frame", i, "error", err)
			os.Exit(1)
		}
		if res == nil {
			logger.Warn("render_frame skipped: controller inactive", "frame", i)
			continue
		}

		if err := c.QueueFrame(ctx, i); err != nil {
			logger.Error("queue_frame failed", "frame", i, "error", err)
			os.Exit(1)
		}

		userData, err := c.FrameSubmitted(ctx)
		if err != nil {
			logger.Error("frame_submitted failed", "frame", i, "error", err)
			os.Exit(1)
		}
		fmt.Printf("frame %d presented (user_data=%v, direct_scanout=%v)\n", i, userData, len(res.PrimaryElements) == 0)
		time.Sleep(16 * time.Millisecond)
	}
}

const (
	formatXRGB8888 kms.Format = 0x34325258
	formatARGB8888 kms.Format = 0x34325241
)

// --- in-memory fakes standing in for real hardware/GPU collaborators ---

type fakeSurface struct {
	mode   kms.Mode
	active bool
}

func newFakeSurface(mode kms.Mode) *fakeSurface { return &fakeSurface{mode: mode, active: true} }

func (s *fakeSurface) TestState(ctx context.Context, states []kms.PlaneWireState, allowModeset bool) error {
	return nil
}
func (s *fakeSurface) Commit(ctx context.Context, states []kms.PlaneWireState, event any) error {
	return nil
}
func (s *fakeSurface) PageFlip(ctx context.Context, states []kms.PlaneWireState, event any) error {
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
func (s *fakeSurface) ResetState()                                      {}
func (s *fakeSurface) DeviceFD() kms.DeviceFD                           { return nil }

type fakeBuffer struct {
	id     uint64
	format kms.Format
}

func (b *fakeBuffer) ID() fb.BufferID       { return fb.BufferID(b.id) }
func (b *fakeBuffer) Format() kms.Format     { return b.format }
func (b *fakeBuffer) Modifier() kms.Modifier { return kms.Linear }

type fakeAllocator struct{ next uint64 }

func (a *fakeAllocator) Allocate(mode kms.Mode, format kms.Format, modifiers []kms.Modifier) (swapchain.Buffer, error) {
	a.next++
	return &fakeBuffer{id: a.next + 1000, format: format}, nil
}

type fakeExporter struct{}

func (fakeExporter) Export(dev kms.DeviceFD, buf fb.Buffer, useOpaque bool) (kms.FramebufferHandle, error) {
	return &fakeHandle{id: uint64(buf.ID())}, nil
}

type fakeHandle struct{ id uint64 }

func (h *fakeHandle) ID() uint64   { return h.id }
func (h *fakeHandle) Close() error { return nil }

// fakeRenderer stands in for a GPU renderer with a real CPU-side image.RGBA
// target so the harness actually produces pixels instead of a no-op stub.
type fakeRenderer struct{ debugFlags uint32 }

func (r *fakeRenderer) Render(size geom.Size, transform geom.Transform) (kms.RenderFrame, error) {
	img := image.NewRGBA(image.Rect(0, 0, int(size.W), int(size.H)))
	return &fakeRenderFrame{img: img}, nil
}
func (r *fakeRenderer) SetDebugFlags(flags uint32) { r.debugFlags = flags }
func (r *fakeRenderer) DebugFlags() uint32         { return r.debugFlags }

type fakeRenderFrame struct{ img *image.RGBA }

func (f *fakeRenderFrame) Clear(color [4]float32, dirty []geom.Rect) error {
	c := &image.Uniform{C: color32(color)}
	if len(dirty) == 0 {
		draw.Draw(f.img, f.img.Bounds(), c, image.Point{}, draw.Src)
		return nil
	}
	for _, r := range dirty {
		rect := image.Rect(int(r.Loc.X), int(r.Loc.Y), int(r.Right()), int(r.Bottom()))
		draw.Draw(f.img, rect, c, image.Point{}, draw.Src)
	}
	return nil
}
func (f *fakeRenderFrame) Finish() (kms.SyncPoint, error) { return fakeSync{}, nil }

func color32(c [4]float32) color.NRGBA {
	return color.NRGBA{
		R: uint8(c[0] * 255),
		G: uint8(c[1] * 255),
		B: uint8(c[2] * 255),
		A: uint8(c[3] * 255),
	}
}

type fakeSync struct{}

func (fakeSync) ExportFD() (int, bool)          { return -1, false }
func (fakeSync) Wait(ctx context.Context) error { return nil }
func (fakeSync) IsSignalled() bool              { return true }

// imageTracker is the harness's stand-in Damage Tracker: it actually paints
// the element stack into fakeRenderFrame's CPU image instead of reporting
// total damage and leaving the target untouched, so a host piping the
// harness's output somewhere can see real pixels move. CPUMemory-backed
// elements (the cursor fast-copy path) are scaled from source to
// destination rect with x/image/draw the way a software cursor blit would
// be; ClientBuffer elements have no CPU-readable pixels here, so they get a
// flat per-id debug colour instead.
type imageTracker struct{}

func (imageTracker) RenderOutputWith(
	ctx context.Context,
	renderer kms.Renderer,
	target kms.RenderFrame,
	age damage.Age,
	elements []element.Element,
	clear [4]float32,
) (damage.Result, error) {
	frame, ok := target.(*fakeRenderFrame)
	if !ok {
		return damage.Result{}, fmt.Errorf("imageTracker: unsupported render target %T", target)
	}
	if err := frame.Clear(clear, nil); err != nil {
		return damage.Result{}, err
	}

	full := make([]geom.Rect, 0, len(elements))
	perElement := make(map[element.ID][]geom.Rect, len(elements))
	for _, e := range elements {
		paintElement(frame.img, e)
		full = append(full, e.Dst)
		perElement[e.ID] = []geom.Rect{e.Dst}
	}

	sync, err := frame.Finish()
	if err != nil {
		return damage.Result{}, err
	}
	return damage.Result{Damage: full, Sync: sync, ElementDamage: perElement}, nil
}

func paintElement(dst *image.RGBA, e element.Element) {
	dstRect := image.Rect(int(e.Dst.Loc.X), int(e.Dst.Loc.Y), int(e.Dst.Right()), int(e.Dst.Bottom()))

	if mem, ok := e.Storage.(element.CPUMemory); ok && len(mem.Data) > 0 && mem.Stride > 0 {
		srcH := int32(len(mem.Data)) / mem.Stride
		src := &image.RGBA{Pix: mem.Data, Stride: int(mem.Stride), Rect: image.Rect(0, 0, int(mem.Stride/4), int(srcH))}
		xdraw.ApproxBiLinear.Scale(dst, dstRect, src, src.Bounds(), xdraw.Over, nil)
		return
	}

	shade := color.NRGBA{R: uint8(64 + 48*(uint32(e.ID)%4)), G: 110, B: 190, A: uint8(e.Alpha * 255)}
	draw.Draw(dst, dstRect, &image.Uniform{C: shade}, image.Point{}, draw.Over)
}
