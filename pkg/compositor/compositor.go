// Package compositor is the root package: the Pipeline Driver that takes a
// tentative Frame State from the Assignment Engine through
// render/queue/submit/present, plus the compositor-wide error taxonomy
// callers match against.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kestrelwm/scanoutd/pkg/assign"
	"github.com/kestrelwm/scanoutd/pkg/cursor"
	"github.com/kestrelwm/scanoutd/pkg/damage"
	"github.com/kestrelwm/scanoutd/pkg/element"
	"github.com/kestrelwm/scanoutd/pkg/fb"
	"github.com/kestrelwm/scanoutd/pkg/frame"
	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
	"github.com/kestrelwm/scanoutd/pkg/plane"
	"github.com/kestrelwm/scanoutd/pkg/swapchain"
)

// ErrEmptyFrame is returned by QueueFrame when there is nothing to submit.
var ErrEmptyFrame = assign.ErrEmptyFrame

// ControllerAccessError wraps a failure talking to the display controller,
// distinguishing transient conditions (retry later) from fatal ones.
type ControllerAccessError struct {
	Transient bool
	Err       error
}

func (e *ControllerAccessError) Error() string {
	return fmt.Sprintf("controller access failed (transient=%v): %v", e.Transient, e.Err)
}

func (e *ControllerAccessError) Unwrap() error { return e.Err }

// Config bundles the constructor inputs.
type Config struct {
	Surface   kms.Surface
	Planes    plane.Set // optional override; if empty, derive from Surface is the caller's job
	Allocator swapchain.Allocator
	Exporter  fb.Exporter
	Renderer  kms.Renderer
	Tracker   damage.Tracker

	SwapchainCapacity int
	SwapchainFormat   kms.Format
	SwapchainMods     []kms.Modifier
	CursorSize        geom.Size
	OutputTransform   geom.Transform

	Logger *slog.Logger
}

// Compositor drives one controller's direct scan-out pipeline end to end.
// Its hot path (RenderFrame, QueueFrame, FrameSubmitted) is single-threaded
// cooperative and takes no internal locks.
type Compositor struct {
	surface kms.Surface
	planes  plane.Set
	swap    *swapchain.Chain
	engine  *assign.Engine
	log     *slog.Logger

	nextFrame    *frame.State
	queuedFrame  *frame.State
	pendingFrame *frame.State
	currentFrame *frame.State

	queuedUserData  any
	pendingUserData any

	// nextTraceID/queuedTraceID/pendingTraceID follow the same slot a
	// frame moves through as nextFrame/queuedFrame/pendingFrame, so every
	// log line for a given frame across render/submit/present can be
	// grepped by one id even though submit and present happen on
	// different calls, possibly from different goroutines driving the
	// event loop.
	nextTraceID    string
	queuedTraceID  string
	pendingTraceID string

	resetPending bool
}

// New builds a Compositor from cfg. The primary/cursor/overlay topology is
// taken from cfg.Planes if non-empty, otherwise from cfg.Surface's own
// claims are expected to have been resolved by the caller beforehand.
func New(cfg Config) *Compositor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	swap := swapchain.New(cfg.Allocator, cfg.Exporter, cfg.Surface.DeviceFD(), cfg.SwapchainFormat, cfg.SwapchainMods, cfg.Surface.CurrentMode(), cfg.SwapchainCapacity)
	return &Compositor{
		surface: cfg.Surface,
		planes:  cfg.Planes,
		swap:    swap,
		engine: &assign.Engine{
			Planes:          cfg.Planes,
			Cache:           element.NewCache(cfg.Exporter),
			Swapchain:       swap,
			Cursors:         cursor.NewCache(),
			Tracker:         cfg.Tracker,
			Surface:         cfg.Surface,
			Exporter:        cfg.Exporter,
			Renderer:        cfg.Renderer,
			CursorSize:      cfg.CursorSize,
			OutputTransform: cfg.OutputTransform,
			SwapchainFormat: cfg.SwapchainFormat,
		},
		log:          logger,
		currentFrame: frame.FromPlanes(cfg.Planes),
		resetPending: true,
	}
}

// RenderFrame runs the Assignment Engine over elements and stores the
// result as next_frame, dropping any previous next_frame first (returning
// its slots to the swapchain). Returns nil, nil if the controller reports
// inactive.
func (c *Compositor) RenderFrame(ctx context.Context, elements []element.Element, outputSize geom.Size, clear [4]float32) (*assign.Result, error) {
	if !c.surface.IsActive() {
		c.log.Debug("render_frame skipped: controller inactive")
		return nil, nil
	}
	c.dropNextFrame()

	traceID := uuid.New().String()
	res, err := c.engine.Run(ctx, elements, outputSize, clear, c.currentFrame)
	if err != nil {
		c.log.Warn("render_frame failed", "trace_id", traceID, "error", err)
		return nil, err
	}
	c.nextFrame = res.Frame
	c.nextTraceID = traceID
	c.log.Debug("render_frame", "trace_id", traceID, "primary_elements", len(res.PrimaryElements))
	return res, nil
}

func (c *Compositor) dropNextFrame() {
	if c.nextFrame == nil {
		return
	}
	if ps, ok := c.nextFrame.Get(c.planes.Primary.Handle); ok && ps.Config != nil && ps.Config.Slot != nil {
		c.swap.Release(ps.Config.Slot)
	}
	c.nextFrame = nil
}

// QueueFrame moves next_frame into queued_frame, submitting immediately if
// no frame is currently pending.
func (c *Compositor) QueueFrame(ctx context.Context, userData any) error {
	if c.nextFrame == nil {
		return ErrEmptyFrame
	}
	if !c.surface.IsActive() {
		return &ControllerAccessError{Transient: true, Err: errors.New("controller inactive")}
	}

	c.queuedFrame, c.nextFrame = c.nextFrame, nil
	c.queuedUserData = userData
	c.queuedTraceID, c.nextTraceID = c.nextTraceID, ""

	if c.pendingFrame == nil {
		return c.submit(ctx)
	}
	return nil
}

// submit performs the actual atomic ioctl: a full Commit if a modeset is
// pending, otherwise a non-blocking PageFlip.
func (c *Compositor) submit(ctx context.Context) error {
	fs := c.queuedFrame
	full := c.resetPending
	var err error
	if c.surface.PendingMode() != c.surface.CurrentMode() {
		err = fs.Commit(ctx, c.surface, nil)
	} else if full {
		err = fs.TestStateComplete(ctx, c.surface, c.currentFrame, false, false)
		if err == nil {
			err = fs.PageFlip(ctx, c.surface, nil)
		}
	} else {
		err = fs.PageFlip(ctx, c.surface, nil)
	}

	if err != nil {
		c.log.Warn("submit failed", "trace_id", c.queuedTraceID, "error", err)
		c.swap.Drain()
		if kms.IsInvalidInput(err) {
			if ps, ok := fs.Get(c.planes.Primary.Handle); ok && ps.Config != nil && ps.Config.DirectScanout {
				assign.MarkPrimaryScanoutFailed(c.engine.Cache, element.Element{ID: ps.Config.Element, Commit: ps.Config.Commit}, ps.Config.Properties)
			}
		}
		return err
	}

	if ps, ok := fs.Get(c.planes.Primary.Handle); ok && ps.Config != nil && ps.Config.Slot != nil {
		c.swap.Submitted(ps.Config.Slot)
	}

	c.pendingFrame, c.queuedFrame = c.queuedFrame, nil
	c.pendingUserData, c.queuedUserData = c.queuedUserData, nil
	c.pendingTraceID, c.queuedTraceID = c.queuedTraceID, ""
	c.resetPending = false
	return nil
}

// FrameSubmitted is called on the controller's vblank event: pending_frame
// becomes current_frame, and if a queued_frame exists it is submitted next.
// Returns the user_data passed to the QueueFrame call that produced the
// now-current frame.
func (c *Compositor) FrameSubmitted(ctx context.Context) (any, error) {
	if c.pendingFrame == nil {
		return nil, errors.New("compositor: frame_submitted with no pending frame")
	}
	c.currentFrame, c.pendingFrame = c.pendingFrame, nil
	userData := c.pendingUserData
	c.pendingUserData = nil
	c.log.Debug("frame_submitted", "trace_id", c.pendingTraceID)
	c.pendingTraceID = ""

	if c.queuedFrame != nil {
		if err := c.submit(ctx); err != nil {
			return userData, err
		}
	}
	return userData, nil
}

// ResetPending forces the next submitted frame to perform a full atomic
// test, guaranteeing correctness on resume from inactivity or a VT switch.
func (c *Compositor) ResetPending() {
	c.resetPending = true
}

// CurrentFrame returns the last frame observed on screen.
func (c *Compositor) CurrentFrame() *frame.State { return c.currentFrame }

// Prune discards cached per-element state, framebuffer cache entries and
// cursor sprites for anything aliveElement/aliveBuffer now report as gone
// (a destroyed surface, a released buffer), keeping the Element State
// Cache, its Framebuffer Cache and the cursor cache from growing unbounded
// across a long-running compositor's lifetime. Safe to call between frames;
// it touches no in-flight frame_state.
func (c *Compositor) Prune(aliveElement func(element.ID) bool, aliveBuffer func(fb.BufferID) bool) {
	c.engine.Cache.Prune(aliveElement, aliveBuffer)
	c.engine.Cursors.Prune(aliveElement)
}
