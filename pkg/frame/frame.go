// Package frame holds one frame's complete per-plane assignment and turns
// it into the wire-level PlaneWireState slice a kms.Surface actually tests,
// commits or flips.
package frame

import (
	"context"
	"fmt"

	"github.com/kestrelwm/scanoutd/pkg/element"
	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
	"github.com/kestrelwm/scanoutd/pkg/plane"
	"github.com/kestrelwm/scanoutd/pkg/swapchain"
)

// Config is what the Assignment Engine decides for one plane: which
// framebuffer to show, at what geometry, with what damage and optional
// render fence. A nil *Config means "this plane is disabled this frame".
type Config struct {
	Element     element.ID
	Commit      element.CommitCounter
	Properties  element.Properties
	Framebuffer kms.FramebufferHandle
	DamageClips []geom.Rect
	Fence       kms.SyncPoint
	// DirectScanout is true when Framebuffer wraps the element's own
	// client buffer rather than a swapchain composition buffer.
	DirectScanout bool
	// Slot is the swapchain slot backing Framebuffer, nil when
	// DirectScanout is true. The pipeline driver releases it if the
	// frame is dropped before being queued, or marks it submitted once
	// the frame is actually flipped to the controller.
	Slot *swapchain.Slot
}

// PlaneState is one plane's identity plus its (possibly absent) assignment
// for the frame currently being built.
type PlaneState struct {
	Plane  kms.PlaneID
	Type   kms.PlaneType
	Config *Config

	// NeedsTest is true once TestStateComplete has decided this plane must
	// be included in the atomic TEST_ONLY ioctl, either because partial
	// testing isn't in effect or because this plane's Configuration
	// changed from the previous frame.
	NeedsTest bool
	// Skip is the inverse of NeedsTest: true when this plane's
	// Configuration is unchanged from the previous frame and carries no
	// damage, so it was left out of the last TestStateComplete call.
	Skip bool
}

// State is the full per-plane assignment for one frame. Planes are kept in
// a fixed order — primary, cursor, overlays front-to-back — matching
// plane.Set.All(), so wire emission and logging are stable across frames.
type State struct {
	order  []kms.PlaneID
	planes map[kms.PlaneID]PlaneState
}

// FromPlanes builds an all-disabled State from a controller's plane
// topology.
func FromPlanes(set plane.Set) *State {
	all := set.All()
	s := &State{
		order:  make([]kms.PlaneID, 0, len(all)),
		planes: make(map[kms.PlaneID]PlaneState, len(all)),
	}
	for _, info := range all {
		s.order = append(s.order, info.Handle)
		s.planes[info.Handle] = PlaneState{Plane: info.Handle, Type: info.Type}
	}
	return s
}

// Clone produces an independent copy of the frame state; the pipeline
// driver moves frames between its slots and does not call it.
func (s *State) Clone() *State {
	c := &State{
		order:  append([]kms.PlaneID(nil), s.order...),
		planes: make(map[kms.PlaneID]PlaneState, len(s.planes)),
	}
	for id, ps := range s.planes {
		c.planes[id] = ps
	}
	return c
}

// Get returns the current assignment for plane, if it is known.
func (s *State) Get(p kms.PlaneID) (PlaneState, bool) {
	ps, ok := s.planes[p]
	return ps, ok
}

// SetState assigns cfg (nil to disable) to plane, as the Assignment Engine
// does while it walks the element stack.
func (s *State) SetState(p kms.PlaneID, cfg *Config) error {
	ps, ok := s.planes[p]
	if !ok {
		return fmt.Errorf("frame: unknown plane %d", p)
	}
	ps.Config = cfg
	s.planes[p] = ps
	return nil
}

// Disable is shorthand for SetState(p, nil).
func (s *State) Disable(p kms.PlaneID) { _ = s.SetState(p, nil) }

// Active reports whether any plane carries a non-nil Config.
func (s *State) Active() bool {
	for _, ps := range s.planes {
		if ps.Config != nil {
			return true
		}
	}
	return false
}

// buildPlanes turns the current assignment into the ordered wire-level
// slice a kms.Surface test/commit/flip call expects. Disabled planes are
// still emitted (Enabled: false) so the controller definitely switches them
// off, unless full is false, in which case disabled planes are simply
// omitted (an "incremental" test of only the planes this frame touches).
func (s *State) buildPlanes(full bool) []kms.PlaneWireState {
	out := make([]kms.PlaneWireState, 0, len(s.order))
	for _, id := range s.order {
		ps := s.planes[id]
		if ps.Config == nil {
			if full {
				out = append(out, kms.PlaneWireState{Plane: id, Enabled: false, FenceFD: -1})
			}
			continue
		}
		out = append(out, wireStateFor(id, ps.Config))
	}
	return out
}

func wireStateFor(id kms.PlaneID, cfg *Config) kms.PlaneWireState {
	wire := kms.PlaneWireState{
		Plane:       id,
		Enabled:     true,
		Src:         cfg.Properties.Src,
		Dst:         cfg.Properties.Dst,
		Alpha:       cfg.Properties.Alpha,
		Transform:   cfg.Properties.Transform,
		DamageClips: cfg.DamageClips,
		Framebuffer: cfg.Framebuffer,
		FenceFD:     -1,
	}
	if cfg.Fence != nil {
		if fd, ok := cfg.Fence.ExportFD(); ok {
			wire.FenceFD = fd
		}
	}
	return wire
}

// buildTestPlanes is buildPlanes(true) with one refinement: when prevFrame
// is non-nil and allowPartial is set, a plane whose Configuration is
// byte-for-byte identical to prevFrame's and whose element reports no
// damage is marked Skip and left out of the returned slice entirely, rather
// than re-submitted as an unchanged TEST_ONLY entry or an explicit disable.
// Each plane's NeedsTest/Skip fields are updated to record the decision.
func (s *State) buildTestPlanes(prevFrame *State, allowPartial bool) []kms.PlaneWireState {
	out := make([]kms.PlaneWireState, 0, len(s.order))
	for _, id := range s.order {
		ps := s.planes[id]
		ps.NeedsTest = true
		ps.Skip = false

		if allowPartial && prevFrame != nil {
			if prev, ok := prevFrame.planes[id]; ok && configsEquivalent(ps.Config, prev.Config) {
				ps.NeedsTest = false
				ps.Skip = true
			}
		}
		s.planes[id] = ps

		if ps.Skip {
			continue
		}
		if ps.Config == nil {
			out = append(out, kms.PlaneWireState{Plane: id, Enabled: false, FenceFD: -1})
			continue
		}
		out = append(out, wireStateFor(id, ps.Config))
	}
	return out
}

// configsEquivalent reports whether a and b describe the same plane
// Configuration closely enough that re-testing it is pointless: same
// element/commit/properties/framebuffer and no outstanding damage clips.
func configsEquivalent(a, b *Config) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Element == b.Element &&
		a.Commit == b.Commit &&
		a.Properties == b.Properties &&
		a.Framebuffer == b.Framebuffer &&
		len(a.DamageClips) == 0
}

// TestState performs an atomic TEST_ONLY commit of the planes this frame
// actually touches, used by the Assignment Engine to probe feasibility of a
// tentative per-element plane placement before it is accepted.
func (s *State) TestState(ctx context.Context, surface kms.Surface, allowModeset bool) error {
	return surface.TestState(ctx, s.buildPlanes(false), allowModeset)
}

// TestStateComplete performs an atomic TEST_ONLY commit of every plane that
// needs one, explicitly disabling any plane this frame does not use. Used
// once the Assignment Engine has settled on a full placement, and whenever
// stale planes from a previous frame must be guaranteed off (e.g. after a
// primary plane claim failure forces a fallback to full composition).
//
// prevFrame is the last frame actually presented; when allowPartial is true
// and prevFrame is non-nil, planes whose Configuration didn't change from
// prevFrame and carry no damage are skipped rather than re-tested (see
// buildTestPlanes). If every plane skips, the ioctl is omitted entirely:
// nothing changed, so there is nothing to test. Pass allowPartial false (or
// a nil prevFrame) to force a full test of every plane, e.g. after resuming
// from inactivity when the controller's actual plane state is unknown.
func (s *State) TestStateComplete(ctx context.Context, surface kms.Surface, prevFrame *State, allowModeset, allowPartial bool) error {
	planes := s.buildTestPlanes(prevFrame, allowPartial)
	if len(planes) == 0 {
		return nil
	}
	return surface.TestState(ctx, planes, allowModeset)
}

// Commit performs a synchronous atomic commit of every plane.
func (s *State) Commit(ctx context.Context, surface kms.Surface, event any) error {
	return surface.Commit(ctx, s.buildPlanes(true), event)
}

// PageFlip performs a non-blocking atomic page flip of every plane,
// completing asynchronously with a vblank event the host must deliver back
// to the pipeline driver.
func (s *State) PageFlip(ctx context.Context, surface kms.Surface, event any) error {
	return surface.PageFlip(ctx, s.buildPlanes(true), event)
}
