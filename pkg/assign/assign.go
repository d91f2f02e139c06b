// Package assign implements the Assignment Engine: the per-frame algorithm
// that walks an element stack front-to-back and
// decides, for each element, whether it can be scanned out directly on the
// primary, cursor, overlay or underlay plane, falling back to renderer
// composition for whatever is left over.
package assign

import (
	"context"
	"errors"
	"sort"

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

var (
	ErrNoSupportedPlaneFormat    = errors.New("assign: no plane format supports this element")
	ErrNoSupportedRendererFormat = errors.New("assign: no renderer format supports this element")
	ErrPrimaryPlaneClaimFailed   = errors.New("assign: primary plane claim failed")
	ErrEmptyFrame                = errors.New("assign: frame has no elements to submit")
)

// Engine holds every collaborator the algorithm needs across a frame.
type Engine struct {
	Planes    plane.Set
	Cache     *element.Cache
	Swapchain *swapchain.Chain
	Cursors   *cursor.Cache
	Tracker   damage.Tracker
	Surface   kms.Surface
	Exporter  fb.Exporter
	Renderer  kms.Renderer

	CursorSize      geom.Size
	OutputTransform geom.Transform
	// SwapchainFormat is the pixel format primary-plane composition
	// buffers are allocated with, used to decide whether an underlay
	// hole can be punched through it.
	SwapchainFormat kms.Format

	cursorPrev *cursor.Snapshot
}

type retained struct {
	el     element.Element
	area   int64
	opaque bool
}

// assignment records one plane's final occupant for overlap checks and
// reconciliation.
type assignment struct {
	plane    kms.PlaneID
	zpos     int32
	el       element.Element
	underlay bool
}

// Result is the product of one Run: the tentative Frame State plus the
// elements the renderer must still compose onto the primary plane.
type Result struct {
	Frame           *frame.State
	PrimaryElements []element.Element
}

// Run executes Pass 1 (visibility pruning), Pass 2 (plane assignment),
// post-assignment reconciliation, and primary-plane rendering, in that
// order, against elements (front-to-back) and outputSize (post-transform
// output geometry).
func (e *Engine) Run(ctx context.Context, elements []element.Element, outputSize geom.Size, clear [4]float32, prev *frame.State) (*Result, error) {
	// Deliberately does not call e.Cache.Reset(): failed-planes bits must
	// survive into the next frame as long as an instance's active-planes
	// context is unchanged, which is how MarkPrimaryScanoutFailed's mark and
	// a failed overlay atomic test both stay memoised past this frame.
	// Cache.Lookup already clears a stale mask itself when the context
	// does change.
	kept := e.pruneVisibility(elements, outputSize)

	fs := frame.FromPlanes(e.Planes)
	var assigned []assignment
	var primaryElements []element.Element
	primaryClaimed := false
	cursorAssigned := false

	for i, r := range kept {
		isLast := i == len(kept)-1
		coversOutput := r.opaque && r.area >= geom.TotalArea([]geom.Rect{{Size: outputSize}})
		tryPrimary := isLast && !primaryClaimed && (coversOutput || backgroundMatches(clear)) &&
			!overlapsUnderlay(r.el.Dst, assigned) && !hasUnderlay(assigned)

		placed := false

		if tryPrimary && r.el.Storage != nil {
			if e.tryPrimaryScanout(ctx, fs, r, prev) {
				primaryClaimed = true
				assigned = append(assigned, assignment{plane: e.Planes.Primary.Handle, zpos: e.Planes.Primary.Zpos, el: r.el})
				placed = true
			}
		}

		if !placed && !cursorAssigned && e.Planes.Cursor != nil && r.el.Cursor {
			if e.tryCursor(ctx, fs, r, prev) {
				cursorAssigned = true
				assigned = append(assigned, assignment{plane: e.Planes.Cursor.Handle, zpos: e.Planes.Cursor.Zpos, el: r.el})
				placed = true
			}
		}

		if !placed {
			if a, ok := e.tryOverlay(ctx, fs, r, assigned, primaryElements); ok {
				assigned = append(assigned, a)
				placed = true
			}
		}

		if !placed {
			primaryElements = append(primaryElements, r.el)
		}
	}

	if err := e.reconcile(ctx, fs, prev, &assigned, &primaryElements); err != nil {
		return nil, err
	}

	if err := e.renderPrimary(ctx, fs, assigned, primaryElements, outputSize, clear); err != nil {
		return nil, err
	}

	return &Result{Frame: fs, PrimaryElements: primaryElements}, nil
}

// pruneVisibility implements Pass 1: walk the stack accumulating opaque
// regions, dropping elements with zero remaining visible area.
func (e *Engine) pruneVisibility(elements []element.Element, outputSize geom.Size) []retained {
	bounds := geom.Rect{Size: outputSize}
	var opaqueAccum []geom.Rect
	var kept []retained

	for _, el := range elements {
		clip := el.Dst.Intersect(bounds)
		if clip.Empty() {
			continue
		}
		visible := geom.SubtractAll(clip, opaqueAccum)
		area := geom.TotalArea(visible)
		if area == 0 {
			continue
		}
		opaque := el.IsFullyOpaque()
		if opaque {
			opaqueAccum = append(opaqueAccum, transformedOpaqueRegions(el)...)
		}
		kept = append(kept, retained{el: el, area: area, opaque: opaque})
	}
	return kept
}

func transformedOpaqueRegions(el element.Element) []geom.Rect {
	if len(el.Opaque) == 0 {
		if el.Alpha >= 1 {
			return []geom.Rect{el.Dst}
		}
		return nil
	}
	out := make([]geom.Rect, 0, len(el.Opaque))
	for _, r := range el.Opaque {
		out = append(out, r.Intersect(el.Dst))
	}
	return out
}

// backgroundMatches reports whether the compositor's clear colour is
// equivalent to "nothing to show" (black at any alpha, or any colour that
// is fully transparent), matching the upstream check of whether a CRTC background
// property would paint the same result as a direct-scanout element
// covering the whole output.
func backgroundMatches(clear [4]float32) bool {
	return (clear[0] == 0 && clear[1] == 0 && clear[2] == 0) || clear[3] == 0
}

func overlapsUnderlay(dst geom.Rect, assigned []assignment) bool {
	for _, a := range assigned {
		if a.underlay && dst.Overlaps(a.el.Dst) {
			return true
		}
	}
	return false
}

// hasUnderlay reports whether any underlay plane has already been assigned
// in this walk, regardless of whether its Dst overlaps the candidate
// element: an underlay changes what the primary plane's content means (a
// hole must be punched through it), so once one is assigned, primary direct
// scan-out is disallowed outright rather than only where the rects collide.
func hasUnderlay(assigned []assignment) bool {
	for _, a := range assigned {
		if a.underlay {
			return true
		}
	}
	return false
}

func overlapsAny(dst geom.Rect, els []element.Element) bool {
	for _, el := range els {
		if dst.Overlaps(el.Dst) {
			return true
		}
	}
	return false
}

// tryPrimaryScanout attempts direct scan-out of r's own buffer on the
// primary plane.
func (e *Engine) tryPrimaryScanout(ctx context.Context, fs *frame.State, r retained, prev *frame.State) bool {
	cb, ok := r.el.Storage.(element.ClientBuffer)
	if !ok {
		return false
	}
	if !e.Planes.Primary.Formats.HasFormat(cb.Buffer.Format()) {
		return false
	}

	props := element.PropertiesOf(r.el, cb.Buffer.Format())
	inst := e.Cache.Lookup(r.el.ID, props, bitPrimary)
	if inst.FailedMask&bitPrimary != 0 {
		return false
	}

	useOpaque := r.opaque
	handle, err := e.Cache.FB.Export(e.Surface.DeviceFD(), cb.Buffer, useOpaque)
	if err != nil {
		inst.FailedMask |= bitPrimary
		return false
	}

	cfg := &frame.Config{
		Element:       r.el.ID,
		Commit:        r.el.Commit,
		Properties:    props,
		Framebuffer:   handle,
		DamageClips:   damageClipsFor(r.el, prev, e.Planes.Primary.Handle, props),
		DirectScanout: true,
	}
	if err := fs.SetState(e.Planes.Primary.Handle, cfg); err != nil {
		inst.FailedMask |= bitPrimary
		return false
	}
	inst.ActiveMask |= bitPrimary
	return true
}

// tryCursor runs the cursor decision tree and installs a cursor Plane
// Configuration on success.
func (e *Engine) tryCursor(ctx context.Context, fs *frame.State, r retained, prev *frame.State) bool {
	cp := e.Planes.Cursor
	if r.el.Dst.Size.W > e.CursorSize.W || r.el.Dst.Size.H > e.CursorSize.H {
		return false
	}

	cursorFormat, ok := pickFormat(cp.Formats)
	if !ok {
		return false
	}
	newProps := element.PropertiesOf(r.el, cursorFormat)

	switch cursor.Decide(e.cursorPrev, r.el, newProps) {
	case cursor.DecisionSkip:
		if sprite, ok := e.Cursors.Get(r.el.ID, r.el.Commit); ok {
			if err := fs.SetState(cp.Handle, &frame.Config{Element: r.el.ID, Commit: r.el.Commit, Properties: e.cursorPrev.Properties, Framebuffer: sprite}); err == nil {
				return true
			}
		}
	case cursor.DecisionReposition:
		if sprite, ok := e.Cursors.Get(r.el.ID, r.el.Commit); ok {
			if err := fs.SetState(cp.Handle, &frame.Config{Element: r.el.ID, Commit: r.el.Commit, Properties: newProps, Framebuffer: sprite}); err == nil {
				e.cursorPrev = &cursor.Snapshot{Element: r.el.ID, Commit: r.el.Commit, Properties: newProps}
				return true
			}
		}
	}

	handle, err := e.renderCursorSprite(r.el, cursorFormat)
	if err != nil {
		return false
	}
	e.Cursors.Put(r.el.ID, r.el.Commit, handle)
	if err := fs.SetState(cp.Handle, &frame.Config{Element: r.el.ID, Commit: r.el.Commit, Properties: newProps, Framebuffer: handle}); err != nil {
		return false
	}
	e.cursorPrev = &cursor.Snapshot{Element: r.el.ID, Commit: r.el.Commit, Properties: newProps}
	return true
}

// renderCursorSprite produces a fresh cursor buffer, via the fast-copy path
// when eligible, otherwise via the CPU rasteriser fallback. The actual
// buffer allocation and rasteriser invocation are delegated to the
// collaborators wired at construction; this module only decides which path
// applies and hands the export on to the Framebuffer Cache.
func (e *Engine) renderCursorSprite(el element.Element, format kms.Format) (kms.FramebufferHandle, error) {
	cb, ok := el.Storage.(element.ClientBuffer)
	if ok && cursor.FastCopyEligible(el, e.OutputTransform, format) {
		return e.Cache.FB.Export(e.Surface.DeviceFD(), cb.Buffer, false)
	}
	// CPU rasteriser fallback: the concrete Renderer is expected to
	// expose a cursor-sized RenderFrame through Render(); we clear and
	// hand the element to the Damage Tracker as a single-element stack
	// so the same drawing path used for primary composition applies here
	// too.
	target, err := e.Renderer.Render(el.Dst.Size, e.OutputTransform)
	if err != nil {
		return nil, err
	}
	if _, err := e.Tracker.RenderOutputWith(context.Background(), e.Renderer, target, damage.FullDamage, []element.Element{el}, [4]float32{0, 0, 0, 0}); err != nil {
		return nil, err
	}
	if cb, ok := el.Storage.(element.ClientBuffer); ok {
		return e.Cache.FB.Export(e.Surface.DeviceFD(), cb.Buffer, false)
	}
	return nil, ErrNoSupportedRendererFormat
}

func pickFormat(s plane.FormatSet) (kms.Format, bool) {
	for f := range s {
		return f, true
	}
	return 0, false
}

// tryOverlay attempts placement on each overlay/underlay plane in
// front-to-back order.
func (e *Engine) tryOverlay(ctx context.Context, fs *frame.State, r retained, assigned []assignment, primaryElements []element.Element) (assignment, bool) {
	for _, info := range e.Planes.Overlay {
		if planeTaken(info.Handle, assigned) {
			continue
		}
		underlay := e.Planes.IsUnderlay(info.Zpos)
		if underlay {
			if !r.opaque || e.Planes.Primary.HasAlpha == nil || !e.Planes.Primary.HasAlpha(e.SwapchainFormat) {
				continue
			}
		} else if overlapsAny(r.el.Dst, primaryElements) {
			continue
		}
		if overlapsBehind(r.el.Dst, info.Zpos, assigned) {
			continue
		}

		cb, ok := r.el.Storage.(element.ClientBuffer)
		if !ok || !info.Formats.HasFormat(cb.Buffer.Format()) {
			continue
		}

		props := element.PropertiesOf(r.el, cb.Buffer.Format())
		active := overlayActiveMask(assigned, e.Planes)
		inst := e.Cache.Lookup(r.el.ID, props, active)
		if inst.FailedMask&overlayBitFor(info.Handle, e.Planes) != 0 {
			continue
		}

		handle, err := e.Cache.FB.Export(e.Surface.DeviceFD(), cb.Buffer, r.opaque)
		if err != nil {
			inst.FailedMask |= overlayBitFor(info.Handle, e.Planes)
			continue
		}
		cfg := &frame.Config{Element: r.el.ID, Commit: r.el.Commit, Properties: props, Framebuffer: handle}
		if err := fs.SetState(info.Handle, cfg); err != nil {
			inst.FailedMask |= overlayBitFor(info.Handle, e.Planes)
			continue
		}

		if err := fs.TestState(ctx, e.Surface, false); err != nil {
			fs.Disable(info.Handle)
			inst.FailedMask |= overlayBitFor(info.Handle, e.Planes)
			continue
		}

		return assignment{plane: info.Handle, zpos: info.Zpos, el: r.el, underlay: underlay}, true
	}
	return assignment{}, false
}

func planeTaken(p kms.PlaneID, assigned []assignment) bool {
	for _, a := range assigned {
		if a.plane == p {
			return true
		}
	}
	return false
}

func overlapsBehind(dst geom.Rect, zpos int32, assigned []assignment) bool {
	for _, a := range assigned {
		if a.zpos < zpos && dst.Overlaps(a.el.Dst) {
			return true
		}
	}
	return false
}

func overlayActiveMask(assigned []assignment, set plane.Set) element.PlaneMask {
	var mask element.PlaneMask
	for _, a := range assigned {
		switch {
		case a.plane == set.Primary.Handle:
			mask |= bitPrimary
		case set.Cursor != nil && a.plane == set.Cursor.Handle:
			mask |= bitCursor
		default:
			mask |= overlayBitFor(a.plane, set)
		}
	}
	return mask
}

func overlayBitFor(id kms.PlaneID, set plane.Set) element.PlaneMask {
	for i, info := range set.Overlay {
		if info.Handle == id {
			return overlayBit(i)
		}
	}
	return 0
}

const (
	bitPrimary element.PlaneMask = 1 << iota
	bitCursor
)

// MarkPrimaryScanoutFailed records that el's current instance failed the
// primary plane, so a future frame's Run does not reattempt direct
// scan-out for it.
func MarkPrimaryScanoutFailed(cache *element.Cache, el element.Element, props element.Properties) {
	inst := cache.Lookup(el.ID, props, bitPrimary)
	inst.FailedMask |= bitPrimary
}

func overlayBit(i int) element.PlaneMask { return 1 << (uint(i) + 2) }

// damageClipsFor converts an element's damage into controller damage clips,
// using damage_since(prev_commit) when the previous frame held the same
// element on the same plane with equal properties, otherwise total damage.
func damageClipsFor(el element.Element, prev *frame.State, p kms.PlaneID, props element.Properties) []geom.Rect {
	if prev == nil {
		return []geom.Rect{el.Dst}
	}
	ps, ok := prev.Get(p)
	if !ok || ps.Config == nil || ps.Config.Element != el.ID || ps.Config.Properties != props {
		return []geom.Rect{el.Dst}
	}
	return el.DamageSince(ps.Config.Commit, true)
}

// reconcile implements post-assignment reconciliation: if a full atomic
// test of the aggregate fails, disable every non-primary plane that needed
// one and push its element back onto the composition list, ordered by
// z-index ascending so composition order is preserved; retry once.
//
// The first test is partial: planes unchanged from prev and carrying no
// damage are skipped rather than re-submitted, so an otherwise-static frame
// pays no atomic ioctl at all. The retry after a disable always runs
// unconditionally, since the plane topology just changed.
func (e *Engine) reconcile(ctx context.Context, fs *frame.State, prev *frame.State, assigned *[]assignment, primaryElements *[]element.Element) error {
	if err := fs.TestStateComplete(ctx, e.Surface, prev, false, true); err == nil {
		return nil
	}

	var survivors []assignment
	var removedEls []element.Element
	type removedItem struct {
		zpos int32
		el   element.Element
	}
	var removedList []removedItem
	for _, a := range *assigned {
		if a.plane == e.Planes.Primary.Handle {
			survivors = append(survivors, a)
			continue
		}
		if ps, ok := fs.Get(a.plane); ok && !ps.NeedsTest {
			survivors = append(survivors, a)
			continue
		}
		fs.Disable(a.plane)
		removedList = append(removedList, removedItem{zpos: a.zpos, el: a.el})
	}
	sort.SliceStable(removedList, func(i, j int) bool { return removedList[i].zpos < removedList[j].zpos })
	for _, r := range removedList {
		removedEls = append(removedEls, r.el)
	}
	*primaryElements = append(removedEls, *primaryElements...)
	*assigned = survivors

	if err := fs.TestStateComplete(ctx, e.Surface, prev, false, false); err != nil {
		return err
	}
	return nil
}

// renderPrimary builds the synthetic element stack for whatever must still
// be drawn into the primary-plane swapchain buffer, and hands it to the
// Damage Tracker. If the primary plane already holds a direct-scanout
// element's own buffer (assigned earlier in Run), there is nothing for the
// renderer to do.
func (e *Engine) renderPrimary(ctx context.Context, fs *frame.State, assigned []assignment, primaryElements []element.Element, outputSize geom.Size, clear [4]float32) error {
	if _, ok := elementAssignedTo(assigned, e.Planes.Primary.Handle); ok {
		return nil
	}
	if len(primaryElements) == 0 && allComposedElsewhere(assigned) {
		return ErrEmptyFrame
	}

	slot, err := e.Swapchain.Acquire()
	if err != nil {
		return err
	}

	synthetic := make([]element.Element, 0, len(assigned)+len(primaryElements))
	for _, a := range assigned {
		if a.underlay {
			synthetic = append(synthetic, holePunch(a.el))
		} else {
			synthetic = append(synthetic, opaqueStub(a.el))
		}
	}
	synthetic = append(synthetic, primaryElements...)

	target, err := e.Renderer.Render(outputSize, e.OutputTransform)
	if err != nil {
		e.Swapchain.Release(slot)
		return err
	}

	result, err := e.Tracker.RenderOutputWith(ctx, e.Renderer, target, damage.Age(slot.Age), synthetic, clear)
	if err != nil {
		e.Swapchain.Release(slot)
		return err
	}

	handle, err := e.Cache.FB.Export(e.Surface.DeviceFD(), slot.Buffer, false)
	if err != nil {
		e.Swapchain.Release(slot)
		return err
	}

	cfg := &frame.Config{
		Properties:  element.Properties{Format: slot.Buffer.Format(), Dst: geom.Rect{Size: outputSize}},
		Framebuffer: handle,
		DamageClips: result.Damage,
		Fence:       result.Sync,
		Slot:        slot,
	}
	if err := fs.SetState(e.Planes.Primary.Handle, cfg); err != nil {
		e.Swapchain.Release(slot)
		return err
	}
	return nil
}

func elementAssignedTo(assigned []assignment, p kms.PlaneID) (element.ID, bool) {
	for _, a := range assigned {
		if a.plane == p {
			return a.el.ID, true
		}
	}
	return 0, false
}

func allComposedElsewhere(assigned []assignment) bool {
	return len(assigned) == 0
}

func holePunch(el element.Element) element.Element {
	return element.Element{ID: el.ID, Dst: el.Dst, Alpha: 0, Opaque: nil}
}

func opaqueStub(el element.Element) element.Element {
	return element.Element{ID: el.ID, Dst: el.Dst, Alpha: 1, Opaque: []geom.Rect{el.Dst}}
}
