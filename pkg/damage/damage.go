// Package damage defines the Damage Tracker collaborator contract: an
// external component, consumed but not implemented by the compositor core,
// that turns a bound render target plus a buffer age into the set of
// rectangles that actually need redrawing.
package damage

import (
	"context"

	"github.com/kestrelwm/scanoutd/pkg/element"
	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
)

// Age is the number of frames ago the bound target last held valid content;
// 0 means "assume nothing is valid, damage everything".
type Age int

const FullDamage Age = 0

// Result is what a Tracker hands back after rendering into a target.
type Result struct {
	// Damage is the set of rectangles that were actually redrawn, in
	// output coordinates. Nil/empty with no error means nothing needed
	// redrawing.
	Damage []geom.Rect
	// Sync is the render fence covering the redraw, attached to the
	// primary plane's Configuration by the caller.
	Sync kms.SyncPoint
	// ElementDamage carries each rendered element's contribution, keyed
	// by element id, so the caller can update per-element bookkeeping
	// without a second pass over the stack.
	ElementDamage map[element.ID][]geom.Rect
}

// Tracker renders a synthetic element stack into a bound target buffer,
// using prior knowledge of the target's age to minimise redrawing.
type Tracker interface {
	RenderOutputWith(
		ctx context.Context,
		renderer kms.Renderer,
		target kms.RenderFrame,
		age Age,
		elements []element.Element,
		clear [4]float32,
	) (Result, error)
}

// Null is a minimal Tracker: it clears each element's destination rect,
// reports those rects as damage, and returns the target's Finish fence.
// It ships for tests and for hosts with no real tracker wired in, a plain
// implementation swap for optional subsystems since both sides are
// portable Go.
type Null struct{}

func (Null) RenderOutputWith(
	ctx context.Context,
	renderer kms.Renderer,
	target kms.RenderFrame,
	age Age,
	elements []element.Element,
	clear [4]float32,
) (Result, error) {
	var full []geom.Rect
	perElement := make(map[element.ID][]geom.Rect, len(elements))
	for _, e := range elements {
		full = append(full, e.Dst)
		perElement[e.ID] = []geom.Rect{e.Dst}
	}
	if err := target.Clear(clear, full); err != nil {
		return Result{}, err
	}
	sync, err := target.Finish()
	if err != nil {
		return Result{}, err
	}
	return Result{Damage: full, Sync: sync, ElementDamage: perElement}, nil
}
