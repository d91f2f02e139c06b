// Package cursor implements the cursor-plane fast path: deciding whether a
// previous cursor placement can be kept or cheaply repositioned, the
// fast-copy eligibility test, and the raw pixel copy itself.
// It also carries the pre-rendered sprite cache that lets a cursor already
// copied into a cursor-sized buffer on a previous frame be reused without a
// fresh copy or render when nothing about the element has changed, caching
// rendered cursor images by identity rather than re-rasterising every
// frame.
package cursor

import (
	"errors"

	"github.com/kestrelwm/scanoutd/pkg/element"
	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
)

// Snapshot records enough of a previous frame's cursor placement to decide
// what the next frame can skip.
type Snapshot struct {
	Element    element.ID
	Commit     element.CommitCounter
	Properties element.Properties
}

// Decision is the outcome of comparing a candidate placement against the
// previous frame's Snapshot.
type Decision int

const (
	// DecisionSkip means the previous Plane Configuration can be reused
	// unchanged, with skip=true.
	DecisionSkip Decision = iota
	// DecisionReposition means only the destination rectangle moved;
	// clone the previous configuration with the new Dst and skip=false,
	// no atomic test required.
	DecisionReposition
	// DecisionRender means a fresh cursor buffer must be produced (fast
	// copy or rasteriser fallback).
	DecisionRender
)

// Decide implements the three-way branch: same element and
// no new commit keeps the previous state outright; same element, same
// everything but Dst, is a cheap reposition; anything else needs a fresh
// render.
func Decide(prev *Snapshot, e element.Element, newProps element.Properties) Decision {
	if prev == nil || prev.Element != e.ID {
		return DecisionRender
	}
	if prev.Commit == e.Commit && prev.Properties == newProps {
		return DecisionSkip
	}
	sameExceptDst := prev.Properties.Src == newProps.Src &&
		prev.Properties.Transform == newProps.Transform &&
		prev.Properties.Alpha == newProps.Alpha &&
		prev.Properties.Format == newProps.Format
	if prev.Commit == e.Commit && sameExceptDst && prev.Properties.Dst != newProps.Dst {
		return DecisionReposition
	}
	return DecisionRender
}

// NeedsTest reports whether installing newProps over prev requires an
// atomic test before commit: only required if the new state is not
// compatible with the previous.
func NeedsTest(prev *Snapshot, newProps element.Properties) bool {
	if prev == nil {
		return true
	}
	return !prev.Properties.Compatible(newProps)
}

// FastCopyEligible reports whether e's pixels can be copied directly into a
// cursor-sized buffer of cursorFormat without going through a rasteriser,
// identity source rect, unit scale, no buffer transform, no output
// transform, and a matching pixel format.
func FastCopyEligible(e element.Element, outputTransform geom.Transform, cursorFormat kms.Format) bool {
	if e.Transform != geom.TransformNormal || outputTransform != geom.TransformNormal {
		return false
	}
	if e.Src.X != 0 || e.Src.Y != 0 {
		return false
	}
	if int32(e.Src.W) != e.Dst.Size.W || int32(e.Src.H) != e.Dst.Size.H {
		return false
	}
	format, ok := storageFormat(e.Storage)
	if !ok {
		return false
	}
	return format == cursorFormat
}

func storageFormat(s element.Storage) (kms.Format, bool) {
	switch st := s.(type) {
	case element.ClientBuffer:
		return st.Buffer.Format(), true
	case element.CPUMemory:
		return st.Format, true
	default:
		return 0, false
	}
}

// ErrShortSource means the source slice has fewer bytes than the copy plan
// requires.
var ErrShortSource = errors.New("cursor: source buffer too small")

// Copy performs the fast-path pixel copy: a single contiguous write when
// strides match, otherwise a row-by-row copy.
func Copy(dst []byte, dstStride int32, src []byte, srcStride int32, rows int32) error {
	if dstStride == srcStride {
		need := int(dstStride) * int(rows)
		if len(src) < need {
			return ErrShortSource
		}
		copy(dst, src[:need])
		return nil
	}
	width := dstStride
	if srcStride < width {
		width = srcStride
	}
	for row := int32(0); row < rows; row++ {
		dstStart, srcStart := row*dstStride, row*srcStride
		if int(srcStart+width) > len(src) {
			return ErrShortSource
		}
		copy(dst[dstStart:dstStart+width], src[srcStart:srcStart+width])
	}
	return nil
}

// Sprite is a cursor image already copied or rendered into a framebuffer,
// keyed by the element identity and commit it was produced from.
type Sprite struct {
	Element element.ID
	Commit  element.CommitCounter
	FB      kms.FramebufferHandle
}

// Cache memoises Sprites so an unchanged cursor element is never re-copied
// or re-rasterised on consecutive frames.
type Cache struct {
	entries map[element.ID]Sprite
}

// NewCache constructs an empty sprite cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[element.ID]Sprite)}
}

// Get returns the cached sprite for id if it is still current for commit.
func (c *Cache) Get(id element.ID, commit element.CommitCounter) (kms.FramebufferHandle, bool) {
	s, ok := c.entries[id]
	if !ok || s.Commit != commit {
		return nil, false
	}
	return s.FB, true
}

// Put records a freshly produced sprite, closing any stale entry for the
// same element id first.
func (c *Cache) Put(id element.ID, commit element.CommitCounter, fb kms.FramebufferHandle) {
	if old, ok := c.entries[id]; ok && old.FB != nil && old.FB != fb {
		old.FB.Close()
	}
	c.entries[id] = Sprite{Element: id, Commit: commit, FB: fb}
}

// Prune discards every sprite whose element id no longer exists, closing
// its framebuffer handle.
func (c *Cache) Prune(alive func(element.ID) bool) {
	for id, s := range c.entries {
		if alive(id) {
			continue
		}
		if s.FB != nil {
			s.FB.Close()
		}
		delete(c.entries, id)
	}
}
