// Package swapchain implements a bounded pool of allocator-backed primary
// plane buffers, tracking submission age for damage-history purposes.
// Generalises a double-buffering flip loop to N slots.
package swapchain

import (
	"errors"

	"github.com/kestrelwm/scanoutd/pkg/fb"
	"github.com/kestrelwm/scanoutd/pkg/kms"
)

// Exhausted is returned by Acquire when every slot is currently owned by
// the display pipeline.
var Exhausted = errors.New("swapchain: no free slot")

// Buffer is an allocator-backed buffer; it satisfies fb.Buffer so it can be
// exported directly through an fb.Exporter/fb.Cache.
type Buffer interface {
	fb.Buffer
}

// Allocator produces buffers sized to the current mode.
type Allocator interface {
	Allocate(size kms.Mode, format kms.Format, modifiers []kms.Modifier) (Buffer, error)
}

// Slot owns one allocator buffer plus its memoised framebuffer handle and
// submission age.
type Slot struct {
	Buffer Buffer
	FB     kms.FramebufferHandle
	Age    uint32

	acquired bool
}

// Chain is a bounded pool of Slots sized to the current mode.
type Chain struct {
	alloc    Allocator
	exporter fb.Exporter
	dev      kms.DeviceFD
	format   kms.Format
	modifiers []kms.Modifier
	mode     kms.Mode

	slots []*Slot
	cap   int
}

// New creates a swapchain with room for up to capacity concurrently-live
// slots (resurrected-from-pool or freshly allocated).
func New(alloc Allocator, exporter fb.Exporter, dev kms.DeviceFD, format kms.Format, modifiers []kms.Modifier, mode kms.Mode, capacity int) *Chain {
	return &Chain{
		alloc:     alloc,
		exporter:  exporter,
		dev:       dev,
		format:    format,
		modifiers: modifiers,
		mode:      mode,
		cap:       capacity,
	}
}

// Acquire returns a free slot — resurrected from the pool if one exists, or
// freshly allocated if under capacity — or Exhausted if none is available.
// On first acquisition of a slot its framebuffer handle is exported and
// memoised.
func (c *Chain) Acquire() (*Slot, error) {
	for _, s := range c.slots {
		if !s.acquired {
			s.acquired = true
			return s, nil
		}
	}
	if len(c.slots) >= c.cap {
		return nil, Exhausted
	}
	buf, err := c.alloc.Allocate(c.mode, c.format, c.modifiers)
	if err != nil {
		return nil, err
	}
	handle, err := c.exporter.Export(c.dev, buf, false)
	if err != nil {
		return nil, err
	}
	s := &Slot{Buffer: buf, FB: handle, acquired: true}
	c.slots = append(c.slots, s)
	return s, nil
}

// Release returns slot to the free pool without changing its age. Used when
// a prepared-but-unqueued frame is dropped.
func (c *Chain) Release(s *Slot) {
	s.acquired = false
}

// Submitted marks slot as owned by the display pipeline, setting its age to
// 1 and incrementing every other live slot's age (the standard swapchain-age
// convention: "how many frames ago was this slot last on screen").
func (c *Chain) Submitted(s *Slot) {
	for _, other := range c.slots {
		if other == s {
			other.Age = 1
		} else if other.Age > 0 || other.acquired {
			other.Age++
		}
	}
	s.acquired = false
}

// ResetBuffers discards every slot's buffer and framebuffer handle, forcing
// fresh allocation on next Acquire. Used after debug-flag or session
// changes.
func (c *Chain) ResetBuffers() {
	for _, s := range c.slots {
		if s.FB != nil {
			s.FB.Close()
		}
	}
	c.slots = nil
}

// ResetBufferAges resets every slot's age to 0 without reallocating,
// forcing the damage tracker to treat the next frame as "all damage".
func (c *Chain) ResetBufferAges() {
	for _, s := range c.slots {
		s.Age = 0
	}
}

// Drain releases every in-progress (acquired) slot back to the pool without
// touching their age, used when a fatal per-frame error (AllocatorFailure,
// DmabufExportFailure, FramebufferExportFailure) means the frame must be
// abandoned.
func (c *Chain) Drain() {
	for _, s := range c.slots {
		s.acquired = false
	}
}

// Resize changes the target mode, draining and resetting buffers so the
// next Acquire allocates at the new size.
func (c *Chain) Resize(mode kms.Mode) {
	c.mode = mode
	c.ResetBuffers()
}
