package element

import "github.com/kestrelwm/scanoutd/pkg/fb"

// PlaneMask is a bitmask over a plane topology's fixed All() order: bit 0
// is the primary plane, bit 1 the cursor plane (if any), and bits 2.. the
// overlay planes front-to-back.
type PlaneMask uint32

// Instance is one distinct Plane Properties observed for an element across
// frames, with the active-planes context it was last seen in and the
// planes it is known to fail on in that context.
type Instance struct {
	Properties Properties
	ActiveMask PlaneMask
	FailedMask PlaneMask
}

// Cache is the per-compositor Element State Cache: for each element id, the
// small set of distinct Plane Properties observed, each with its own
// failed-planes bitmask, plus the Framebuffer Cache used to export that
// element's buffers.
type Cache struct {
	FB        *fb.Cache
	instances map[ID][]Instance
}

// NewCache wraps exporter in a Framebuffer Cache and returns an empty
// Element State Cache.
func NewCache(exporter fb.Exporter) *Cache {
	return &Cache{FB: fb.NewCache(exporter), instances: make(map[ID][]Instance)}
}

// Lookup finds the Instance matching props for id, appending a fresh one if
// none exists. If the active-planes context has changed since the instance
// was last seen, its failed-planes mask is cleared — a different context
// means different planes were even eligible, so a stale failure no longer
// applies.
func (c *Cache) Lookup(id ID, props Properties, active PlaneMask) *Instance {
	list := c.instances[id]
	for i := range list {
		if list[i].Properties != props {
			continue
		}
		if list[i].ActiveMask != active {
			list[i].FailedMask = 0
		}
		list[i].ActiveMask = active
		return &list[i]
	}
	list = append(list, Instance{Properties: props, ActiveMask: active})
	c.instances[id] = list
	return &c.instances[id][len(list)-1]
}

// Reset clears every instance's failed-planes mask. Not called by Engine.Run
// itself: a failed-planes bit is meant to persist across frames for as long
// as the instance's active-planes context is unchanged, so a caller that
// wants a hard reset (e.g. after fully reinitialising the plane topology)
// must call this explicitly rather than relying on it happening every frame.
func (c *Cache) Reset() {
	for id, list := range c.instances {
		for i := range list {
			list[i].FailedMask = 0
		}
		c.instances[id] = list
	}
}

// Prune discards cached instances for elements no longer alive, and drops
// stale framebuffer cache entries for buffers no longer alive.
func (c *Cache) Prune(aliveElement func(ID) bool, aliveBuffer func(fb.BufferID) bool) {
	for id := range c.instances {
		if !aliveElement(id) {
			delete(c.instances, id)
		}
	}
	c.FB.Prune(aliveBuffer)
}
