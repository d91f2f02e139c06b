// Package element models the externally supplied visual elements the
// Assignment Engine walks each frame, and the per-element memoisation
// (the Element State Cache) that lets repeated frames skip redundant
// export attempts and feasibility tests.
package element

import (
	"github.com/kestrelwm/scanoutd/pkg/fb"
	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
)

// ID is a stable element identity, stable across commits.
type ID uint64

// CommitCounter monotonically increases each time an element's content
// changes; used to decide whether damage_since can be trusted.
type CommitCounter uint64

// Storage is the closed union of where an element's pixels live: a
// client-shared buffer or CPU memory (the cursor CPU-fallback path).
// Tagged via Kind().
type Storage interface {
	Kind() StorageKind
}

type StorageKind int

const (
	StorageNone StorageKind = iota
	StorageClientBuffer
	StorageCPUMemory
)

// ClientBuffer is a client-shared (Wayland dmabuf/shm) buffer.
type ClientBuffer struct {
	fb.Buffer
}

func (ClientBuffer) Kind() StorageKind { return StorageClientBuffer }

// CPUMemory is raw CPU-mapped pixel data, used by the cursor fast-copy path.
type CPUMemory struct {
	Data   []byte
	Stride int32
	Format kms.Format
}

func (CPUMemory) Kind() StorageKind { return StorageCPUMemory }

// Element is an externally supplied entity to be considered for plane
// assignment. Elements are immutable across a frame.
type Element struct {
	ID        ID
	Commit    CommitCounter
	Src       geom.RectF // in buffer coordinates
	Dst       geom.Rect  // in physical output coordinates
	Transform geom.Transform
	Alpha     float32
	Storage   Storage
	// Opaque lists the element's opaque sub-regions, in physical output
	// coordinates like Dst; nil/empty means "not known opaque anywhere".
	Opaque []geom.Rect
	// Damage since the element's previous commit, in its own coordinate
	// space. Ignored if Commit differs from the commit the caller is
	// diffing against (damage_since returns "total" in that case).
	Damage []geom.Rect
	// Cursor marks elements that self-identify as a cursor surface.
	Cursor bool
}

// IsFullyOpaque reports whether the element's opaque regions cover its
// entire destination rectangle.
func (e Element) IsFullyOpaque() bool {
	if e.Alpha < 1 {
		return false
	}
	remaining := geom.SubtractAll(e.Dst, e.Opaque)
	return len(remaining) == 0
}

// DamageSince returns the element's Damage unchanged if hadSince is set and
// since equals the element's last known commit; otherwise it returns the
// full destination rect ("total damage").
func (e Element) DamageSince(since CommitCounter, hadSince bool) []geom.Rect {
	if !hadSince || since != e.Commit {
		return []geom.Rect{e.Dst}
	}
	return e.Damage
}

// Properties is the five-tuple the controller actually observes for a
// plane, used to decide whether two configurations are compatible.
type Properties struct {
	Src       geom.RectF
	Dst       geom.Rect
	Transform geom.Transform
	Alpha     float32
	Format    kms.Format
}

// Compatible reports whether p and o describe the same observable plane
// configuration (buffer identity may differ).
func (p Properties) Compatible(o Properties) bool {
	return p.Src == o.Src && p.Dst == o.Dst && p.Transform == o.Transform &&
		p.Alpha == o.Alpha && p.Format == o.Format
}

// PropertiesOf derives the wire-observable properties for an element
// destined for a given plane.
func PropertiesOf(e Element, format kms.Format) Properties {
	return Properties{Src: e.Src, Dst: e.Dst, Transform: e.Transform, Alpha: e.Alpha, Format: format}
}
