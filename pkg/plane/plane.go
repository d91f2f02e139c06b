// Package plane describes the static shape of a display controller's plane
// topology: one primary plane, an optional cursor plane, and a front-to-back
// ordered list of overlay planes, each with its own format/modifier
// capability set. Built once at compositor construction.
package plane

import (
	"sort"

	"github.com/kestrelwm/scanoutd/pkg/kms"
)

// FormatSet is the set of (format, modifier) pairs a plane can scan out.
type FormatSet map[kms.Format][]kms.Modifier

// Has reports whether fm is supported.
func (s FormatSet) Has(fm kms.FormatModifier) bool {
	mods, ok := s[fm.Format]
	if !ok {
		return false
	}
	for _, m := range mods {
		if m == fm.Modifier {
			return true
		}
	}
	return false
}

// HasFormat reports whether the format is supported in any modifier.
func (s FormatSet) HasFormat(f kms.Format) bool {
	_, ok := s[f]
	return ok
}

// Intersect returns the pairs present in both sets, applying a
// Linear-modifier fallback rule: if one side only declares Invalid for a
// shared format, treat it as also accepting Linear (a renderer or plane
// that doesn't bother enumerating modifiers is assumed to mean "untiled").
func (s FormatSet) Intersect(other FormatSet) FormatSet {
	out := FormatSet{}
	for f, mods := range s {
		omods, ok := other[f]
		if !ok {
			continue
		}
		sSet := modSet(mods)
		oSet := modSet(omods)
		if _, ok := sSet[kms.Invalid]; ok {
			sSet[kms.Linear] = struct{}{}
		}
		if _, ok := oSet[kms.Invalid]; ok {
			oSet[kms.Linear] = struct{}{}
		}
		var shared []kms.Modifier
		for m := range sSet {
			if _, ok := oSet[m]; ok {
				shared = append(shared, m)
			}
		}
		if len(shared) > 0 {
			out[f] = shared
		}
	}
	return out
}

func modSet(mods []kms.Modifier) map[kms.Modifier]struct{} {
	out := make(map[kms.Modifier]struct{}, len(mods))
	for _, m := range mods {
		out[m] = struct{}{}
	}
	return out
}

// Empty reports whether the set carries no usable format.
func (s FormatSet) Empty() bool { return len(s) == 0 }

// OpaqueFormat, given an alpha-carrying format, returns its opaque
// equivalent if the set advertises one (e.g. ARGB8888 -> XRGB8888), used
// when an element is known fully opaque to avoid an alpha-blended primary
// ("formats may include an opaque variant").
type OpaqueFormat func(alpha kms.Format) (opaque kms.Format, ok bool)

// Info describes a single plane's identity, type, z-position and
// capabilities.
type Info struct {
	Handle    kms.PlaneID
	Type      kms.PlaneType
	Zpos      int32
	Formats   FormatSet
	HasAlpha  func(kms.Format) bool
	Opaque    OpaqueFormat
}

// Set is the compositor's view of the controller's plane topology.
type Set struct {
	Primary Info
	Cursor  *Info // nil if no cursor plane is usable
	// Overlay is stored front-to-back (descending Zpos).
	Overlay []Info
}

// NewSet builds a Set from the planes a controller surface advertises (or
// an explicit override list), sorting overlays front-to-back. If legacy is
// true (the controller is non-atomic), cursor and overlay planes are
// discarded: direct scan-out is only supported atomically.
func NewSet(primary Info, cursor *Info, overlay []Info, legacy bool) Set {
	if legacy {
		return Set{Primary: primary}
	}
	sorted := make([]Info, len(overlay))
	copy(sorted, overlay)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Zpos > sorted[j].Zpos
	})
	return Set{Primary: primary, Cursor: cursor, Overlay: sorted}
}

// All returns every plane in the set, primary first, then cursor (if any),
// then overlays front-to-back. Useful for iterating frame state.
func (s Set) All() []Info {
	out := make([]Info, 0, 2+len(s.Overlay))
	out = append(out, s.Primary)
	if s.Cursor != nil {
		out = append(out, *s.Cursor)
	}
	out = append(out, s.Overlay...)
	return out
}

// IsUnderlay reports whether a plane with the given zpos would act as an
// underlay relative to the primary ("overlays with z < primary's z act as
// underlays").
func (s Set) IsUnderlay(zpos int32) bool {
	return zpos < s.Primary.Zpos
}
