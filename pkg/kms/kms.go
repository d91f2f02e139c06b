// Package kms defines the collaborator interfaces this module consumes: the
// atomic-capable display controller ("surface"), the GPU/software renderer,
// and the handful of value types (formats, modifiers, plane ids) shared
// across the whole compositor core. Nothing in this package implements an
// actual ioctl or GPU call — see kms/atomicsurface for a real Surface.
package kms

import (
	"context"

	"github.com/kestrelwm/scanoutd/pkg/geom"
)

// Format is a pixel format fourcc code (e.g. DRM_FORMAT_ARGB8888).
type Format uint32

// Modifier is a buffer layout modifier (e.g. tiling), fourcc-modifier
// encoded the way DRM expresses it.
type Modifier uint64

// Invalid is the sentinel "no specific modifier declared" value, matching
// DRM_FORMAT_MOD_INVALID's role in the renderer/plane intersection
// fallback rule.
const Invalid Modifier = ^Modifier(0)

// Linear is the universally-supported un-tiled modifier.
const Linear Modifier = 0

// FormatModifier pairs a format with one modifier it supports.
type FormatModifier struct {
	Format   Format
	Modifier Modifier
}

// PlaneID identifies a plane on the controller. Opaque to this package;
// callers compare by equality only.
type PlaneID uint32

// PlaneType distinguishes the three kinds of plane this module recognises.
type PlaneType int

const (
	PlaneTypePrimary PlaneType = iota
	PlaneTypeCursor
	PlaneTypeOverlay
)

func (t PlaneType) String() string {
	switch t {
	case PlaneTypePrimary:
		return "primary"
	case PlaneTypeCursor:
		return "cursor"
	case PlaneTypeOverlay:
		return "overlay"
	default:
		return "unknown"
	}
}

// Claim represents exclusive use of a plane, returned by Surface.ClaimPlane.
// Releasing it (Close) returns the plane to the pool of claimable planes.
type Claim interface {
	Plane() PlaneID
	Close() error
}

// DeviceFD is the device handle passed to framebuffer export calls; it is
// whatever the concrete Surface implementation considers its device file
// descriptor (an *os.File on Linux, a lease FD, ...). Opaque here.
type DeviceFD any

// DriverCapability is a DRM_CAP_* style capability query key.
type DriverCapability int

const (
	CapAddFB2Modifiers DriverCapability = iota
	CapInFences
)

// ConnectorID and CrtcID identify controller-side resources the core treats
// opaquely (it never enumerates or programs connectors directly — that is
// the host's job per §1 "out of scope").
type ConnectorID uint32
type CrtcID uint32

// Mode describes the currently (or to-be) active display mode.
type Mode struct {
	Width, Height int32
	RefreshMilliHz int32
}

// PlaneWireState is what gets handed to the controller for one plane during
// a test/commit/page-flip, per §6 "PlaneState emitted to the controller".
type PlaneWireState struct {
	Plane       PlaneID
	Enabled     bool
	Src         geom.RectF
	Dst         geom.Rect
	Alpha       float32
	Transform   geom.Transform
	DamageClips []geom.Rect
	Framebuffer FramebufferHandle
	FenceFD     int // -1 if none
}

// FramebufferHandle is an opaque, shared-owned reference to a
// controller-side framebuffer object. Concrete Surface/Exporter
// implementations define what it wraps; the core only stores and compares
// identity.
type FramebufferHandle interface {
	// ID is a stable identity for equality/logging; it is not
	// necessarily the raw controller handle number.
	ID() uint64
	// Close releases the controller-side resource. Safe to call once the
	// last reference (cache entry or Plane Configuration) is dropped.
	Close() error
}

// SyncPoint is a GPU-side synchronisation primitive that scan-out can wait
// on, either by exporting it to an in-fence FD or by the caller blocking.
type SyncPoint interface {
	// ExportFD exports a fence FD suitable for attaching to a
	// PlaneWireState, or returns ok=false if this sync point cannot be
	// exported (software rendering with no DRM syncobj backing, etc).
	ExportFD() (fd int, ok bool)
	// Wait blocks the caller until the sync point is signalled. Used by
	// hosts when Surface does not support in-fences.
	Wait(ctx context.Context) error
	// IsSignalled reports whether the sync point is already signalled
	// without blocking.
	IsSignalled() bool
}

// Surface is the atomic-capable display controller abstraction consumed by
// this module.
type Surface interface {
	TestState(ctx context.Context, states []PlaneWireState, allowModeset bool) error
	Commit(ctx context.Context, states []PlaneWireState, event any) error
	PageFlip(ctx context.Context, states []PlaneWireState, event any) error

	ClaimPlane(plane PlaneID) (Claim, bool)
	PlaneHasProperty(plane PlaneID, name string) bool
	DriverCapability(cap DriverCapability) int64

	IsActive() bool
	IsLegacy() bool
	CommitPending() bool
	CurrentMode() Mode
	PendingMode() Mode
	UseMode(m Mode) error

	AddConnector(c ConnectorID) error
	RemoveConnector(c ConnectorID) error
	SetConnectors(cs []ConnectorID) error
	ResetState()

	DeviceFD() DeviceFD
}

// RenderFrame is the in-progress target returned by Renderer.Render.
type RenderFrame interface {
	Clear(color [4]float32, damage []geom.Rect) error
	Finish() (SyncPoint, error)
}

// Renderer is the GPU/software renderer abstraction the core falls back to
// for elements it cannot place on a plane. Draw operations over the element
// stack are intentionally not modelled here: they belong to the concrete
// renderer's own element-drawing API, which this module only needs to
// invoke opaquely via the Damage Tracker contract (pkg/damage).
type Renderer interface {
	Render(size geom.Size, transform geom.Transform) (RenderFrame, error)
	SetDebugFlags(flags uint32)
	DebugFlags() uint32
}
