//go:build linux

package atomicsurface

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DRM ioctl numbers, encoded the standard Linux way:
//
//	_IO(type, nr)          = (type << 8) | nr
//	_IOR(type, nr, size)   = 0x80000000 | (size << 16) | (type << 8) | nr
//	_IOW(type, nr, size)   = 0x40000000 | (size << 16) | (type << 8) | nr
//	_IOWR(type, nr, size)  = 0xC0000000 | (size << 16) | (type << 8) | nr
//
// type is always 'd' (0x64) for DRM.
const (
	ioctlSetMaster  = 0x641e // DRM_IOCTL_SET_MASTER  = _IO('d', 0x1e)
	ioctlDropMaster = 0x641f // DRM_IOCTL_DROP_MASTER = _IO('d', 0x1f)

	// DRM_IOCTL_SET_CLIENT_CAP, struct drm_set_client_cap is 16 bytes.
	ioctlSetClientCap = 0x4010640d
	// DRM_IOCTL_GET_CAP, struct drm_get_cap is 16 bytes.
	ioctlGetCap = 0xc010640c

	// DRM_IOCTL_MODE_GETRESOURCES, struct drm_mode_card_res is 64 bytes.
	ioctlModeGetResources = 0xc04064a0

	// DRM_IOCTL_MODE_OBJ_GETPROPERTIES, struct drm_mode_obj_get_properties
	// is 32 bytes (two u64 pointers padded against three trailing u32s).
	ioctlModeObjGetProperties = 0xc02064b9

	// DRM_IOCTL_MODE_GETPROPERTY, struct drm_mode_get_property is 64 bytes
	// (two u64 pointers, a 32-byte name, four trailing u32s).
	ioctlModeGetProperty = 0xc04064aa

	// DRM_IOCTL_MODE_ATOMIC, struct drm_mode_atomic is 56 bytes.
	ioctlModeAtomic = 0xc03864bc

	// DRM_IOCTL_MODE_CREATEPROPBLOB, struct drm_mode_create_blob is 16 bytes.
	ioctlModeCreatePropBlob = 0xc01064bd
	// DRM_IOCTL_MODE_DESTROYPROPBLOB, struct drm_mode_destroy_blob is 4 bytes.
	ioctlModeDestroyPropBlob = 0xc00464be
)

// DRM_MODE_OBJECT_* object-type tags used by OBJ_GETPROPERTIES.
const (
	objTypeCrtc      = 0xcccccccc
	objTypeConnector = 0xc0c0c0c0
	objTypePlane     = 0xeeeeeeee
)

// DRM_CLIENT_CAP_* values accepted by SET_CLIENT_CAP.
const (
	clientCapUniversalPlanes = 2
	clientCapAtomic          = 3
)

// DRM_MODE_ATOMIC_*/DRM_MODE_PAGE_FLIP_* flags for the ATOMIC ioctl.
const (
	flagPageFlipEvent    = 0x01
	flagAtomicTestOnly   = 0x0100
	flagAtomicNonblock   = 0x0200
	flagAtomicAllowModeset = 0x0400
)

type drmSetClientCap struct {
	Capability uint64
	Value      uint64
}

type drmGetCap struct {
	Capability uint64
	Value      uint64
}

// drmModeCardRes corresponds to struct drm_mode_card_res.
type drmModeCardRes struct {
	FbIDPtr         uint64
	CrtcIDPtr       uint64
	ConnectorIDPtr  uint64
	EncoderIDPtr    uint64
	CountFbs        uint32
	CountCrtcs      uint32
	CountConnectors uint32
	CountEncoders   uint32
	MinWidth        uint32
	MaxWidth        uint32
	MinHeight       uint32
	MaxHeight       uint32
}

type drmModeObjGetProperties struct {
	PropsPtr      uint64
	PropValuesPtr uint64
	CountProps    uint32
	ObjID         uint32
	ObjType       uint32
	_             uint32 // padding to keep the struct's true 32-byte size
}

type drmModeGetProperty struct {
	ValuesPtr    uint64
	EnumBlobPtr  uint64
	PropID       uint32
	Flags        uint32
	Name         [32]byte
	CountValues  uint32
	CountEnumBlobs uint32
}

type drmModeAtomic struct {
	Flags         uint32
	CountObjs     uint32
	ObjsPtr       uint64
	CountPropsPtr uint64
	PropsPtr      uint64
	PropValuesPtr uint64
	Reserved      uint64
	UserData      uint64
}

type drmModeCreatePropBlob struct {
	Data   uint64
	Length uint32
	BlobID uint32
}

type drmModeDestroyPropBlob struct {
	BlobID uint32
}

// isEinval reports whether err is the kernel's EINVAL, the signal that one
// plane's properties (not the device itself) were rejected.
func isEinval(err error) bool {
	return errors.Is(err, unix.EINVAL)
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func openDevice(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := ioctl(f.Fd(), ioctlSetMaster, nil); err != nil {
		f.Close()
		return nil, fmt.Errorf("DRM_IOCTL_SET_MASTER: %w", err)
	}
	for _, capability := range []uint64{clientCapUniversalPlanes, clientCapAtomic} {
		c := drmSetClientCap{Capability: capability, Value: 1}
		if err := ioctl(f.Fd(), ioctlSetClientCap, unsafe.Pointer(&c)); err != nil {
			f.Close()
			return nil, fmt.Errorf("DRM_IOCTL_SET_CLIENT_CAP(%d): %w", capability, err)
		}
	}
	return f, nil
}

func closeDevice(f *os.File) error {
	_ = ioctl(f.Fd(), ioctlDropMaster, nil)
	return f.Close()
}

func getCap(f *os.File, capability uint64) (uint64, error) {
	c := drmGetCap{Capability: capability}
	if err := ioctl(f.Fd(), ioctlGetCap, unsafe.Pointer(&c)); err != nil {
		return 0, fmt.Errorf("DRM_IOCTL_GET_CAP(%d): %w", capability, err)
	}
	return c.Value, nil
}

// getResources enumerates the CRTC and connector object IDs visible on f.
func getResources(f *os.File) (crtcIDs, connectorIDs []uint32, err error) {
	var res drmModeCardRes
	if err := ioctl(f.Fd(), ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, nil, fmt.Errorf("MODE_GETRESOURCES (count): %w", err)
	}
	if res.CountCrtcs == 0 || res.CountConnectors == 0 {
		return nil, nil, fmt.Errorf("no CRTCs or connectors (crtcs=%d connectors=%d)", res.CountCrtcs, res.CountConnectors)
	}
	crtcIDs = make([]uint32, res.CountCrtcs)
	connectorIDs = make([]uint32, res.CountConnectors)
	res2 := drmModeCardRes{
		CrtcIDPtr:       uint64(uintptr(unsafe.Pointer(&crtcIDs[0]))),
		ConnectorIDPtr:  uint64(uintptr(unsafe.Pointer(&connectorIDs[0]))),
		CountCrtcs:      res.CountCrtcs,
		CountConnectors: res.CountConnectors,
	}
	if err := ioctl(f.Fd(), ioctlModeGetResources, unsafe.Pointer(&res2)); err != nil {
		return nil, nil, fmt.Errorf("MODE_GETRESOURCES (fill): %w", err)
	}
	return crtcIDs, connectorIDs, nil
}

// objectProperties returns the (propID, value) pairs currently set on an
// object, the raw material discoverProperties uses to resolve names.
func objectProperties(f *os.File, objID, objType uint32) (propIDs []uint32, values []uint64, err error) {
	req := drmModeObjGetProperties{ObjID: objID, ObjType: objType}
	if err := ioctl(f.Fd(), ioctlModeObjGetProperties, unsafe.Pointer(&req)); err != nil {
		return nil, nil, fmt.Errorf("OBJ_GETPROPERTIES(%d) count: %w", objID, err)
	}
	if req.CountProps == 0 {
		return nil, nil, nil
	}
	propIDs = make([]uint32, req.CountProps)
	values = make([]uint64, req.CountProps)
	req2 := drmModeObjGetProperties{
		ObjID:         objID,
		ObjType:       objType,
		CountProps:    req.CountProps,
		PropsPtr:      uint64(uintptr(unsafe.Pointer(&propIDs[0]))),
		PropValuesPtr: uint64(uintptr(unsafe.Pointer(&values[0]))),
	}
	if err := ioctl(f.Fd(), ioctlModeObjGetProperties, unsafe.Pointer(&req2)); err != nil {
		return nil, nil, fmt.Errorf("OBJ_GETPROPERTIES(%d) fill: %w", objID, err)
	}
	return propIDs, values, nil
}

// propertyName resolves a property ID to the name the kernel registered it
// under ("FB_ID", "CRTC_X", "rotation", ...).
func propertyName(f *os.File, propID uint32) (string, error) {
	var prop drmModeGetProperty
	prop.PropID = propID
	if err := ioctl(f.Fd(), ioctlModeGetProperty, unsafe.Pointer(&prop)); err != nil {
		return "", fmt.Errorf("GETPROPERTY(%d): %w", propID, err)
	}
	n := 0
	for n < len(prop.Name) && prop.Name[n] != 0 {
		n++
	}
	return string(prop.Name[:n]), nil
}

// createPropertyBlob uploads data (e.g. a mode blob or FB_DAMAGE_CLIPS rect
// list) and returns the blob ID atomic properties reference by value.
func createPropertyBlob(f *os.File, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	req := drmModeCreatePropBlob{
		Data:   uint64(uintptr(unsafe.Pointer(&data[0]))),
		Length: uint32(len(data)),
	}
	if err := ioctl(f.Fd(), ioctlModeCreatePropBlob, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("CREATEPROPBLOB: %w", err)
	}
	return req.BlobID, nil
}

func destroyPropertyBlob(f *os.File, blobID uint32) error {
	req := drmModeDestroyPropBlob{BlobID: blobID}
	if err := ioctl(f.Fd(), ioctlModeDestroyPropBlob, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("DESTROYPROPBLOB(%d): %w", blobID, err)
	}
	return nil
}

// atomicCommit issues one DRM_IOCTL_MODE_ATOMIC call against the flattened
// (object, property, value) triples a Surface method built. objCounts gives
// the number of (prop, value) entries contributed by each entry of objs, in
// the same order they appear in props/values.
func atomicCommit(f *os.File, objs []uint32, objCounts []uint32, props []uint32, values []uint64, flags uint32) error {
	req := drmModeAtomic{
		Flags:     flags,
		CountObjs: uint32(len(objs)),
	}
	if len(objs) > 0 {
		req.ObjsPtr = uint64(uintptr(unsafe.Pointer(&objs[0])))
		req.CountPropsPtr = uint64(uintptr(unsafe.Pointer(&objCounts[0])))
	}
	if len(props) > 0 {
		req.PropsPtr = uint64(uintptr(unsafe.Pointer(&props[0])))
		req.PropValuesPtr = uint64(uintptr(unsafe.Pointer(&values[0])))
	}
	if err := ioctl(f.Fd(), ioctlModeAtomic, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("MODE_ATOMIC: %w", err)
	}
	return nil
}
