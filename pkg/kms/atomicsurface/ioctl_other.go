//go:build !linux

package atomicsurface

import (
	"fmt"
	"os"
)

// Stubs for non-Linux platforms; atomic KMS ioctls only exist on Linux.

func openDevice(path string) (*os.File, error) {
	return nil, fmt.Errorf("atomicsurface: DRM ioctls only supported on Linux")
}

func closeDevice(f *os.File) error {
	return fmt.Errorf("atomicsurface: DRM ioctls only supported on Linux")
}

func getCap(f *os.File, capability uint64) (uint64, error) {
	return 0, fmt.Errorf("atomicsurface: DRM ioctls only supported on Linux")
}

func getResources(f *os.File) (crtcIDs, connectorIDs []uint32, err error) {
	return nil, nil, fmt.Errorf("atomicsurface: DRM ioctls only supported on Linux")
}

func objectProperties(f *os.File, objID, objType uint32) (propIDs []uint32, values []uint64, err error) {
	return nil, nil, fmt.Errorf("atomicsurface: DRM ioctls only supported on Linux")
}

func propertyName(f *os.File, propID uint32) (string, error) {
	return "", fmt.Errorf("atomicsurface: DRM ioctls only supported on Linux")
}

func createPropertyBlob(f *os.File, data []byte) (uint32, error) {
	return 0, fmt.Errorf("atomicsurface: DRM ioctls only supported on Linux")
}

func destroyPropertyBlob(f *os.File, blobID uint32) error {
	return fmt.Errorf("atomicsurface: DRM ioctls only supported on Linux")
}

func atomicCommit(f *os.File, objs []uint32, objCounts []uint32, props []uint32, values []uint64, flags uint32) error {
	return fmt.Errorf("atomicsurface: DRM ioctls only supported on Linux")
}

func isEinval(err error) bool { return false }

const (
	objTypeCrtc      = 0xcccccccc
	objTypeConnector = 0xc0c0c0c0
	objTypePlane     = 0xeeeeeeee

	flagPageFlipEvent      = 0x01
	flagAtomicTestOnly     = 0x0100
	flagAtomicNonblock     = 0x0200
	flagAtomicAllowModeset = 0x0400
)
