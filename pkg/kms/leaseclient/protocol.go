package leaseclient

// Wire protocol spoken to the lease manager over a Unix domain socket. A
// request is a fixed-size little-endian struct; a successful response
// carries one DRM lease FD via SCM_RIGHTS ancillary data alongside a
// fixed-size payload, mirroring how display-server-adjacent processes hand
// privileged device access to unprivileged siblings.
const (
	cmdRequestLease = 1
	cmdReleaseLease = 2
)

// leaseRequest is written verbatim onto the socket (17 bytes: 1 + 4 + 4 +
// 4 + 4; binary.Write packs the fields with no padding between them).
type leaseRequest struct {
	Cmd    uint8
	Width  uint32
	Height uint32
	// CrtcID and ConnectorID pin the request to a specific output when the
	// manager arbitrates more than one; zero means "any".
	CrtcID      uint32
	ConnectorID uint32
}

// responseSize is the fixed payload size of a successful or failed
// lease-request response: 1 status byte + 4-byte scanout id + 64-byte
// connector name.
const responseSize = 1 + 4 + 64
