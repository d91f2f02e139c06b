// Package leaseclient requests a DRM lease FD from a privileged
// lease-manager sibling process over a Unix socket, the split this module
// uses instead of opening /dev/dri/cardN directly: one process holds DRM
// master and hands out leased device FDs (plus a scanout/connector
// identity) to however many compositor-core instances need one, the way a
// multi-seat host hands leases to per-session compositors.
package leaseclient

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Client talks to one lease manager's Unix socket.
type Client struct {
	socketPath string
}

// New returns a client for the manager listening on socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Lease is a granted DRM lease: a device FD the caller owns (pass it to
// atomicsurface.Config.DeviceFile) plus the identity the manager assigned
// it. Keeping conn open is the liveness signal the manager watches — if
// this process dies, the kernel closes the socket and the manager reclaims
// the scanout automatically. Call Close to release it deliberately.
type Lease struct {
	ScanoutID     uint32
	ConnectorName string
	FD            int

	conn net.Conn
}

// Close releases the lease by dropping the liveness connection.
func (l *Lease) Close() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// Request asks the manager for a lease sized to width x height, optionally
// pinned to a specific CRTC/connector (zero means "any").
func (c *Client) Request(width, height uint32, crtc, connector uint32) (*Lease, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("leaseclient: connect %s: %w", c.socketPath, err)
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("leaseclient: %s is not a unix socket", c.socketPath)
	}

	req := leaseRequest{
		Cmd:         cmdRequestLease,
		Width:       width,
		Height:      height,
		CrtcID:      crtc,
		ConnectorID: connector,
	}
	if err := binary.Write(unixConn, binary.LittleEndian, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("leaseclient: write request: %w", err)
	}

	respBuf := make([]byte, responseSize)
	oob := make([]byte, unix.CmsgSpace(4)) // room for exactly one FD
	n, oobn, _, _, err := unixConn.ReadMsgUnix(respBuf, oob)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("leaseclient: read response: %w", err)
	}
	if n < responseSize {
		conn.Close()
		return nil, fmt.Errorf("leaseclient: short response (%d bytes)", n)
	}

	status := respBuf[0]
	scanoutID := binary.LittleEndian.Uint32(respBuf[1:5])
	name := trimNul(respBuf[5:responseSize])

	if status != 0 {
		conn.Close()
		return nil, fmt.Errorf("leaseclient: lease request failed: %s", name)
	}

	fd, err := extractFD(oob[:oobn])
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Lease{ScanoutID: scanoutID, ConnectorName: name, FD: fd, conn: conn}, nil
}

// Release tells the manager to reclaim scanoutID without going through the
// normal liveness-connection teardown — used by a host that wants to give
// back a lease it is not itself holding open.
func (c *Client) Release(scanoutID uint32) error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("leaseclient: connect %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	req := leaseRequest{Cmd: cmdReleaseLease, Width: scanoutID}
	if err := binary.Write(conn, binary.LittleEndian, req); err != nil {
		return fmt.Errorf("leaseclient: write release: %w", err)
	}
	return nil
}

func extractFD(oob []byte) (int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("leaseclient: parse control message: %w", err)
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		if len(fds) == 0 {
			continue
		}
		for _, extra := range fds[1:] {
			unix.Close(extra)
		}
		return fds[0], nil
	}
	return -1, fmt.Errorf("leaseclient: no lease FD received via SCM_RIGHTS")
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
