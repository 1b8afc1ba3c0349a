//go:build linux

package engine

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// unixRawSocket is a AF_INET/SOCK_RAW/IPPROTO_TCP socket with IP_HDRINCL
// set, so every Send call must hand over a complete, already-checksummed
// IP+TCP frame.
type unixRawSocket struct {
	fd int
}

func openRawSocket() (rawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("engine: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("engine: setsockopt IP_HDRINCL: %w", err)
	}
	return &unixRawSocket{fd: fd}, nil
}

func (s *unixRawSocket) Send(dst net.IP, frame []byte) error {
	v4 := dst.To4()
	if v4 == nil {
		return fmt.Errorf("engine: %s is not an IPv4 address", dst)
	}
	addr := &unix.SockaddrInet4{Addr: [4]byte{v4[0], v4[1], v4[2], v4[3]}}
	return unix.Sendto(s.fd, frame, 0, addr)
}

// Receive reads one frame, bounding the wait with timeout so the receive
// loop can observe the engine's stop flag between polls rather than
// blocking forever on a raw socket that may never see another packet.
func (s *unixRawSocket) Receive(buf []byte, timeout time.Duration) (int, net.IP, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return 0, nil, fmt.Errorf("engine: set recv timeout: %w", err)
	}
	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return 0, nil, err
	}
	var src net.IP
	if addr, ok := from.(*unix.SockaddrInet4); ok {
		src = net.IP(addr.Addr[:])
	}
	return n, src, nil
}

func (s *unixRawSocket) Close() error {
	return unix.Close(s.fd)
}
