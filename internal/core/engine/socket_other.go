//go:build !linux

package engine

import "errors"

// ErrUnsupportedPlatform is returned by Start on platforms where forging
// raw AF_INET/SOCK_RAW/IP_HDRINCL sockets the way this engine needs isn't
// wired up. Linux is the only target with a real rawSocket implementation;
// darwin and windows raw-socket semantics differ enough (BSD's IP_HDRINCL
// quirks, WinSock's outright ban on raw TCP sends) that porting them is
// future work, not a one-line build-tag swap.
var ErrUnsupportedPlatform = errors.New("engine: raw TCP/IP forging is only implemented for linux")

func openRawSocket() (rawSocket, error) {
	return nil, ErrUnsupportedPlatform
}
