//go:build !linux
// +build !linux

package intercept

import (
	"errors"
	"net/netip"
)

// Stub implementation for non-Linux platforms. RWND manipulation depends on
// Linux socket options, so the real SockOps is Linux-only.

var errUnsupported = errors.New("flow admission control is only supported on linux")

type sysOps struct{}

// NewSysOps returns a SockOps whose calls all fail on non-Linux platforms.
func NewSysOps() SockOps { return sysOps{} }

func (sysOps) Accept(listenFD int) (int, netip.AddrPort, bool, error) {
	return -1, netip.AddrPort{}, false, errUnsupported
}

func (sysOps) Close(fd int) error { return errUnsupported }

func (sysOps) SetCongestionControl(fd int, algo string) error { return errUnsupported }

func (sysOps) CongestionControl(fd int) (string, error) { return "", errUnsupported }

func (sysOps) LocalAddr(fd int) (netip.AddrPort, error) {
	return netip.AddrPort{}, errUnsupported
}

func (sysOps) PeerAddr(fd int) (netip.AddrPort, error) {
	return netip.AddrPort{}, errUnsupported
}

func (sysOps) TriggerAck(fd int) {}
