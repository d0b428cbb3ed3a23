//go:build linux
// +build linux

package intercept

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

type sysOps struct{}

// NewSysOps returns the SockOps implementation backed by real syscalls.
func NewSysOps() SockOps { return sysOps{} }

func (sysOps) Accept(listenFD int) (int, netip.AddrPort, bool, error) {
	fd, sa, err := unix.Accept(listenFD)
	if err != nil {
		return -1, netip.AddrPort{}, false, err
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return fd, netip.AddrPort{}, false, nil
	}
	return fd, netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), true, nil
}

func (sysOps) Close(fd int) error {
	return unix.Close(fd)
}

func (sysOps) SetCongestionControl(fd int, algo string) error {
	return unix.SetsockoptString(fd, unix.SOL_TCP, unix.TCP_CONGESTION, algo)
}

func (sysOps) CongestionControl(fd int) (string, error) {
	return unix.GetsockoptString(fd, unix.SOL_TCP, unix.TCP_CONGESTION)
}

func (sysOps) LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortFromSockaddr(sa)
}

func (sysOps) PeerAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortFromSockaddr(sa)
}

func (sysOps) TriggerAck(fd int) {
	// The payload is discarded; the TCP_CC_INFO query alone prompts the
	// kernel to emit an ACK reflecting the updated window. Errors are not
	// actionable here.
	_, _ = unix.GetsockoptString(fd, unix.SOL_TCP, unix.TCP_CC_INFO)
}

func addrPortFromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, unix.EAFNOSUPPORT
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), nil
}
