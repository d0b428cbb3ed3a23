// Package intercept wraps the two socket-lifecycle entry points, accept and
// close, and drives admission control from them. The actual syscalls sit
// behind the SockOps interface so the classification logic runs in tests
// without any real interposition.
package intercept

import "net/netip"

// CCAName is the window-control-aware congestion control algorithm installed
// on every managed connection. The kernel-side program relies on it honoring
// the flow_to_rwnd map.
const CCAName = "bpf_cubic"

// SockOps abstracts the socket calls the interception layer performs. The
// process-global implementation is returned by NewSysOps; tests substitute
// fakes.
type SockOps interface {
	// Accept performs the underlying accept on a listening descriptor.
	// ipv4 reports whether the peer address is IPv4; non-IPv4 connections
	// pass through unmanaged.
	Accept(listenFD int) (fd int, remote netip.AddrPort, ipv4 bool, err error)

	// Close performs the underlying close.
	Close(fd int) error

	// SetCongestionControl installs the named congestion control
	// algorithm on fd.
	SetCongestionControl(fd int, algo string) error

	// CongestionControl reads back the algorithm currently installed.
	CongestionControl(fd int) (string, error)

	// LocalAddr returns fd's local endpoint.
	LocalAddr(fd int) (netip.AddrPort, error)

	// PeerAddr returns fd's remote endpoint.
	PeerAddr(fd int) (netip.AddrPort, error)

	// TriggerAck issues a side-effecting congestion-control-info query
	// whose payload is discarded; its only purpose is to make the kernel
	// emit an ACK carrying the current window.
	TriggerAck(fd int)
}
