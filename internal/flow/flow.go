// Package flow defines the four-tuple identifying a TCP connection for
// kernel-side receive-window targeting.
package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Flow is the immutable four-tuple of one TCP connection. Its field order and
// widths match the key layout of the kernel flow_to_rwnd map (12 bytes), so a
// Flow value can be handed to the map as-is. Addresses and ports are in host
// byte order.
type Flow struct {
	LocalAddr  uint32
	RemoteAddr uint32
	LocalPort  uint16
	RemotePort uint16
}

// FromAddrPorts builds a Flow from the local and remote endpoints of a
// connection. Both endpoints must be IPv4; ok is false otherwise.
func FromAddrPorts(local, remote netip.AddrPort) (Flow, bool) {
	if !local.Addr().Is4() || !remote.Addr().Is4() {
		return Flow{}, false
	}
	l4 := local.Addr().As4()
	r4 := remote.Addr().As4()
	return Flow{
		LocalAddr:  binary.BigEndian.Uint32(l4[:]),
		RemoteAddr: binary.BigEndian.Uint32(r4[:]),
		LocalPort:  local.Port(),
		RemotePort: remote.Port(),
	}, true
}

func (f Flow) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", addrString(f.RemoteAddr), f.RemotePort,
		addrString(f.LocalAddr), f.LocalPort)
}

func addrString(a uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], a)
	return netip.AddrFrom4(b).String()
}
