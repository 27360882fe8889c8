// Package ice implements Interactive Connectivity Establishment: candidate
// gathering over host interfaces, STUN and TURN servers, prioritized
// connectivity checking between candidate pairs, role-conflict resolution,
// nomination and keepalives. The Agent type at the center owns streams of
// components and drives everything from a single pacing loop.
package ice

import (
	"fmt"
	"net/netip"
)

// TransportAddress is one (family, address, port) endpoint. It wraps
// netip.AddrPort so equality and map keys come for free.
type TransportAddress struct {
	netip.AddrPort
}

// Addr builds a TransportAddress from a netip.AddrPort.
func Addr(ap netip.AddrPort) TransportAddress {
	return TransportAddress{AddrPort: ap}
}

// ParseAddress parses "ip:port" presentation form.
func ParseAddress(s string) (TransportAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return TransportAddress{}, fmt.Errorf("parsing transport address %q: %w", s, err)
	}
	return TransportAddress{AddrPort: ap}, nil
}

// Equal reports address equality across family, address bytes and port.
func (a TransportAddress) Equal(b TransportAddress) bool {
	return a.AddrPort == b.AddrPort
}

// IsLoopback reports whether the address is a loopback address.
func (a TransportAddress) IsLoopback() bool { return a.Addr().IsLoopback() }

// IsLinkLocal reports whether the address is link-local (unicast or
// multicast).
func (a TransportAddress) IsLinkLocal() bool {
	return a.Addr().IsLinkLocalUnicast() || a.Addr().IsLinkLocalMulticast()
}

// IsPrivate reports whether the address is in IPv4 private space (or the
// IPv6 unique-local range).
func (a TransportAddress) IsPrivate() bool { return a.Addr().IsPrivate() }

// SameFamily reports whether two addresses share an address family.
func (a TransportAddress) SameFamily(b TransportAddress) bool {
	return a.Addr().Is4() == b.Addr().Is4()
}
