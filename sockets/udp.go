package sockets

import (
	"fmt"
	"net"
	"net/netip"
)

// UDPSocket adapts one bound UDP port to the Socket contract.
type UDPSocket struct {
	conn  *net.UDPConn
	local netip.AddrPort
}

// NewUDP binds a UDP socket on local; a zero port picks any free one.
func NewUDP(local netip.AddrPort) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("binding udp %s: %w", local, err)
	}
	bound := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	// Preserve the caller's address when binding to a wildcard port only.
	if local.Addr().IsValid() && !local.Addr().IsUnspecified() {
		bound = netip.AddrPortFrom(local.Addr(), bound.Port())
	}
	return &UDPSocket{conn: conn, local: bound}, nil
}

// NewUDPPortRange binds the first free port in [lo, hi] on addr.
func NewUDPPortRange(addr netip.Addr, lo, hi uint16) (*UDPSocket, error) {
	if lo == 0 && hi == 0 {
		return NewUDP(netip.AddrPortFrom(addr, 0))
	}
	for port := lo; port != 0 && port <= hi; port++ {
		s, err := NewUDP(netip.AddrPortFrom(addr, port))
		if err == nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no free udp port on %s in [%d, %d]", addr, lo, hi)
}

func (s *UDPSocket) Kind() Kind                { return KindUDP }
func (s *UDPSocket) LocalAddr() netip.AddrPort { return s.local }
func (s *UDPSocket) IsReliable() bool          { return false }

// CanSend: UDP reaches any address of its own family.
func (s *UDPSocket) CanSend(addr netip.AddrPort) bool {
	return addr.Addr().Is4() == s.local.Addr().Is4()
}

func (s *UDPSocket) RecvMessages(msgs []InputMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	// One blocking read per call; UDP has no cheap batching here and the
	// agent loop consumes one datagram at a time anyway.
	buf := make([]byte, 65536)
	n, from, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return -1, err
	}
	msgs[0].scatter(buf[:n], from)
	return 1, nil
}

func (s *UDPSocket) SendMessages(dest netip.AddrPort, msgs []OutputMessage) (int, error) {
	sent := 0
	for i := range msgs {
		if _, err := s.conn.WriteToUDPAddrPort(msgs[i].flatten(), dest); err != nil {
			if sent > 0 {
				return sent, nil
			}
			return -1, err
		}
		sent++
	}
	return sent, nil
}

// SendMessagesReliable is SendMessages: a UDP socket either sends or the
// datagram is gone, there is nothing useful to queue.
func (s *UDPSocket) SendMessagesReliable(dest netip.AddrPort, msgs []OutputMessage) (int, error) {
	return s.SendMessages(dest, msgs)
}

func (s *UDPSocket) SetWritableCallback(func()) {}

func (s *UDPSocket) Close() error { return s.conn.Close() }
