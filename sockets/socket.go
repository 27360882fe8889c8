// Package sockets defines the transport boundary the connection agent
// consumes: a small message-oriented socket contract plus the adapters that
// implement it (plain UDP, length-framed TCP) and the layered dialers that
// reach a peer through SOCKS5 or HTTP CONNECT proxies, optionally disguised
// behind a pseudo-SSL handshake.
package sockets

import (
	"net/netip"
)

// Kind tags the concrete adapter behind a Socket. The set is closed;
// dispatch on it rather than on dynamic types.
type Kind int

const (
	KindUDP Kind = iota
	KindTCPActive
	KindTCPPassive
	KindTCPFramed
	KindHTTP
	KindSOCKS5
	KindPseudoSSL
	KindTURNUDP
	KindTURNTCP
)

func (k Kind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindTCPActive:
		return "tcp-active"
	case KindTCPPassive:
		return "tcp-passive"
	case KindTCPFramed:
		return "tcp-framed"
	case KindHTTP:
		return "http"
	case KindSOCKS5:
		return "socks5"
	case KindPseudoSSL:
		return "pseudossl"
	case KindTURNUDP:
		return "turn-udp"
	case KindTURNTCP:
		return "turn-tcp"
	}
	return "invalid"
}

// InputMessage receives one datagram. Buffers scatter the payload; N is set
// to the byte count actually filled and From to the sender when the
// transport knows it.
type InputMessage struct {
	Buffers [][]byte
	From    netip.AddrPort
	N       int
}

// OutputMessage gathers one datagram from a list of buffers.
type OutputMessage struct {
	Buffers [][]byte
}

// flatten copies the gather list into one contiguous slice.
func (m *OutputMessage) flatten() []byte {
	total := 0
	for _, b := range m.Buffers {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range m.Buffers {
		out = append(out, b...)
	}
	return out
}

// scatter copies data across the buffer list and records the count.
func (m *InputMessage) scatter(data []byte, from netip.AddrPort) {
	n := 0
	for _, b := range m.Buffers {
		c := copy(b, data[n:])
		n += c
		if n == len(data) {
			break
		}
	}
	m.N = n
	m.From = from
}

// Socket is the transport contract the agent consumes. Implementations are
// safe for one reader and one writer goroutine.
type Socket interface {
	// Kind identifies the adapter.
	Kind() Kind

	// LocalAddr is the bound local transport address.
	LocalAddr() netip.AddrPort

	// RecvMessages fills up to len(msgs) messages. It blocks until at
	// least one message is available and returns how many were filled; an
	// error means the socket is no longer usable.
	RecvMessages(msgs []InputMessage) (int, error)

	// SendMessages transmits messages toward dest (ignored on connected
	// transports). It returns how many messages were accepted; zero with a
	// nil error means the transport would block and dropped them.
	SendMessages(dest netip.AddrPort, msgs []OutputMessage) (int, error)

	// SendMessagesReliable is SendMessages that never drops: what cannot
	// be written now is queued and flushed when the transport drains, then
	// the writable callback fires.
	SendMessagesReliable(dest netip.AddrPort, msgs []OutputMessage) (int, error)

	// IsReliable reports whether delivery and ordering are guaranteed.
	IsReliable() bool

	// CanSend reports whether the socket can currently reach addr.
	CanSend(addr netip.AddrPort) bool

	// SetWritableCallback registers the callback invoked after a queued
	// backlog fully drains.
	SetWritableCallback(cb func())

	// Close releases the socket. Idempotent.
	Close() error
}
