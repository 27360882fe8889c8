package sockets

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// TCPSocket carries datagrams over a byte stream by prefixing each with a
// 16-bit big-endian length, the framing ICE-over-TCP peers expect. The
// stream below it can be a plain connection or any layered dialer's result.
type TCPSocket struct {
	kind  Kind
	conn  net.Conn
	r     *bufio.Reader
	local netip.AddrPort
	peer  netip.AddrPort

	mu       sync.Mutex
	queue    [][]byte
	flushing bool
	writable func()
	closed   bool
}

// NewTCPActive wraps an outbound connection.
func NewTCPActive(conn net.Conn) *TCPSocket { return newTCP(conn, KindTCPActive) }

// NewTCPPassive wraps an accepted connection.
func NewTCPPassive(conn net.Conn) *TCPSocket { return newTCP(conn, KindTCPPassive) }

func newTCP(conn net.Conn, kind Kind) *TCPSocket {
	s := &TCPSocket{
		kind: kind,
		conn: conn,
		r:    bufio.NewReaderSize(conn, 65536+2),
	}
	if ta, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		s.local = ta.AddrPort()
	}
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		s.peer = ta.AddrPort()
	}
	return s
}

func (s *TCPSocket) Kind() Kind                { return s.kind }
func (s *TCPSocket) LocalAddr() netip.AddrPort { return s.local }
func (s *TCPSocket) IsReliable() bool          { return true }

// CanSend: a connected stream reaches exactly its peer.
func (s *TCPSocket) CanSend(addr netip.AddrPort) bool {
	return !s.peer.IsValid() || addr == s.peer
}

func (s *TCPSocket) RecvMessages(msgs []InputMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	var hdr [2]byte
	if _, err := readFull(s.r, hdr[:]); err != nil {
		return -1, err
	}
	frame := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := readFull(s.r, frame); err != nil {
		return -1, err
	}
	msgs[0].scatter(frame, s.peer)
	return 1, nil
}

func readFull(r *bufio.Reader, p []byte) (int, error) {
	n := 0
	for n < len(p) {
		c, err := r.Read(p[n:])
		n += c
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *TCPSocket) frame(msg *OutputMessage) ([]byte, error) {
	payload := msg.flatten()
	if len(payload) > 65535 {
		return nil, fmt.Errorf("tcp frame too large: %d bytes", len(payload))
	}
	out := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(payload)))
	copy(out[2:], payload)
	return out, nil
}

func (s *TCPSocket) SendMessages(_ netip.AddrPort, msgs []OutputMessage) (int, error) {
	sent := 0
	for i := range msgs {
		frame, err := s.frame(&msgs[i])
		if err != nil {
			return -1, err
		}
		if _, err := s.conn.Write(frame); err != nil {
			if sent > 0 {
				return sent, nil
			}
			return -1, err
		}
		sent++
	}
	return sent, nil
}

// SendMessagesReliable queues frames and flushes them from a background
// writer, so the caller never blocks on a slow stream. The writable
// callback fires when the backlog fully drains.
func (s *TCPSocket) SendMessagesReliable(_ netip.AddrPort, msgs []OutputMessage) (int, error) {
	frames := make([][]byte, 0, len(msgs))
	for i := range msgs {
		frame, err := s.frame(&msgs[i])
		if err != nil {
			return -1, err
		}
		frames = append(frames, frame)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return -1, net.ErrClosed
	}
	s.queue = append(s.queue, frames...)
	start := !s.flushing
	if start {
		s.flushing = true
	}
	s.mu.Unlock()

	if start {
		go s.flush()
	}
	return len(msgs), nil
}

func (s *TCPSocket) flush() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.flushing = false
			cb := s.writable
			closed := s.closed
			s.mu.Unlock()
			if cb != nil && !closed {
				cb()
			}
			return
		}
		frame := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if _, err := s.conn.Write(frame); err != nil {
			s.mu.Lock()
			s.flushing = false
			s.queue = nil
			s.mu.Unlock()
			return
		}
	}
}

func (s *TCPSocket) SetWritableCallback(cb func()) {
	s.mu.Lock()
	s.writable = cb
	s.mu.Unlock()
}

func (s *TCPSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	return s.conn.Close()
}

// TCPListener accepts passive TCP candidates.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP opens a passive listener on local.
func ListenTCP(local netip.AddrPort) (*TCPListener, error) {
	ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("listening tcp %s: %w", local, err)
	}
	return &TCPListener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *TCPListener) Addr() netip.AddrPort {
	return l.ln.Addr().(*net.TCPAddr).AddrPort()
}

// Accept waits for one peer and wraps it as a framed passive socket.
func (l *TCPListener) Accept() (*TCPSocket, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewTCPPassive(conn), nil
}

// Close stops the listener.
func (l *TCPListener) Close() error { return l.ln.Close() }
