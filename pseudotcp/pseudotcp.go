// Package pseudotcp implements a TCP-like reliable byte stream on top of an
// unreliable datagram pipe, typically the nominated candidate pair of an
// ICE session.
//
// The engine is callback-driven and performs no I/O of its own: the embedder
// feeds received datagrams into NotifyPacket, supplies outgoing frames
// through the WritePacket callback, and drives time by polling GetNextClock
// and calling NotifyClock when the deadline fires. The protocol is framed
// (24-byte header carrying conversation id, sequence numbers, window and
// timestamps) and is not wire-compatible with kernel TCP.
package pseudotcp

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"time"
)

// State is the connection state of a Socket.
type State int

const (
	// StateListen: freshly created, waiting for Connect or a peer SYN.
	StateListen State = iota

	// StateSynSent: Connect was called, SYN is in flight.
	StateSynSent

	// StateSynReceived: a peer SYN arrived, our SYN+ACK is in flight.
	StateSynReceived

	// StateEstablished: data flows both ways.
	StateEstablished

	// States of the FIN/ACK close extension.
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck

	// StateClosed: terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "listen"
	case StateSynSent:
		return "syn-sent"
	case StateSynReceived:
		return "syn-received"
	case StateEstablished:
		return "established"
	case StateFinWait1:
		return "fin-wait-1"
	case StateFinWait2:
		return "fin-wait-2"
	case StateClosing:
		return "closing"
	case StateTimeWait:
		return "time-wait"
	case StateCloseWait:
		return "close-wait"
	case StateLastAck:
		return "last-ack"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// WriteResult is what the WritePacket callback reports about one frame.
type WriteResult int

const (
	// WriteSuccess: the frame was handed to the transport.
	WriteSuccess WriteResult = iota

	// WriteTooLarge: the frame exceeds the transport MTU; the engine steps
	// its MSS down and retries.
	WriteTooLarge

	// WriteFail: the transport is broken.
	WriteFail
)

// Errors surfaced by the API and the Closed callback.
var (
	// ErrNotConnected: the operation needs an established connection.
	ErrNotConnected = errors.New("pseudotcp: not connected")

	// ErrWouldBlock: the buffer cannot satisfy the request right now; a
	// Readable/Writable callback will fire when it can.
	ErrWouldBlock = errors.New("pseudotcp: operation would block")

	// ErrPipe: Send after Close.
	ErrPipe = errors.New("pseudotcp: broken pipe")

	// ErrConnectionReset: the peer sent RST.
	ErrConnectionReset = errors.New("pseudotcp: connection reset by peer")

	// ErrConnectionAborted: retransmission or probe limits exhausted, or
	// the transport failed.
	ErrConnectionAborted = errors.New("pseudotcp: connection aborted")

	// ErrTimedOut: the connection timed out.
	ErrTimedOut = errors.New("pseudotcp: connection timed out")

	// ErrInvalidState: the operation is meaningless in the current state.
	ErrInvalidState = errors.New("pseudotcp: invalid state")
)

// Callbacks connect a Socket to its embedder. All callbacks run
// synchronously inside the Socket entry point that triggered them.
type Callbacks struct {
	// Opened fires when the handshake completes.
	Opened func(*Socket)

	// Readable fires when new in-order data became available after Recv
	// returned ErrWouldBlock.
	Readable func(*Socket)

	// Writable fires when buffer space opened up after Send returned
	// ErrWouldBlock or accepted a short write.
	Writable func(*Socket)

	// Closed fires once when the socket reaches StateClosed; err is nil
	// for a clean close.
	Closed func(*Socket, error)

	// WritePacket emits one frame on the underlying pipe.
	WritePacket func(*Socket, []byte) WriteResult
}

// Clock returns a millisecond timestamp. It may start anywhere and wraps at
// 2^32; intervals longer than 2^31 ms are not meaningful.
type Clock func() uint32

// Header and protocol constants.
const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 24

	maxPacket = 65535
	minPacket = 296

	flagFin uint8 = 0x01
	flagCtl uint8 = 0x02
	flagRst uint8 = 0x04

	ctlConnect = 0

	ipHeaderSize  = 20
	udpHeaderSize = 8
	// frameOverhead budgets for relay framing around our datagrams.
	frameOverhead = 64

	packetOverhead = HeaderSize + udpHeaderSize + ipHeaderSize + frameOverhead

	minRTO   = 250
	defRTO   = 3000
	maxRTO   = 60000
	ackDelay = 100

	// Wake up every 4 seconds when idle, once a minute when closed.
	defaultTimeout = 4000
	closedTimeout  = 60 * 1000

	rcvBufSize = 60 * 1024
	sndBufSize = 90 * 1024

	// Retransmission attempts per segment; the handshake gets more.
	maxXmitEstablished = 15
	maxXmitConnecting  = 30

	// Give up zero-window probing after this long without any peer
	// contact.
	probeAbortAfter = 15000
)

// packetMaximums is the MTU probe ladder, largest first.
var packetMaximums = []uint32{
	65535, 32000, 17914, 8166, 4352, 2002, 1492, 1006, 508, 296,
}

type shutdownMode int

const (
	shutdownNone shutdownMode = iota
	shutdownGraceful
	shutdownForceful
)

type sendFlags int

const (
	sfNone sendFlags = iota
	sfDelayedAck
	sfImmediateAck
)

// sendSegment describes one queued span of the send buffer. fin segments
// carry no bytes but consume one sequence number.
type sendSegment struct {
	seq, length uint32
	xmit        uint8
	ctrl        bool
	fin         bool
}

// recvSegment is one out-of-order span waiting for reassembly.
type recvSegment struct {
	seq, length uint32
}

// segment is a parsed inbound frame.
type segment struct {
	conv, seq, ack uint32
	flags          uint8
	wnd            uint16
	tsval, tsecr   uint32
	data           []byte
}

// Socket is one endpoint of a pseudo-TCP conversation. It is not safe for
// concurrent use; the owning agent serializes all entry points.
type Socket struct {
	cb   Callbacks
	now  Clock
	conv uint32

	state    State
	shutdown shutdownMode
	lastErr  error
	finAck   bool

	readEnable, writeEnable bool
	lastTraffic             uint32

	// Receive side.
	rlist      []recvSegment
	rbuf       *ringBuffer
	rcvNxt     uint32
	rcvWnd     uint32
	lastRecv   uint32
	peerFin    bool
	peerFinSeq uint32
	finPending bool

	// Send side.
	slist     []*sendSegment
	sbuf      *ringBuffer
	sndNxt    uint32
	sndWnd    uint32
	sndUna    uint32
	lastSend  uint32
	finQueued bool
	finAcked  bool
	finSeq    uint32

	// MTU bookkeeping.
	mss       uint32
	mssLevel  int
	largest   uint32
	mtuAdvise uint32

	rtoBase uint32

	tsRecent, tsLastAck uint32

	rxRttVar, rxSrtt, rxRto uint32

	ssthresh, cwnd uint32
	dupAcks        uint8
	recover        uint32
	tAck           uint32

	timeWait uint32
}

// Option tunes a Socket at construction.
type Option func(*Socket)

// WithClock substitutes the time source; tests use this to run the protocol
// deterministically.
func WithClock(c Clock) Option {
	return func(s *Socket) { s.now = c }
}

// WithFinAck enables the FIN/ACK graceful-close extension. Both endpoints
// must enable it; without it a graceful close simply drains and stops.
func WithFinAck() Option {
	return func(s *Socket) { s.finAck = true }
}

func defaultClock() uint32 {
	return uint32(time.Now().UnixMilli())
}

// New creates a socket for the given conversation id. Both endpoints must
// use the same id; segments from other conversations are dropped.
func New(conversation uint32, cb Callbacks, opts ...Option) *Socket {
	s := &Socket{
		cb:         cb,
		now:        defaultClock,
		conv:       conversation,
		state:      StateListen,
		rbuf:       newRingBuffer(rcvBufSize),
		sbuf:       newRingBuffer(sndBufSize),
		rcvWnd:     rcvBufSize,
		sndWnd:     1,
		readEnable: true,
		mss:        minPacket - packetOverhead,
		mtuAdvise:  maxPacket,
		ssthresh:   rcvBufSize,
		rxRto:      defRTO,
	}
	for _, o := range opts {
		o(s)
	}
	now := s.now()
	s.lastRecv, s.lastSend, s.lastTraffic = now, now, now
	s.cwnd = 2 * s.mss
	return s
}

// State returns the current connection state.
func (s *Socket) State() State { return s.state }

// Conversation returns the conversation id.
func (s *Socket) Conversation() uint32 { return s.conv }

// GetError returns the error recorded by the last failing operation or
// close, nil if none.
func (s *Socket) GetError() error { return s.lastErr }

// timeDiff returns later-earlier in the 32-bit modular time domain.
// Instants more than 2^31 ms apart compare undefined.
func timeDiff(later, earlier uint32) int32 { return int32(later - earlier) }

// Sequence-space comparisons, modular like the clock.
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func bound(lower, middle, upper uint32) uint32 {
	return minU32(maxU32(lower, middle), upper)
}

// Connect starts the handshake. Valid only in StateListen.
func (s *Socket) Connect() error {
	if s.state != StateListen {
		s.lastErr = ErrInvalidState
		return ErrInvalidState
	}
	s.state = StateSynSent
	slog.Debug("pseudotcp: state", "conv", s.conv, "state", s.state)
	s.queue([]byte{ctlConnect}, true)
	s.attemptSend(sfNone)
	return nil
}

// NotifyMTU tells the engine the transport path MTU changed.
func (s *Socket) NotifyMTU(mtu uint16) {
	s.mtuAdvise = uint32(mtu)
	if s.state == StateEstablished {
		s.adjustMTU()
	}
}

// NotifyClock runs the timer work that is due: retransmission, zero-window
// probing, delayed ACKs, the graceful-close drain and TIME-WAIT expiry.
func (s *Socket) NotifyClock() {
	now := s.now()
	if s.state == StateClosed {
		return
	}

	// TIME-WAIT expiry.
	if s.state == StateTimeWait && timeDiff(s.timeWait, now) <= 0 {
		s.closedown(nil)
		return
	}

	// Graceful shutdown without the FIN extension: quietly finish once
	// everything is delivered.
	if s.shutdown == shutdownGraceful && !s.finAck {
		if s.state != StateEstablished ||
			(s.sbuf.Len() == 0 && !s.anyUnsentOrUnacked() && s.tAck == 0) {
			s.closedown(nil)
			return
		}
	}

	// Retransmission timeout.
	if s.rtoBase != 0 && timeDiff(s.rtoBase+s.rxRto, now) <= 0 {
		if len(s.slist) == 0 {
			// rtoBase must be zero when nothing is unacked.
			slog.Error("pseudotcp: rto armed with empty send list", "conv", s.conv)
		} else {
			slog.Debug("pseudotcp: timeout retransmit",
				"conv", s.conv, "rto", s.rxRto, "dupAcks", s.dupAcks)
			if !s.transmit(0, now) {
				s.closedown(ErrConnectionAborted)
				return
			}
			inFlight := s.sndNxt - s.sndUna
			s.ssthresh = maxU32(inFlight/2, 2*s.mss)
			s.cwnd = s.mss

			// Back off, harder while connecting.
			rtoLimit := uint32(maxRTO)
			if s.state < StateEstablished {
				rtoLimit = defRTO
			}
			s.rxRto = minU32(rtoLimit, s.rxRto*2)
			s.rtoBase = now
		}
	}

	// Zero-window probe.
	if s.sndWnd == 0 && timeDiff(s.lastSend+s.rxRto, now) <= 0 {
		if timeDiff(now, s.lastRecv) >= probeAbortAfter {
			s.closedown(ErrConnectionAborted)
			return
		}
		s.packet(s.sndNxt-1, 0, nil)
		s.lastSend = now
		s.rxRto = minU32(maxRTO, s.rxRto*2)
	}

	// Delayed ACK.
	if s.tAck != 0 && timeDiff(s.tAck+ackDelay, now) <= 0 {
		s.packet(s.sndNxt, 0, nil)
	}
}

// anyUnsentOrUnacked reports whether segments remain queued or in flight.
func (s *Socket) anyUnsentOrUnacked() bool {
	return len(s.slist) > 0 || s.sndUna != s.sndNxt
}

// NotifyPacket feeds one received datagram into the engine. It returns
// false when the frame was unusable.
func (s *Socket) NotifyPacket(buf []byte) bool {
	if len(buf) > maxPacket {
		slog.Warn("pseudotcp: oversized packet dropped", "conv", s.conv, "len", len(buf))
		return false
	}
	if len(buf) < HeaderSize {
		return false
	}
	seg := segment{
		conv:  binary.BigEndian.Uint32(buf[0:4]),
		seq:   binary.BigEndian.Uint32(buf[4:8]),
		ack:   binary.BigEndian.Uint32(buf[8:12]),
		flags: buf[13],
		wnd:   binary.BigEndian.Uint16(buf[14:16]),
		tsval: binary.BigEndian.Uint32(buf[16:20]),
		tsecr: binary.BigEndian.Uint32(buf[20:24]),
		data:  buf[HeaderSize:],
	}
	return s.process(&seg)
}

// GetNextClock returns how long until NotifyClock next has work. ok is
// false when the socket needs no more clock service and may be dropped.
func (s *Socket) GetNextClock() (time.Duration, bool) {
	now := s.now()

	if s.shutdown == shutdownForceful {
		return 0, false
	}
	if s.shutdown == shutdownGraceful && !s.finAck {
		if s.state != StateEstablished ||
			(s.sbuf.Len() == 0 && !s.anyUnsentOrUnacked() && s.tAck == 0) {
			return 0, false
		}
	}
	if s.state == StateClosed {
		return closedTimeout * time.Millisecond, true
	}

	timeout := int32(defaultTimeout)
	clamp := func(d int32) {
		if d < timeout {
			timeout = d
		}
	}
	if s.tAck != 0 {
		clamp(timeDiff(s.tAck+ackDelay, now))
	}
	if s.rtoBase != 0 {
		clamp(timeDiff(s.rtoBase+s.rxRto, now))
	}
	if s.sndWnd == 0 {
		clamp(timeDiff(s.lastSend+s.rxRto, now))
	}
	if s.state == StateTimeWait {
		clamp(timeDiff(s.timeWait, now))
	}
	if timeout < 0 {
		timeout = 0
	}
	return time.Duration(timeout) * time.Millisecond, true
}

// Recv copies available in-order data into p. It returns ErrWouldBlock when
// nothing is buffered and io.EOF once the peer has closed and the buffer is
// drained.
func (s *Socket) Recv(p []byte) (int, error) {
	if s.state < StateEstablished {
		s.lastErr = ErrNotConnected
		return 0, ErrNotConnected
	}

	if s.rbuf.Len() == 0 {
		if s.peerFin && !s.finPending {
			return 0, io.EOF
		}
		if s.state == StateClosed {
			s.lastErr = ErrNotConnected
			return 0, ErrNotConnected
		}
		s.readEnable = true
		s.lastErr = ErrWouldBlock
		return 0, ErrWouldBlock
	}

	read := s.rbuf.Read(p)

	// Re-open the advertised window once enough space is back.
	if uint32(s.rbuf.Cap()-s.rbuf.Len())-s.rcvWnd >= minU32(uint32(s.rbuf.Cap()/2), s.mss) {
		wasClosed := s.rcvWnd == 0
		s.rcvWnd = uint32(s.rbuf.Cap() - s.rbuf.Len())
		if wasClosed {
			s.attemptSend(sfImmediateAck)
		}
	}
	return read, nil
}

// Send queues bytes for transmission and returns how many were accepted.
// ErrWouldBlock means the send buffer is full; a Writable callback fires
// when space returns.
func (s *Socket) Send(p []byte) (int, error) {
	switch s.state {
	case StateEstablished, StateCloseWait:
	case StateListen, StateSynSent, StateSynReceived:
		s.lastErr = ErrNotConnected
		return 0, ErrNotConnected
	default:
		s.lastErr = ErrPipe
		return 0, ErrPipe
	}
	if s.shutdown != shutdownNone || s.finQueued {
		s.lastErr = ErrPipe
		return 0, ErrPipe
	}

	if s.sbuf.Free() == 0 {
		s.writeEnable = true
		s.lastErr = ErrWouldBlock
		return 0, ErrWouldBlock
	}

	written := s.queue(p, false)
	s.attemptSend(sfNone)

	if written > 0 && written < len(p) {
		s.writeEnable = true
	}
	return written, nil
}

// Close shuts the connection down. force closes immediately with an RST;
// a graceful close delivers queued data first and, when the FIN extension
// is active, runs the orderly FIN handshake.
func (s *Socket) Close(force bool) {
	if s.state == StateClosed {
		return
	}
	if force {
		s.shutdown = shutdownForceful
		s.packet(s.sndNxt, flagRst, nil)
		s.closedown(nil)
		return
	}
	if s.shutdown == shutdownGraceful {
		return
	}
	s.shutdown = shutdownGraceful
	if !s.finAck {
		return
	}

	// Closing with undelivered inbound data is abortive.
	if s.rbuf.Len() > 0 || len(s.rlist) > 0 {
		s.packet(s.sndNxt, flagRst, nil)
		s.closedown(nil)
		return
	}

	switch s.state {
	case StateListen, StateSynSent:
		s.closedown(nil)
	case StateSynReceived, StateEstablished:
		s.state = StateFinWait1
		slog.Debug("pseudotcp: state", "conv", s.conv, "state", s.state)
		s.queueFin()
	case StateCloseWait:
		s.state = StateLastAck
		slog.Debug("pseudotcp: state", "conv", s.conv, "state", s.state)
		s.queueFin()
	}
}

// queueFin appends the FIN marker segment after all queued data and pushes
// it out if possible.
func (s *Socket) queueFin() {
	if s.finQueued {
		return
	}
	s.finQueued = true
	s.finSeq = s.sndUna + uint32(s.sbuf.Len())
	s.slist = append(s.slist, &sendSegment{seq: s.finSeq, fin: true})
	s.attemptSend(sfNone)
}

//
// Internal implementation.
//

// queue appends data to the send buffer. Adjacent spans of the same kind
// that have not been transmitted yet are extended in place, which keeps
// header overhead down for bursts of small writes.
func (s *Socket) queue(data []byte, ctrl bool) int {
	n := len(data)
	if n > s.sbuf.Free() {
		n = s.sbuf.Free()
	}

	if tail := s.lastDataSegment(); tail != nil && tail.ctrl == ctrl && tail.xmit == 0 && !tail.fin {
		tail.length += uint32(n)
	} else {
		seg := &sendSegment{
			seq:    s.sndUna + uint32(s.sbuf.Len()),
			length: uint32(n),
			ctrl:   ctrl,
		}
		// The FIN marker, if queued, stays last.
		if s.finQueued && len(s.slist) > 0 && s.slist[len(s.slist)-1].fin {
			s.slist = append(s.slist[:len(s.slist)-1], seg, s.slist[len(s.slist)-1])
		} else {
			s.slist = append(s.slist, seg)
		}
	}
	s.sbuf.Write(data[:n])
	return n
}

func (s *Socket) lastDataSegment() *sendSegment {
	for i := len(s.slist) - 1; i >= 0; i-- {
		if !s.slist[i].fin {
			return s.slist[i]
		}
	}
	return nil
}

// packet emits one frame. data may be nil for a bare ACK.
func (s *Socket) packet(seq uint32, flags uint8, data []byte) WriteResult {
	now := s.now()
	buf := make([]byte, HeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], s.conv)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], s.rcvNxt)
	buf[12] = 0
	buf[13] = flags
	binary.BigEndian.PutUint16(buf[14:16], uint16(s.rcvWnd))
	binary.BigEndian.PutUint32(buf[16:20], now)
	binary.BigEndian.PutUint32(buf[20:24], s.tsRecent)
	s.tsLastAck = s.rcvNxt
	copy(buf[HeaderSize:], data)

	wres := WriteSuccess
	if s.cb.WritePacket != nil {
		wres = s.cb.WritePacket(s, buf)
	}
	// Bare ACKs are never retried, so treat their failure as a drop and
	// keep the timers sane.
	if wres != WriteSuccess && data != nil {
		return wres
	}

	s.tAck = 0
	if len(data) > 0 {
		s.lastSend = now
	}
	s.lastTraffic = now
	return WriteSuccess
}

// process applies one parsed segment to the connection block.
func (s *Socket) process(seg *segment) bool {
	if seg.conv != s.conv {
		slog.Debug("pseudotcp: wrong conversation", "conv", s.conv, "got", seg.conv)
		return false
	}

	now := s.now()
	s.lastTraffic = now
	s.lastRecv = now

	if s.state == StateClosed {
		return false
	}

	if seg.flags&flagRst != 0 {
		s.closedown(ErrConnectionReset)
		return false
	}

	connect := false
	if seg.flags&flagCtl != 0 {
		if len(seg.data) == 0 {
			slog.Debug("pseudotcp: missing control code", "conv", s.conv)
			return false
		}
		if seg.data[0] != ctlConnect {
			slog.Debug("pseudotcp: unknown control code", "conv", s.conv, "code", seg.data[0])
			return false
		}
		connect = true
		switch s.state {
		case StateListen:
			s.state = StateSynReceived
			slog.Debug("pseudotcp: state", "conv", s.conv, "state", s.state)
			s.queue([]byte{ctlConnect}, true)
		case StateSynSent:
			s.state = StateEstablished
			slog.Debug("pseudotcp: state", "conv", s.conv, "state", s.state)
			s.adjustMTU()
			if s.cb.Opened != nil {
				s.cb.Opened(s)
			}
		}
	}

	// Refresh the timestamp we echo when the segment covers the last
	// acknowledged position.
	if seqLE(seg.seq, s.tsLastAck) && seqLT(s.tsLastAck, seg.seq+uint32(len(seg.data))) {
		s.tsRecent = seg.tsval
	}

	sflags := sfNone

	if seqGT(seg.ack, s.sndUna) && seqLE(seg.ack, s.sndNxt) {
		// A valuable ack.
		if seg.tsecr != 0 {
			rtt := timeDiff(now, seg.tsecr)
			if rtt >= 0 {
				if s.rxSrtt == 0 {
					s.rxSrtt = uint32(rtt)
					s.rxRttVar = uint32(rtt) / 2
				} else {
					diff := int32(uint32(rtt) - s.rxSrtt)
					if diff < 0 {
						diff = -diff
					}
					s.rxRttVar = (3*s.rxRttVar + uint32(diff)) / 4
					s.rxSrtt = (7*s.rxSrtt + uint32(rtt)) / 8
				}
				s.rxRto = bound(minRTO, s.rxSrtt+maxU32(1, 4*s.rxRttVar), maxRTO)
			}
		}

		s.sndWnd = uint32(seg.wnd)

		nAcked := seg.ack - s.sndUna
		s.sndUna = seg.ack

		if s.sndUna == s.sndNxt {
			s.rtoBase = 0
		} else {
			s.rtoBase = now
		}

		// The FIN consumes a sequence number but no buffer byte.
		dataAcked := nAcked
		if s.finQueued && seqGE(seg.ack, s.finSeq+1) {
			dataAcked--
		}
		s.sbuf.Drop(int(dataAcked))
		s.freeAcked(seg.ack)

		if s.dupAcks >= 3 {
			if seqGE(s.sndUna, s.recover) {
				// Recovery complete.
				inFlight := s.sndNxt - s.sndUna
				s.cwnd = minU32(s.ssthresh, inFlight+s.mss)
				slog.Debug("pseudotcp: exit recovery", "conv", s.conv)
				s.dupAcks = 0
			} else {
				slog.Debug("pseudotcp: recovery retransmit", "conv", s.conv)
				if !s.transmit(0, now) {
					s.closedown(ErrConnectionAborted)
					return false
				}
				s.cwnd += s.mss - minU32(nAcked, s.cwnd)
			}
		} else {
			s.dupAcks = 0
			// Slow start, then congestion avoidance.
			if s.cwnd < s.ssthresh {
				s.cwnd += s.mss
			} else {
				s.cwnd += maxU32(1, s.mss*s.mss/s.cwnd)
			}
		}

		// A bare ACK is how the active opener completes our handshake.
		if s.state == StateSynReceived && !connect {
			s.state = StateEstablished
			slog.Debug("pseudotcp: state", "conv", s.conv, "state", s.state)
			s.adjustMTU()
			if s.cb.Opened != nil {
				s.cb.Opened(s)
			}
		}

		if s.finQueued && s.finAcked {
			s.onFinAcked()
			if s.state == StateClosed {
				return true
			}
		}

		// Wake the writer when there is room to keep the pipe full.
		idealRefill := uint32((sndBufSize + rcvBufSize) / 2)
		if s.writeEnable && uint32(s.sbuf.Len()) < idealRefill {
			s.writeEnable = false
			if s.cb.Writable != nil {
				s.cb.Writable(s)
			}
		}
	} else if seg.ack == s.sndUna {
		// A window update or a duplicate ack; a closed window can only
		// reopen through these.
		s.sndWnd = uint32(seg.wnd)

		if len(seg.data) > 0 {
			// Data payloads ride on duplicate acks without meaning loss.
		} else if s.sndUna != s.sndNxt {
			s.dupAcks++
			if s.dupAcks == 3 {
				slog.Debug("pseudotcp: enter recovery", "conv", s.conv)
				if !s.transmit(0, now) {
					s.closedown(ErrConnectionAborted)
					return false
				}
				s.recover = s.sndNxt
				inFlight := s.sndNxt - s.sndUna
				s.ssthresh = maxU32(inFlight/2, 2*s.mss)
				s.cwnd = s.ssthresh + 3*s.mss
			} else if s.dupAcks > 3 {
				s.cwnd += s.mss
			}
		} else {
			s.dupAcks = 0
		}
	}

	// Acks must be sent when the segment is too old, too new, or carries
	// data; only an empty segment at exactly rcv_nxt needs none.
	if seg.seq != s.rcvNxt {
		sflags = sfImmediateAck
	} else if len(seg.data) != 0 || seg.flags&flagFin != 0 {
		sflags = sfDelayedAck
	}

	if seg.flags&flagFin != 0 {
		s.handleFin(seg)
		if s.state == StateClosed {
			s.attemptSend(sfImmediateAck)
			return true
		}
		sflags = sfImmediateAck
	}

	// Trim the segment to what fits between rcv_nxt and the buffer end.
	if seqLT(seg.seq, s.rcvNxt) {
		adjust := s.rcvNxt - seg.seq
		if adjust < uint32(len(seg.data)) {
			seg.seq += adjust
			seg.data = seg.data[adjust:]
		} else {
			seg.data = nil
		}
	}
	avail := uint32(s.rbuf.Cap() - s.rbuf.Len())
	if seg.seq+uint32(len(seg.data))-s.rcvNxt > avail {
		adjust := seg.seq + uint32(len(seg.data)) - s.rcvNxt - avail
		if adjust < uint32(len(seg.data)) {
			seg.data = seg.data[:uint32(len(seg.data))-adjust]
		} else {
			seg.data = nil
		}
	}

	// Data arriving after we closed is a protocol violation under the FIN
	// extension.
	if s.finAck && s.shutdown != shutdownNone && len(seg.data) > 0 && seg.flags&flagCtl == 0 {
		s.packet(s.sndNxt, flagRst, nil)
		s.closedown(nil)
		return false
	}

	ignoreData := seg.flags&flagCtl != 0 || s.shutdown != shutdownNone
	newData := false

	if len(seg.data) > 0 {
		if ignoreData {
			if seg.seq == s.rcvNxt {
				s.rcvNxt += uint32(len(seg.data))
			}
		} else {
			offset := seg.seq - s.rcvNxt
			s.rbuf.WriteAt(seg.data, s.rbuf.Len()+int(offset))
			if seg.seq == s.rcvNxt {
				s.rbuf.Advance(len(seg.data))
				s.rcvNxt += uint32(len(seg.data))
				s.rcvWnd -= uint32(len(seg.data))
				newData = true

				// Pull contiguous out-of-order spans back in.
				for len(s.rlist) > 0 && seqLE(s.rlist[0].seq, s.rcvNxt) {
					r := s.rlist[0]
					if seqGT(r.seq+r.length, s.rcvNxt) {
						adjust := r.seq + r.length - s.rcvNxt
						sflags = sfImmediateAck
						slog.Debug("pseudotcp: recovered bytes",
							"conv", s.conv, "n", adjust)
						s.rbuf.Advance(int(adjust))
						s.rcvNxt += adjust
						s.rcvWnd -= adjust
					}
					s.rlist = s.rlist[1:]
				}
				s.maybeDeliverFin()
			} else {
				// Hold out-of-order data for reassembly, sorted by seq.
				r := recvSegment{seq: seg.seq, length: uint32(len(seg.data))}
				i := 0
				for i < len(s.rlist) && seqLT(s.rlist[i].seq, r.seq) {
					i++
				}
				s.rlist = append(s.rlist, recvSegment{})
				copy(s.rlist[i+1:], s.rlist[i:])
				s.rlist[i] = r
			}
		}
	}

	s.attemptSend(sflags)

	if newData && s.readEnable {
		s.readEnable = false
		if s.cb.Readable != nil {
			s.cb.Readable(s)
		}
	}
	return true
}

// handleFin processes the peer's FIN marker, in order or deferred.
func (s *Socket) handleFin(seg *segment) {
	if s.peerFin {
		return
	}
	if seg.seq == s.rcvNxt {
		s.acceptFin()
	} else if seqGT(seg.seq, s.rcvNxt) {
		s.peerFinSeq = seg.seq
		s.finPending = true
	}
}

// maybeDeliverFin accepts a deferred FIN once reassembly caught up to it.
func (s *Socket) maybeDeliverFin() {
	if s.finPending && s.rcvNxt == s.peerFinSeq {
		s.acceptFin()
	}
}

func (s *Socket) acceptFin() {
	s.peerFin = true
	s.finPending = false
	s.rcvNxt++

	switch s.state {
	case StateEstablished, StateSynReceived:
		s.state = StateCloseWait
	case StateFinWait1:
		if s.finAcked {
			s.enterTimeWait()
		} else {
			s.state = StateClosing
		}
	case StateFinWait2:
		s.enterTimeWait()
	}
	slog.Debug("pseudotcp: state", "conv", s.conv, "state", s.state)

	// Wake a blocked reader so it observes end of stream.
	if s.readEnable {
		s.readEnable = false
		if s.cb.Readable != nil {
			s.cb.Readable(s)
		}
	}
}

// onFinAcked advances the close handshake after the peer acknowledged our
// FIN.
func (s *Socket) onFinAcked() {
	switch s.state {
	case StateFinWait1:
		s.state = StateFinWait2
		slog.Debug("pseudotcp: state", "conv", s.conv, "state", s.state)
	case StateClosing:
		s.enterTimeWait()
	case StateLastAck:
		s.closedown(nil)
	}
}

func (s *Socket) enterTimeWait() {
	s.state = StateTimeWait
	s.timeWait = s.now() + 2*s.rxRto
	slog.Debug("pseudotcp: state", "conv", s.conv, "state", s.state)
}

// freeAcked releases fully acknowledged segment descriptors and trims a
// partially acknowledged head.
func (s *Socket) freeAcked(ack uint32) {
	for len(s.slist) > 0 {
		seg := s.slist[0]
		end := seg.seq + seg.length
		if seg.fin {
			end = seg.seq + 1
		}
		if seqLE(end, ack) {
			if seg.fin {
				s.finAcked = true
			} else if seg.length > s.largest {
				s.largest = seg.length
			}
			s.slist = s.slist[1:]
			continue
		}
		if seqLT(seg.seq, ack) {
			d := ack - seg.seq
			seg.seq += d
			seg.length -= d
		}
		break
	}
}

// transmit sends (or resends) the segment at index idx of the send list,
// splitting it down to the MSS as needed.
func (s *Socket) transmit(idx int, now uint32) bool {
	seg := s.slist[idx]
	nTransmit := minU32(seg.length, s.mss)

	maxXmit := uint8(maxXmitConnecting)
	if s.state >= StateEstablished {
		maxXmit = maxXmitEstablished
	}
	if seg.xmit >= maxXmit {
		slog.Debug("pseudotcp: too many retransmits", "conv", s.conv)
		return false
	}

	for {
		seq := seg.seq
		var flags uint8
		var data []byte
		switch {
		case seg.fin:
			flags = flagFin
		case seg.ctrl:
			flags = flagCtl
			fallthrough
		default:
			data = make([]byte, nTransmit)
			s.sbuf.ReadAt(data, int(seg.seq-s.sndUna))
		}

		wres := s.packet(seq, flags, data)
		if wres == WriteSuccess {
			break
		}
		if wres == WriteFail {
			slog.Warn("pseudotcp: packet write failed", "conv", s.conv)
			return false
		}

		// Too large: walk the MTU ladder down until it fits.
		for {
			if s.mssLevel+1 >= len(packetMaximums) {
				slog.Warn("pseudotcp: mtu too small", "conv", s.conv)
				return false
			}
			s.mssLevel++
			s.mss = packetMaximums[s.mssLevel] - packetOverhead
			s.cwnd = 2 * s.mss
			if s.mss < nTransmit {
				nTransmit = s.mss
				break
			}
		}
		slog.Debug("pseudotcp: adjusting mss", "conv", s.conv, "mss", s.mss)
	}

	if !seg.fin && nTransmit < seg.length {
		sub := &sendSegment{
			seq:    seg.seq + nTransmit,
			length: seg.length - nTransmit,
			ctrl:   seg.ctrl,
			xmit:   seg.xmit,
		}
		seg.length = nTransmit
		s.slist = append(s.slist, nil)
		copy(s.slist[idx+2:], s.slist[idx+1:])
		s.slist[idx+1] = sub
	}

	if seg.xmit == 0 {
		if seg.fin {
			s.sndNxt = seg.seq + 1
		} else {
			s.sndNxt += seg.length
		}
	}
	seg.xmit++

	if s.rtoBase == 0 {
		s.rtoBase = now
	}
	return true
}

// attemptSend pushes out as much as the congestion and receive windows
// allow, falling back to an ACK when required.
func (s *Socket) attemptSend(sflags sendFlags) {
	now := s.now()

	// After an idle period, restart from slow start.
	if timeDiff(now, s.lastSend) > int32(s.rxRto) {
		s.cwnd = s.mss
	}

	for {
		cwnd := s.cwnd
		if s.dupAcks == 1 || s.dupAcks == 2 {
			// Limited transmit.
			cwnd += uint32(s.dupAcks) * s.mss
		}
		window := minU32(s.sndWnd, cwnd)
		inFlight := s.sndNxt - s.sndUna
		useable := uint32(0)
		if inFlight < window {
			useable = window - inFlight
		}

		// Sendable bytes, not counting the FIN marker.
		pending := uint32(s.sbuf.Len()) - s.dataInFlight()
		available := minU32(pending, s.mss)

		if available > useable {
			if useable*4 < window {
				// Silly-window avoidance: a sliver is not worth a header.
				available = 0
			} else {
				available = useable
			}
		}

		if available == 0 {
			// Still push a pending FIN once all data has left.
			if fin := s.pendingFin(); fin != nil && pending == 0 && useable > 0 {
				if !s.transmit(s.finIndex(), now) {
					slog.Debug("pseudotcp: fin transmit failed", "conv", s.conv)
				}
				continue
			}
			if sflags == sfNone {
				return
			}
			// Immediate ack, or the second delayed one.
			if sflags == sfImmediateAck || s.tAck != 0 {
				s.packet(s.sndNxt, 0, nil)
			} else {
				s.tAck = s.now()
			}
			return
		}

		// Nagle: with data in flight, wait until a full segment is worth
		// sending.
		if s.sndNxt != s.sndUna && available < s.mss {
			return
		}

		// Find the next untransmitted segment.
		idx := -1
		for i, sg := range s.slist {
			if sg.xmit == 0 && !sg.fin {
				idx = i
				break
			}
		}
		if idx == -1 {
			return
		}
		seg := s.slist[idx]

		// Split an oversized segment.
		if seg.length > available {
			sub := &sendSegment{
				seq:    seg.seq + available,
				length: seg.length - available,
				ctrl:   seg.ctrl,
			}
			seg.length = available
			s.slist = append(s.slist, nil)
			copy(s.slist[idx+2:], s.slist[idx+1:])
			s.slist[idx+1] = sub
		}

		if !s.transmit(idx, now) {
			slog.Debug("pseudotcp: transmit failed", "conv", s.conv)
			return
		}
		sflags = sfNone
	}
}

// dataInFlight is the count of transmitted-but-unacked buffer bytes
// (excludes the FIN sequence slot).
func (s *Socket) dataInFlight() uint32 {
	inFlight := s.sndNxt - s.sndUna
	if s.finQueued && seqGE(s.sndNxt, s.finSeq+1) {
		inFlight--
	}
	return inFlight
}

// pendingFin returns the queued, untransmitted FIN marker, if any.
func (s *Socket) pendingFin() *sendSegment {
	if i := s.finIndex(); i >= 0 && s.slist[i].xmit == 0 {
		return s.slist[i]
	}
	return nil
}

func (s *Socket) finIndex() int {
	for i := len(s.slist) - 1; i >= 0; i-- {
		if s.slist[i].fin {
			return i
		}
	}
	return -1
}

// closedown tears the connection down and reports err through the Closed
// callback; nil means a clean close.
func (s *Socket) closedown(err error) {
	s.sbuf.Drop(s.sbuf.Len())
	s.slist = nil
	s.rtoBase = 0
	if err != nil {
		s.lastErr = err
	}
	slog.Debug("pseudotcp: state", "conv", s.conv, "state", StateClosed, "err", err)
	s.state = StateClosed
	if s.cb.Closed != nil {
		s.cb.Closed(s, err)
	}
}

// adjustMTU recomputes the MSS from the advised MTU and keeps the
// congestion parameters sane.
func (s *Socket) adjustMTU() {
	for s.mssLevel = 0; s.mssLevel+1 < len(packetMaximums); s.mssLevel++ {
		if packetMaximums[s.mssLevel] <= s.mtuAdvise {
			break
		}
	}
	s.mss = s.mtuAdvise - packetOverhead
	slog.Debug("pseudotcp: adjusting mss", "conv", s.conv, "mss", s.mss)
	s.ssthresh = maxU32(s.ssthresh, 2*s.mss)
	s.cwnd = maxU32(s.cwnd, s.mss)
}
