package pseudotcp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// harness wires two engines back to back with a shared fake clock and
// programmable per-direction packet loss. Everything runs deterministically
// on the test goroutine.
type harness struct {
	t     *testing.T
	clock uint32

	a, b *Socket

	toA, toB [][]byte

	// dropNth drops every Nth frame in each direction; zero disables.
	dropNth          int
	countAB, countBA int

	seenSeqAB   map[uint32]bool
	retransmits int

	// packetsAfterClose counts frames emitted once both sides closed.
	bothClosed        bool
	packetsAfterClose int

	aClosedErr, bClosedErr error
	aClosed, bClosed       bool

	received bytes.Buffer
	aOpened  bool
}

func newHarness(t *testing.T, conv uint32, opts ...Option) *harness {
	h := &harness{t: t, clock: 100000, seenSeqAB: make(map[uint32]bool)}

	clock := func() uint32 { return h.clock }
	aOpts := append([]Option{WithClock(clock)}, opts...)
	bOpts := append([]Option{WithClock(clock)}, opts...)

	h.a = New(conv, Callbacks{
		Opened: func(*Socket) { h.aOpened = true },
		Closed: func(_ *Socket, err error) { h.aClosed = true; h.aClosedErr = err },
		WritePacket: func(_ *Socket, pkt []byte) WriteResult {
			h.countAB++
			if h.bothClosed {
				h.packetsAfterClose++
			}
			if len(pkt) > HeaderSize {
				seq := binary.BigEndian.Uint32(pkt[4:8])
				if h.seenSeqAB[seq] {
					h.retransmits++
				}
				h.seenSeqAB[seq] = true
			}
			if h.dropNth > 0 && h.countAB%h.dropNth == 0 {
				return WriteSuccess
			}
			h.toB = append(h.toB, append([]byte(nil), pkt...))
			return WriteSuccess
		},
	}, aOpts...)

	h.b = New(conv, Callbacks{
		Readable: func(s *Socket) {
			buf := make([]byte, 16*1024)
			for {
				n, err := s.Recv(buf)
				if n > 0 {
					h.received.Write(buf[:n])
				}
				if err != nil {
					return
				}
			}
		},
		Closed: func(_ *Socket, err error) { h.bClosed = true; h.bClosedErr = err },
		WritePacket: func(_ *Socket, pkt []byte) WriteResult {
			h.countBA++
			if h.bothClosed {
				h.packetsAfterClose++
			}
			if h.dropNth > 0 && h.countBA%h.dropNth == 0 {
				return WriteSuccess
			}
			h.toA = append(h.toA, append([]byte(nil), pkt...))
			return WriteSuccess
		},
	}, bOpts...)

	return h
}

// deliver drains both in-flight queues, which may enqueue replies.
func (h *harness) deliver() {
	for len(h.toA) > 0 || len(h.toB) > 0 {
		if len(h.toB) > 0 {
			pkt := h.toB[0]
			h.toB = h.toB[1:]
			h.b.NotifyPacket(pkt)
		}
		if len(h.toA) > 0 {
			pkt := h.toA[0]
			h.toA = h.toA[1:]
			h.a.NotifyPacket(pkt)
		}
	}
}

// pump alternates delivery and clock advancement until done returns true
// or the simulated budget runs out. Returns whether done was reached.
func (h *harness) pump(maxSimMs int, done func() bool) bool {
	elapsed := 0
	for elapsed < maxSimMs {
		h.deliver()
		if done() {
			return true
		}

		step := 4000
		if d, ok := h.a.GetNextClock(); ok && int(d.Milliseconds()) < step {
			step = int(d.Milliseconds())
		}
		if d, ok := h.b.GetNextClock(); ok && int(d.Milliseconds()) < step {
			step = int(d.Milliseconds())
		}
		if step < 1 {
			step = 1
		}
		h.clock += uint32(step)
		elapsed += step
		h.a.NotifyClock()
		h.b.NotifyClock()
	}
	h.deliver()
	return done()
}

func (h *harness) connect() {
	if err := h.a.Connect(); err != nil {
		h.t.Fatal(err)
	}
	if !h.pump(60000, func() bool {
		return h.a.State() == StateEstablished && h.b.State() == StateEstablished
	}) {
		h.t.Fatalf("handshake stalled: a=%v b=%v", h.a.State(), h.b.State())
	}
	if !h.aOpened {
		h.t.Fatal("Opened callback never fired")
	}
}

func makePayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*31 + i>>8)
	}
	return p
}

// sendAll pushes the payload through the send buffer as space opens.
func (h *harness) sendAll(payload []byte) {
	offset := 0
	feed := func(s *Socket) {
		for offset < len(payload) {
			n, err := s.Send(payload[offset:])
			if err != nil {
				return
			}
			offset += n
		}
	}
	h.a.cb.Writable = func(s *Socket) { feed(s) }
	feed(h.a)

	if !h.pump(600000, func() bool {
		feed(h.a)
		return h.received.Len() == len(payload)
	}) {
		h.t.Fatalf("transfer stalled: %d/%d bytes", h.received.Len(), len(payload))
	}
	if !bytes.Equal(h.received.Bytes(), payload) {
		h.t.Fatal("payload corrupted in transit")
	}
}

func TestHandshake(t *testing.T) {
	h := newHarness(t, 7)
	h.connect()
	if h.a.Conversation() != 7 {
		t.Error("conversation id lost")
	}
}

func TestTransfer(t *testing.T) {
	h := newHarness(t, 1)
	h.a.NotifyMTU(1500)
	h.b.NotifyMTU(1500)
	h.connect()
	h.sendAll(makePayload(100 * 1024))
}

// A lossy pipe must still deliver the stream byte-identically, and without
// pathological retransmission counts.
func TestTransferLossy(t *testing.T) {
	const size = 1024 * 1024
	for _, k := range []int{2, 3, 5} {
		k := k
		t.Run(string(rune('0'+k)), func(t *testing.T) {
			h := newHarness(t, 3)
			h.a.NotifyMTU(1500)
			h.b.NotifyMTU(1500)
			h.connect()
			h.dropNth = k
			h.sendAll(makePayload(size))

			budget := 4 * size / int(h.a.mss)
			if h.retransmits >= budget {
				t.Errorf("drop 1/%d: %d retransmits, budget %d", k, h.retransmits, budget)
			}
		})
	}
}

func TestSendBeforeConnect(t *testing.T) {
	h := newHarness(t, 1)
	if _, err := h.a.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
	buf := make([]byte, 4)
	if _, err := h.a.Recv(buf); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Recv = %v, want ErrNotConnected", err)
	}
}

func TestConversationMismatch(t *testing.T) {
	h := newHarness(t, 1)
	h.connect()

	// A frame from conversation 2 must be ignored entirely.
	pkt := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(pkt[0:4], 2)
	if h.b.NotifyPacket(pkt) {
		t.Error("wrong-conversation frame accepted")
	}
	if h.b.State() != StateEstablished {
		t.Error("wrong-conversation frame changed state")
	}
}

func TestGracefulCloseWithoutFinExtension(t *testing.T) {
	h := newHarness(t, 1)
	h.connect()
	h.sendAll(makePayload(2048))

	h.a.Close(false)
	h.a.Close(false) // idempotent

	if _, err := h.a.Send([]byte("late")); !errors.Is(err, ErrPipe) {
		t.Fatalf("Send after close = %v, want ErrPipe", err)
	}

	if !h.pump(30000, func() bool { return h.a.State() == StateClosed }) {
		t.Fatal("graceful close never finished")
	}
	if h.aClosedErr != nil {
		t.Errorf("clean close reported %v", h.aClosedErr)
	}
}

func TestForcefulCloseSendsRst(t *testing.T) {
	h := newHarness(t, 1)
	h.connect()

	h.a.Close(true)
	h.deliver()

	if h.a.State() != StateClosed {
		t.Error("forceful close left the socket open")
	}
	if h.b.State() != StateClosed {
		t.Error("peer did not observe the RST")
	}
	if !errors.Is(h.bClosedErr, ErrConnectionReset) {
		t.Errorf("peer closed with %v, want ErrConnectionReset", h.bClosedErr)
	}

	// A second RST, or any traffic, changes nothing.
	h.b.Close(false)
	if h.b.State() != StateClosed {
		t.Error("close after RST reopened the socket")
	}
}

func TestEOFAfterPeerClose(t *testing.T) {
	h := newHarness(t, 1, WithFinAck())
	h.connect()
	h.sendAll(makePayload(512))

	h.a.Close(false)
	if !h.pump(30000, func() bool { return h.b.peerFin }) {
		t.Fatal("peer FIN never arrived")
	}

	buf := make([]byte, 16)
	if _, err := h.b.Recv(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after drain = %v, want EOF", err)
	}
}

// FIN/ACK close must converge for all legal orderings of who closes when.
func TestFinCloseOrderings(t *testing.T) {
	run := func(t *testing.T, close func(h *harness)) {
		h := newHarness(t, 1, WithFinAck())
		h.connect()
		h.sendAll(makePayload(512))

		close(h)

		if !h.pump(60000, func() bool {
			return h.a.State() == StateClosed && h.b.State() == StateClosed
		}) {
			t.Fatalf("close stalled: a=%v b=%v", h.a.State(), h.b.State())
		}
		if h.aClosedErr != nil || h.bClosedErr != nil {
			t.Errorf("orderly close reported errors: %v / %v", h.aClosedErr, h.bClosedErr)
		}

		// Nothing may be emitted after both sides reached closed.
		h.bothClosed = true
		h.pump(10000, func() bool { return false })
		if h.packetsAfterClose != 0 {
			t.Errorf("%d frames emitted after close", h.packetsAfterClose)
		}
	}

	t.Run("simultaneous", func(t *testing.T) {
		run(t, func(h *harness) {
			h.a.Close(false)
			h.b.Close(false)
		})
	})
	t.Run("initiator-first", func(t *testing.T) {
		run(t, func(h *harness) {
			h.a.Close(false)
			// B sees the FIN, drains, then closes.
			h.pump(5000, func() bool { return h.b.State() == StateCloseWait })
			h.b.Close(false)
		})
	})
	t.Run("responder-first", func(t *testing.T) {
		run(t, func(h *harness) {
			h.b.Close(false)
			h.pump(5000, func() bool { return h.a.State() == StateCloseWait })
			h.a.Close(false)
		})
	})
}

// Closing with undelivered inbound data is abortive: the peer learns via
// RST.
func TestCloseWithUndrainedBufferSendsRst(t *testing.T) {
	h := newHarness(t, 1, WithFinAck())
	// Disable b's reader so data accumulates.
	h.b.cb.Readable = nil
	h.connect()

	if _, err := h.a.Send([]byte("undelivered")); err != nil {
		t.Fatal(err)
	}
	h.pump(5000, func() bool { return h.b.rbuf.Len() > 0 })

	h.b.Close(false)
	h.deliver()

	if h.b.State() != StateClosed {
		t.Error("close with undrained buffer did not close")
	}
	if !errors.Is(h.aClosedErr, ErrConnectionReset) {
		t.Errorf("peer closed with %v, want ErrConnectionReset", h.aClosedErr)
	}
}

// Silly window avoidance: a sliver of usable window is not worth a
// header while a quarter of the window is outstanding capacity.
func TestSillyWindowSuppression(t *testing.T) {
	var sent [][]byte
	s := New(1, Callbacks{
		WritePacket: func(_ *Socket, pkt []byte) WriteResult {
			sent = append(sent, append([]byte(nil), pkt...))
			return WriteSuccess
		},
	}, WithClock(func() uint32 { return 200000 }))

	s.state = StateEstablished
	s.mss = 1400
	s.cwnd = 64 * 1024
	s.lastSend = 200000

	// 1100 bytes already in flight against a 1400-byte window: 300 usable,
	// 300*4 < 1400, so the opportunity must be declined.
	payload := makePayload(4096)
	s.sbuf.Write(payload)
	s.slist = []*sendSegment{
		{seq: 0, length: 1100, xmit: 1},
		{seq: 1100, length: 2996, xmit: 0},
	}
	s.sndUna, s.sndNxt, s.sndWnd = 0, 1100, 1400

	s.attemptSend(sfNone)
	if len(sent) != 0 {
		t.Fatalf("sent %d frames into a silly window", len(sent))
	}

	// A reopened window below a quarter (under mss/4 = 350 usable) stays
	// suppressed.
	s.sndWnd = 1449 // 349 usable, still under a quarter of the window
	s.attemptSend(sfNone)
	if len(sent) != 0 {
		t.Fatalf("sent %d frames below the quarter-window threshold", len(sent))
	}

	// Once the outstanding bytes are acknowledged the queue drains in
	// full segments again.
	s.sbuf.Drop(1100)
	s.slist = []*sendSegment{{seq: 1100, length: 2996, xmit: 0}}
	s.sndUna, s.sndWnd = 1100, 1400
	s.attemptSend(sfNone)
	if len(sent) == 0 {
		t.Fatal("did not resume after the ack")
	}
	if payloadLen := len(sent[0]) - HeaderSize; payloadLen != 1400 {
		t.Errorf("resumed with %d bytes, want a full segment", payloadLen)
	}
}

// Small writes queued behind an untransmitted tail coalesce into one
// segment, observable as a single frame on the wire.
func TestSegmentCoalescing(t *testing.T) {
	var sent [][]byte
	s := New(1, Callbacks{
		WritePacket: func(_ *Socket, pkt []byte) WriteResult {
			sent = append(sent, append([]byte(nil), pkt...))
			return WriteSuccess
		},
	}, WithClock(func() uint32 { return 200000 }))

	s.state = StateEstablished
	s.mss = 1400
	s.cwnd = 64 * 1024
	s.sndWnd = 0 // hold transmission while queueing
	s.lastSend = 200000

	for i := 0; i < 10; i++ {
		if _, err := s.Send([]byte("0123456789")); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.slist) != 1 {
		t.Fatalf("10 small writes produced %d segments, want 1", len(s.slist))
	}

	s.sndWnd = 64 * 1024
	s.attemptSend(sfNone)
	if len(sent) != 1 || len(sent[0])-HeaderSize != 100 {
		t.Fatalf("coalesced send came out as %d frames", len(sent))
	}
}

// The retransmission timer doubles its period and collapses the
// congestion window.
func TestRtoBackoff(t *testing.T) {
	h := newHarness(t, 1)
	h.a.NotifyMTU(1500)
	h.b.NotifyMTU(1500)
	h.connect()

	// Swallow everything toward b from now on.
	h.dropNth = 1
	if _, err := h.a.Send(makePayload(1000)); err != nil {
		t.Fatal(err)
	}

	rtoBefore := h.a.rxRto
	h.clock += rtoBefore + 1
	h.a.NotifyClock()
	if h.a.rxRto != minU32(maxRTO, rtoBefore*2) {
		t.Errorf("rto after timeout = %d, want doubled %d", h.a.rxRto, rtoBefore*2)
	}
	if h.a.cwnd != h.a.mss {
		t.Errorf("cwnd after timeout = %d, want one mss", h.a.cwnd)
	}
}

func TestGetNextClockBounds(t *testing.T) {
	clock := uint32(300000)
	s := New(1, Callbacks{WritePacket: func(*Socket, []byte) WriteResult {
		return WriteSuccess
	}}, WithClock(func() uint32 { return clock }))

	// Idle listener ticks at the default cadence.
	d, ok := s.GetNextClock()
	if !ok || d.Milliseconds() != defaultTimeout {
		t.Fatalf("idle next clock = %v %v", d, ok)
	}

	// A pending delayed ack tightens the deadline.
	s.state = StateEstablished
	s.tAck = clock
	d, _ = s.GetNextClock()
	if d.Milliseconds() != ackDelay {
		t.Errorf("delayed-ack next clock = %v, want %dms", d, ackDelay)
	}
}
