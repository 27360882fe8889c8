package sockets

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestUDPRoundTrip(t *testing.T) {
	a, err := NewUDP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewUDP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if a.IsReliable() {
		t.Error("udp claims reliability")
	}
	if !a.CanSend(b.LocalAddr()) {
		t.Error("udp cannot reach same-family address")
	}

	payload := []byte("ping")
	n, err := a.SendMessages(b.LocalAddr(), []OutputMessage{
		{Buffers: [][]byte{payload[:2], payload[2:]}},
	})
	if err != nil || n != 1 {
		t.Fatalf("send = %d, %v", n, err)
	}

	msgs := []InputMessage{{Buffers: [][]byte{make([]byte, 64)}}}
	got := make(chan error, 1)
	go func() {
		_, err := b.RecvMessages(msgs)
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recv timed out")
	}
	if msgs[0].N != 4 || !bytes.Equal(msgs[0].Buffers[0][:4], payload) {
		t.Fatalf("received %d bytes %q", msgs[0].N, msgs[0].Buffers[0][:msgs[0].N])
	}
	if msgs[0].From != a.LocalAddr() {
		t.Errorf("from = %s, want %s", msgs[0].From, a.LocalAddr())
	}
}

func TestTCPFraming(t *testing.T) {
	ln, err := ListenTCP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan *TCPSocket, 1)
	go func() {
		s, err := ln.Accept()
		if err == nil {
			accepted <- s
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	active := NewTCPActive(conn)
	defer active.Close()

	passive := <-accepted
	defer passive.Close()

	if !active.IsReliable() {
		t.Error("tcp claims unreliability")
	}

	// Two messages must come out as two framed messages, not a byte soup.
	first, second := []byte("first message"), []byte("2nd")
	if _, err := active.SendMessages(netip.AddrPort{}, []OutputMessage{
		{Buffers: [][]byte{first}},
		{Buffers: [][]byte{second}},
	}); err != nil {
		t.Fatal(err)
	}

	for _, want := range [][]byte{first, second} {
		msgs := []InputMessage{{Buffers: [][]byte{make([]byte, 64)}}}
		if _, err := passive.RecvMessages(msgs); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(msgs[0].Buffers[0][:msgs[0].N], want) {
			t.Fatalf("got %q, want %q", msgs[0].Buffers[0][:msgs[0].N], want)
		}
	}
}

func TestTCPReliableSendDrainsAndSignals(t *testing.T) {
	ln, err := ListenTCP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan *TCPSocket, 1)
	go func() {
		s, aerr := ln.Accept()
		if aerr == nil {
			accepted <- s
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	active := NewTCPActive(conn)
	defer active.Close()
	passive := <-accepted
	defer passive.Close()

	writable := make(chan struct{}, 1)
	active.SetWritableCallback(func() {
		select {
		case writable <- struct{}{}:
		default:
		}
	})

	if _, err := active.SendMessagesReliable(netip.AddrPort{}, []OutputMessage{
		{Buffers: [][]byte{[]byte("queued")}},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-writable:
	case <-time.After(2 * time.Second):
		t.Fatal("writable callback never fired")
	}

	msgs := []InputMessage{{Buffers: [][]byte{make([]byte, 64)}}}
	if _, err := passive.RecvMessages(msgs); err != nil {
		t.Fatal(err)
	}
	if string(msgs[0].Buffers[0][:msgs[0].N]) != "queued" {
		t.Fatalf("got %q", msgs[0].Buffers[0][:msgs[0].N])
	}
}

func TestPseudoSSLHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 2)
	go func() { errc <- ClientPseudoSSL(client, PseudoSSLGoogle) }()
	go func() { errc <- ServerPseudoSSL(server, PseudoSSLGoogle) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handshake stalled")
		}
	}

	// The stream is transparent afterwards.
	go client.Write([]byte("clear"))
	buf := make([]byte, 5)
	server.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := server.Read(buf); err != nil || string(buf) != "clear" {
		t.Fatalf("post-handshake read %q, %v", buf, err)
	}
}

func TestScatterGather(t *testing.T) {
	msg := InputMessage{Buffers: [][]byte{make([]byte, 3), make([]byte, 3)}}
	msg.scatter([]byte("abcdef"), netip.AddrPort{})
	if msg.N != 6 || string(msg.Buffers[0]) != "abc" || string(msg.Buffers[1]) != "def" {
		t.Fatalf("scatter: n=%d %q %q", msg.N, msg.Buffers[0], msg.Buffers[1])
	}

	out := OutputMessage{Buffers: [][]byte{[]byte("ab"), []byte("cd")}}
	if got := out.flatten(); string(got) != "abcd" {
		t.Fatalf("flatten = %q", got)
	}
}
