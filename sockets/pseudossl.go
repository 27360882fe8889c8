package sockets

import (
	"fmt"
	"net"
)

// PseudoSSLCompat selects which canned handshake bytes to exchange.
type PseudoSSLCompat int

const (
	// PseudoSSLGoogle mimics an SSLv2 hello followed by a fixed server
	// hello, as the libjingle relays expect.
	PseudoSSLGoogle PseudoSSLCompat = iota

	// PseudoSSLMSOC mimics a TLS 1.0 hello for the MSOC relay family.
	PseudoSSLMSOC
)

// The handshakes are byte-for-byte constants: no keys are exchanged and no
// encryption happens, the frames only make middleboxes see an SSL session.
var (
	pseudoSSLClientGoogle = []byte{
		0x80, 0x46, 0x01, 0x03, 0x01, 0x00, 0x2d, 0x00,
		0x00, 0x00, 0x10, 0x01, 0x00, 0x80, 0x03, 0x00,
		0x80, 0x07, 0x00, 0xc0, 0x06, 0x00, 0x40, 0x02,
		0x00, 0x80, 0x04, 0x00, 0x80, 0x00, 0x00, 0x04,
		0x00, 0xfe, 0xff, 0x00, 0x00, 0x0a, 0x00, 0xfe,
		0xfe, 0x00, 0x00, 0x09, 0x00, 0x00, 0x64, 0x00,
		0x00, 0x62, 0x00, 0x00, 0x03, 0x00, 0x00, 0x06,
		0x1f, 0x17, 0x0c, 0xa6, 0x2f, 0x00, 0x78, 0xfc,
		0x46, 0x55, 0x2e, 0xb1, 0x83, 0x39, 0xf1, 0xea,
	}

	pseudoSSLServerGoogle = []byte{
		0x16, 0x03, 0x01, 0x00, 0x4a, 0x02, 0x00, 0x00,
		0x46, 0x03, 0x01, 0x42, 0x85, 0x45, 0xa7, 0x27,
		0xa9, 0x5d, 0xa0, 0xb3, 0xc5, 0xe7, 0x53, 0xda,
		0x48, 0x2b, 0x3f, 0xc6, 0x5a, 0xca, 0x89, 0xc1,
		0x58, 0x52, 0xa1, 0x78, 0x3c, 0x5b, 0x17, 0x46,
		0x00, 0x85, 0x3f, 0x20, 0x0e, 0xd3, 0x06, 0x72,
		0x5b, 0x5b, 0x1b, 0x5f, 0x15, 0xac, 0x13, 0xf9,
		0x88, 0x53, 0x9d, 0x9b, 0xe8, 0x3d, 0x7b, 0x0c,
		0x30, 0x32, 0x6e, 0x38, 0x4d, 0xa2, 0x75, 0x57,
		0x41, 0x6c, 0x34, 0x5c, 0x00, 0x04, 0x00,
	}

	pseudoSSLClientMSOC = []byte{
		0x16, 0x03, 0x01, 0x00, 0x2d, 0x01, 0x00, 0x00,
		0x29, 0x03, 0x01, 0xc1, 0xfc, 0xd5, 0xa3, 0x6d,
		0x93, 0xdd, 0x7e, 0x0b, 0x45, 0x67, 0x3f, 0xec,
		0x79, 0x85, 0xfb, 0xbc, 0x3f, 0xd6, 0x60, 0xc2,
		0xce, 0x84, 0x85, 0x08, 0x1b, 0x81, 0x21, 0xbc,
		0xaa, 0x10, 0xfb, 0x00, 0x00, 0x02, 0x00, 0x18,
		0x01, 0x00,
	}

	pseudoSSLServerMSOC = []byte{
		0x16, 0x03, 0x01, 0x00, 0x4e, 0x02, 0x00, 0x00,
		0x46, 0x03, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x20, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x18, 0x00, 0x0e,
		0x00, 0x00, 0x00,
	}
)

// ClientPseudoSSL performs the client side of the fake handshake on conn:
// send the canned hello, read back exactly the canned server hello. The
// stream then carries application bytes untouched.
func ClientPseudoSSL(conn net.Conn, compat PseudoSSLCompat) error {
	hello, expect := pseudoSSLClientGoogle, pseudoSSLServerGoogle
	if compat == PseudoSSLMSOC {
		hello, expect = pseudoSSLClientMSOC, pseudoSSLServerMSOC
	}
	if _, err := conn.Write(hello); err != nil {
		return fmt.Errorf("pseudossl client hello: %w", err)
	}
	got := make([]byte, len(expect))
	n := 0
	for n < len(got) {
		c, err := conn.Read(got[n:])
		n += c
		if err != nil {
			return fmt.Errorf("pseudossl server hello: %w", err)
		}
	}
	for i := range got {
		if got[i] != expect[i] {
			return fmt.Errorf("pseudossl server hello mismatch at byte %d", i)
		}
	}
	return nil
}

// ServerPseudoSSL performs the server side: consume the client hello bytes,
// answer with the canned server hello.
func ServerPseudoSSL(conn net.Conn, compat PseudoSSLCompat) error {
	expect, reply := pseudoSSLClientGoogle, pseudoSSLServerGoogle
	if compat == PseudoSSLMSOC {
		expect, reply = pseudoSSLClientMSOC, pseudoSSLServerMSOC
	}
	got := make([]byte, len(expect))
	n := 0
	for n < len(got) {
		c, err := conn.Read(got[n:])
		n += c
		if err != nil {
			return fmt.Errorf("pseudossl client hello: %w", err)
		}
	}
	if _, err := conn.Write(reply); err != nil {
		return fmt.Errorf("pseudossl server hello: %w", err)
	}
	return nil
}
