package sockets

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/proxy"
)

// DialSOCKS5 opens a TCP connection to dest through a SOCKS5 proxy, with
// optional username/password authentication. The result is a raw stream;
// wrap it in NewTCPActive (and optionally NewPseudoSSL) to get a Socket.
func DialSOCKS5(proxyAddr netip.AddrPort, user, password string, dest netip.AddrPort) (net.Conn, error) {
	var auth *proxy.Auth
	if user != "" {
		auth = &proxy.Auth{User: user, Password: password}
	}
	d, err := proxy.SOCKS5("tcp", proxyAddr.String(), auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("building socks5 dialer for %s: %w", proxyAddr, err)
	}
	conn, err := d.Dial("tcp", dest.String())
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s via %s: %w", dest, proxyAddr, err)
	}
	return conn, nil
}

// DialHTTPConnect opens a TCP connection to dest by issuing a CONNECT
// request to an HTTP proxy, with optional basic authentication.
func DialHTTPConnect(proxyAddr netip.AddrPort, user, password string, dest netip.AddrPort) (net.Conn, error) {
	conn, err := net.Dial("tcp", proxyAddr.String())
	if err != nil {
		return nil, fmt.Errorf("dialing http proxy %s: %w", proxyAddr, err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.0\r\nHost: %s\r\n", dest, dest)
	if user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing CONNECT to %s: %w", proxyAddr, err)
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading CONNECT status from %s: %w", proxyAddr, err)
	}
	var proto string
	var code int
	if _, err := fmt.Sscanf(status, "%s %d", &proto, &code); err != nil || code != 200 {
		conn.Close()
		return nil, fmt.Errorf("http proxy %s refused CONNECT: %q", proxyAddr, status)
	}
	// Swallow remaining response headers up to the blank line.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("reading CONNECT headers from %s: %w", proxyAddr, err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	if br.Buffered() > 0 {
		// Anything the proxy pipelined belongs to the tunneled stream.
		extra := make([]byte, br.Buffered())
		br.Read(extra)
		return &bufferedConn{Conn: conn, extra: extra}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes the proxy handshake over-read.
type bufferedConn struct {
	net.Conn
	extra []byte
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if len(c.extra) > 0 {
		n := copy(p, c.extra)
		c.extra = c.extra[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
