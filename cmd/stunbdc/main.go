// Command stunbdc is a one-shot STUN Binding client: it asks a server what
// our address looks like from outside and prints the answer.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/meshstream/icelink/stun"
)

var (
	server  = flag.String("server", "", "STUN server as host:port (required)")
	compat  = flag.String("compat", "rfc5389", "dialect: rfc5389, rfc3489, wlm2009")
	timeout = flag.Duration("timeout", 10*time.Second, "give up after this long")
)

func dialect(name string) stun.Compatibility {
	switch name {
	case "rfc3489":
		return stun.RFC3489
	case "wlm2009":
		return stun.WLM2009
	default:
		return stun.RFC5389
	}
}

func main() {
	flag.Parse()
	if *server == "" {
		fmt.Fprintln(os.Stderr, "usage: stunbdc -server host:port")
		os.Exit(2)
	}

	dst, err := net.ResolveUDPAddr("udp", *server)
	rtx.Must(err, "Could not resolve %s", *server)

	conn, err := net.DialUDP("udp", nil, dst)
	rtx.Must(err, "Could not open a UDP socket")
	defer conn.Close()

	flags := stun.UsageIgnoreCredentials
	cp := dialect(*compat)
	if cp != stun.RFC3489 {
		flags |= stun.UsageUseFingerprint | stun.UsageAddSoftware
	}
	agent := stun.NewAgent(cp, flags, nil)

	_, wire, err := agent.BindingCreate()
	rtx.Must(err, "Could not build the Binding request")

	deadline := time.Now().Add(*timeout)
	timer := stun.StartTimer(time.Now())
	buf := make([]byte, 1500)

	_, err = conn.Write(wire)
	rtx.Must(err, "Could not send the request")

	for {
		wait := timer.Remainder(time.Now())
		if time.Now().Add(wait).After(deadline) {
			wait = time.Until(deadline)
		}
		conn.SetReadDeadline(time.Now().Add(wait))

		n, rerr := conn.Read(buf)
		if rerr != nil {
			switch timer.Refresh(time.Now()) {
			case stun.TimerRetransmit:
				if time.Now().After(deadline) {
					fmt.Fprintln(os.Stderr, "stunbdc: timed out")
					os.Exit(1)
				}
				_, err = conn.Write(wire)
				rtx.Must(err, "Could not retransmit the request")
				continue
			case stun.TimerTimeout:
				fmt.Fprintln(os.Stderr, "stunbdc: timed out")
				os.Exit(1)
			default:
				continue
			}
		}

		msg, status := agent.Validate(buf[:n], nil)
		if status != stun.StatusSuccess {
			fmt.Fprintf(os.Stderr, "stunbdc: dropping response: %s\n", status)
			continue
		}
		mapped, alternate, res := agent.BindingProcessResponse(msg)
		switch res {
		case stun.BindSuccess:
			printMapped(mapped)
			return
		case stun.BindAlternate:
			fmt.Fprintf(os.Stderr, "stunbdc: redirected to %s\n", alternate)
			os.Exit(1)
		default:
			fmt.Fprintln(os.Stderr, "stunbdc: server answered with an error")
			os.Exit(1)
		}
	}
}

func printMapped(ap netip.AddrPort) {
	fmt.Printf("Mapped address: %s\n", ap)
}
