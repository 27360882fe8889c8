// Command icelink-demo establishes connectivity between two in-process
// agents on the loopback interface, using the bundled websocket rendezvous
// for candidate exchange, then streams a payload over a pseudo-TCP
// conversation riding the nominated pair.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/rs/xid"

	"github.com/meshstream/icelink/ice"
	"github.com/meshstream/icelink/pseudotcp"
	"github.com/meshstream/icelink/signaling"
	"github.com/meshstream/icelink/stun"
)

var (
	payloadSize = flag.Int("payload", 256*1024, "bytes to transfer over pseudo-tcp")
	verbose     = flag.Bool("v", false, "debug logging")
)

// peer bundles one agent with its signaling client.
type peer struct {
	name     string
	agent    *ice.Agent
	client   *signaling.Client
	streamID uint

	ready    chan struct{}
	gathered chan struct{}
}

func newPeer(name string, controlling bool) *peer {
	var opts []ice.Option
	if controlling {
		opts = append(opts, ice.WithControlling())
	}
	p := &peer{
		name:     name,
		agent:    ice.NewAgent(stun.RFC5389, opts...),
		ready:    make(chan struct{}),
		gathered: make(chan struct{}),
	}
	p.agent.AddLocalAddress(netip.MustParseAddr("127.0.0.1"))
	p.streamID = p.agent.AddStream(1)

	p.agent.OnCandidateGatheringDone = func(uint) { close(p.gathered) }
	p.agent.OnComponentStateChanged = func(_, _ uint, state ice.ComponentState) {
		slog.Info("component state", "peer", p.name, "state", state)
		if state == ice.StateReady {
			select {
			case <-p.ready:
			default:
				close(p.ready)
			}
		}
	}
	return p
}

// publish pushes credentials and candidates to the other side.
func (p *peer) publish() {
	ufrag, pwd, err := p.agent.GetLocalCredentials(p.streamID)
	rtx.Must(err, "%s: no local credentials", p.name)
	rtx.Must(p.client.Send(signaling.MsgCredentials, signaling.CredentialsPayload{
		StreamID: p.streamID, Ufrag: ufrag, Password: pwd,
	}), "%s: sending credentials", p.name)

	cands, err := p.agent.GetLocalCandidates(p.streamID, 1)
	rtx.Must(err, "%s: no local candidates", p.name)
	for _, c := range cands {
		rtx.Must(p.client.Send(signaling.MsgCandidate, signaling.CandidatePayload{
			StreamID:    p.streamID,
			ComponentID: 1,
			Type:        c.Type.String(),
			Transport:   c.Transport.String(),
			Addr:        c.Addr.String(),
			Priority:    c.Priority,
			Foundation:  c.Foundation,
		}), "%s: sending candidate", p.name)
	}
	rtx.Must(p.client.Send(signaling.MsgGatheringDone,
		signaling.GatheringDonePayload{StreamID: p.streamID}),
		"%s: sending gathering-done", p.name)
}

// handle consumes messages relayed from the other peer.
func (p *peer) handle(t signaling.MessageType, payload json.RawMessage) {
	switch t {
	case signaling.MsgCredentials:
		var cp signaling.CredentialsPayload
		if json.Unmarshal(payload, &cp) != nil {
			return
		}
		p.agent.SetRemoteCredentials(p.streamID, cp.Ufrag, cp.Password)
	case signaling.MsgCandidate:
		var cp signaling.CandidatePayload
		if json.Unmarshal(payload, &cp) != nil {
			return
		}
		addr, err := ice.ParseAddress(cp.Addr)
		if err != nil {
			return
		}
		kind := ice.CandidateHost
		switch cp.Type {
		case "srflx":
			kind = ice.CandidateServerReflexive
		case "prflx":
			kind = ice.CandidatePeerReflexive
		case "relay":
			kind = ice.CandidateRelayed
		}
		p.agent.SetRemoteCandidates(p.streamID, cp.ComponentID, []ice.RemoteCandidate{{
			Type:       kind,
			Transport:  ice.TransportUDP,
			Addr:       addr,
			Priority:   cp.Priority,
			Foundation: cp.Foundation,
		}})
	}
}

func main() {
	flag.Parse()
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: level})))

	// In-process rendezvous.
	srv := signaling.NewServer()
	httpSrv := &http.Server{Addr: "127.0.0.1:0", Handler: srv.Router()}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	rtx.Must(err, "Could not bind the rendezvous")
	go httpSrv.Serve(ln)
	wsURL := "ws://" + ln.Addr().String()

	room := xid.New().String()
	left := newPeer("left", true)
	right := newPeer("right", false)
	defer left.agent.Close()
	defer right.agent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	left.client = signaling.NewClient(wsURL, room, "left", left.handle)
	right.client = signaling.NewClient(wsURL, room, "right", right.handle)
	go left.client.Run(ctx)
	go right.client.Run(ctx)
	time.Sleep(500 * time.Millisecond)

	rtx.Must(left.agent.GatherCandidates(left.streamID), "left: gathering")
	rtx.Must(right.agent.GatherCandidates(right.streamID), "right: gathering")
	<-left.gathered
	<-right.gathered

	left.publish()
	right.publish()

	waitReady(left)
	waitReady(right)
	slog.Info("both components ready, starting pseudo-tcp transfer")

	transfer(left, right)
}

func waitReady(p *peer) {
	select {
	case <-p.ready:
	case <-time.After(10 * time.Second):
		fmt.Fprintf(os.Stderr, "%s: never reached ready\n", p.name)
		os.Exit(1)
	}
}

// transfer pushes the payload left-to-right over pseudo-tcp sockets wired
// into the agents' data paths.
func transfer(left, right *peer) {
	payload := make([]byte, *payloadSize)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	var received bytes.Buffer
	done := make(chan struct{})

	makeWriter := func(p *peer) func(*pseudotcp.Socket, []byte) pseudotcp.WriteResult {
		return func(_ *pseudotcp.Socket, pkt []byte) pseudotcp.WriteResult {
			if _, err := p.agent.Send(p.streamID, 1, pkt); err != nil {
				return pseudotcp.WriteFail
			}
			return pseudotcp.WriteSuccess
		}
	}

	var sender, receiver *pseudotcp.Socket
	offset := 0
	sendMore := func(s *pseudotcp.Socket) {
		for offset < len(payload) {
			n, err := s.Send(payload[offset:])
			if err != nil {
				return
			}
			offset += n
		}
		s.Close(false)
	}

	sender = pseudotcp.New(42, pseudotcp.Callbacks{
		Opened:      func(s *pseudotcp.Socket) { sendMore(s) },
		Writable:    func(s *pseudotcp.Socket) { sendMore(s) },
		WritePacket: makeWriter(left),
	}, pseudotcp.WithFinAck())

	receiver = pseudotcp.New(42, pseudotcp.Callbacks{
		Readable: func(s *pseudotcp.Socket) {
			buf := make([]byte, 32*1024)
			for {
				n, err := s.Recv(buf)
				if n > 0 {
					received.Write(buf[:n])
				}
				if err != nil {
					break
				}
			}
			if received.Len() == len(payload) {
				close(done)
			}
		},
		WritePacket: makeWriter(right),
	}, pseudotcp.WithFinAck())

	left.agent.AttachRecv(left.streamID, 1, func(_, _ uint, data []byte) {
		sender.NotifyPacket(data)
	})
	right.agent.AttachRecv(right.streamID, 1, func(_, _ uint, data []byte) {
		receiver.NotifyPacket(data)
	})

	// Clock pump for both engines.
	go func() {
		for {
			for _, s := range []*pseudotcp.Socket{sender, receiver} {
				if d, ok := s.GetNextClock(); ok && d == 0 {
					s.NotifyClock()
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	sender.NotifyMTU(1400)
	receiver.NotifyMTU(1400)
	rtx.Must(sender.Connect(), "pseudo-tcp connect")

	select {
	case <-done:
		if bytes.Equal(received.Bytes(), payload) {
			fmt.Printf("transferred %d bytes intact\n", received.Len())
		} else {
			fmt.Fprintln(os.Stderr, "payload corrupted in transit")
			os.Exit(1)
		}
	case <-time.After(60 * time.Second):
		fmt.Fprintln(os.Stderr, "transfer timed out")
		os.Exit(1)
	}
}
