package ice

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/meshstream/icelink/metrics"
	"github.com/meshstream/icelink/sockets"
	"github.com/meshstream/icelink/stun"
)

// discovery tracks one outstanding gathering probe: a Binding toward the
// STUN server or an Allocate toward the TURN relay.
type discovery struct {
	kind        CandidateType
	streamID    uint
	componentID uint
	sockIndex   int

	server  netip.AddrPort
	transID stun.TransactionID
	wire    []byte
	timer   stun.TransTimer

	// turnTries counts Allocate rounds; the first one is expected to come
	// back 401 with the realm and nonce.
	turnTries int

	done bool
}

// GatherCandidates opens sockets and kicks off candidate discovery for a
// stream. Host candidates appear synchronously; server-reflexive and
// relayed ones trickle in as probes resolve, and the gathering-done signal
// fires when the last probe settles.
func (a *Agent) GatherCandidates(streamID uint) error {
	a.mu.Lock()
	st, ok := a.streams[streamID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownStream
	}
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}

	addrs := a.enumerateLocalAddresses()

	for _, comp := range st.components {
		a.setComponentState(st, comp, StateGathering)
		rng := st.portLo[comp.id]

		for i, addr := range addrs {
			sock, err := sockets.NewUDPPortRange(addr, rng[0], rng[1])
			if err != nil {
				slog.Warn("ice: binding local candidate failed",
					"addr", addr, "error", err)
				continue
			}
			comp.socks = append(comp.socks, sock)
			sockIdx := len(comp.socks) - 1

			cand := &Candidate{
				Type:        CandidateHost,
				Transport:   TransportUDP,
				Addr:        Addr(sock.LocalAddr()),
				Base:        Addr(sock.LocalAddr()),
				StreamID:    st.id,
				ComponentID: comp.id,
				sockIndex:   sockIdx,
			}
			cand.Foundation = a.foundationFor(CandidateHost, cand.Base, "", TransportUDP)
			cand.computePriority(localPreferenceFor(i))
			a.addLocalCandidate(st, comp, cand)

			a.wg.Add(1)
			go a.readLoop(st.id, comp.id, sockIdx, sock)

			if a.hasStun {
				a.startBindingDiscovery(st, comp, sockIdx, sock)
			}
			if a.turnServer != nil {
				a.startAllocateDiscovery(st, comp, sockIdx, sock, nil)
			}
		}
	}

	if st.gatherPending == 0 {
		a.finishGathering(st)
	}
	a.mu.Unlock()
	a.drainSignals()
	return nil
}

// addLocalCandidate installs a candidate unless an equivalent one exists.
func (a *Agent) addLocalCandidate(st *Stream, comp *Component, cand *Candidate) {
	for _, existing := range comp.local {
		if cand.redundantWith(existing) {
			return
		}
	}
	comp.local = append(comp.local, cand)
	slog.Info("ice: new local candidate", "stream", st.id,
		"component", comp.id, "candidate", cand.String())
	metrics.LocalCandidates.WithLabelValues(cand.Type.String()).Inc()
	if cb := a.OnNewCandidate; cb != nil {
		c := cand
		a.queueSignal(func() { cb(c) })
	}
}

// startBindingDiscovery sends the server-reflexive probe for one socket.
func (a *Agent) startBindingDiscovery(st *Stream, comp *Component, sockIdx int, sock sockets.Socket) {
	msg, wire, err := a.gatherAgent.BindingCreate()
	if err != nil {
		slog.Warn("ice: building discovery request failed", "error", err)
		return
	}
	d := &discovery{
		kind:        CandidateServerReflexive,
		streamID:    st.id,
		componentID: comp.id,
		sockIndex:   sockIdx,
		server:      a.stunServer,
		transID:     msg.TransactionID(),
		wire:        wire,
		timer:       stun.StartTimer(time.Now()),
	}
	a.discoveries = append(a.discoveries, d)
	st.gatherPending++
	sock.SendMessages(a.stunServer, []sockets.OutputMessage{{Buffers: [][]byte{wire}}})
}

// startAllocateDiscovery sends an Allocate probe. prev carries the 401
// challenge on the authenticated second round.
func (a *Agent) startAllocateDiscovery(st *Stream, comp *Component, sockIdx int, sock sockets.Socket, prev *stun.Message) {
	ts := a.turnServer
	req := stun.TurnRequest{Compat: a.turnCompat}
	if prev != nil {
		req.Username = ts.Username
		req.Password = ts.password()
		req.PreviousResponse = prev
	}
	msg, wire, err := a.turnAgent.TurnCreateAllocate(req, stun.TurnPortNormal, 0, 0, 0)
	if err != nil {
		slog.Warn("ice: building allocate failed", "error", err)
		return
	}
	d := &discovery{
		kind:        CandidateRelayed,
		streamID:    st.id,
		componentID: comp.id,
		sockIndex:   sockIdx,
		server:      ts.Server.AddrPort,
		transID:     msg.TransactionID(),
		wire:        wire,
		timer:       stun.StartTimer(time.Now()),
	}
	if prev != nil {
		d.turnTries = 1
	}
	a.discoveries = append(a.discoveries, d)
	st.gatherPending++
	sock.SendMessages(d.server, []sockets.OutputMessage{{Buffers: [][]byte{wire}}})
}

// password resolves the credential form the relay expects.
func (ts *TurnServer) password() []byte {
	if len(ts.DecodedPassword) > 0 {
		return ts.DecodedPassword
	}
	return []byte(ts.Password)
}

// driveDiscoveries retransmits and expires gathering probes.
func (a *Agent) driveDiscoveries(now time.Time) {
	for _, d := range a.discoveries {
		if d.done {
			continue
		}
		if d.timer.Remainder(now) > 0 {
			continue
		}
		st := a.streams[d.streamID]
		if st == nil {
			d.done = true
			continue
		}
		switch d.timer.Refresh(now) {
		case stun.TimerRetransmit:
			if comp := st.Component(d.componentID); comp != nil && d.sockIndex < len(comp.socks) {
				comp.socks[d.sockIndex].SendMessages(d.server,
					[]sockets.OutputMessage{{Buffers: [][]byte{d.wire}}})
			}
		case stun.TimerTimeout:
			slog.Debug("ice: discovery timed out",
				"stream", d.streamID, "kind", d.kind)
			a.settleDiscovery(st, d)
		}
	}
}

// settleDiscovery marks a probe finished and fires gathering-done when it
// was the last one.
func (a *Agent) settleDiscovery(st *Stream, d *discovery) {
	if d.done {
		return
	}
	d.done = true
	a.gatherAgent.ForgetTransaction(d.transID)
	a.turnAgent.ForgetTransaction(d.transID)
	st.gatherPending--
	if st.gatherPending == 0 {
		a.finishGathering(st)
	}
}

func (a *Agent) finishGathering(st *Stream) {
	if st.gatherDone {
		return
	}
	st.gatherDone = true
	slog.Info("ice: candidate gathering done", "stream", st.id)
	if cb := a.OnCandidateGatheringDone; cb != nil {
		sid := st.id
		a.queueSignal(func() { cb(sid) })
	}
}

// findDiscovery matches a response transaction to its probe.
func (a *Agent) findDiscovery(id stun.TransactionID) *discovery {
	for _, d := range a.discoveries {
		if !d.done && d.transID == id {
			return d
		}
	}
	return nil
}

// handleDiscoveryResponse consumes a validated response to a gathering
// probe.
func (a *Agent) handleDiscoveryResponse(st *Stream, comp *Component, d *discovery, msg *stun.Message) {
	switch d.kind {
	case CandidateServerReflexive:
		mapped, _, res := a.gatherAgent.BindingProcessResponse(msg)
		if res == stun.BindSuccess {
			a.addReflexiveCandidate(st, comp, d, mapped)
		}
		a.settleDiscovery(st, d)

	case CandidateRelayed:
		alloc, res := a.turnAgent.TurnProcessAllocateResponse(msg, a.turnCompat)
		switch res {
		case stun.TurnRelaySuccess, stun.TurnMappedSuccess:
			a.addRelayedCandidate(st, comp, d, alloc)
			a.settleDiscovery(st, d)
		case stun.TurnAlternate:
			// Retarget once; the relay pointed us elsewhere.
			if d.turnTries == 0 {
				a.turnServer.Server = Addr(alloc.Alternate)
				a.settleDiscovery(st, d)
				if sock := comp.socks[d.sockIndex]; sock != nil {
					a.startAllocateDiscovery(st, comp, d.sockIndex, sock, nil)
				}
			} else {
				a.settleDiscovery(st, d)
			}
		case stun.TurnError:
			code, _ := msg.FindErrorCode()
			if (code == stun.ErrorUnauthorized || code == stun.ErrorStaleNonce) && d.turnTries == 0 {
				// Round two with the challenge echoed back.
				a.settleDiscovery(st, d)
				if sock := comp.socks[d.sockIndex]; sock != nil {
					a.startAllocateDiscovery(st, comp, d.sockIndex, sock, msg)
				}
			} else {
				slog.Warn("ice: allocate rejected", "stream", st.id, "code", code)
				a.settleDiscovery(st, d)
			}
		default:
			a.settleDiscovery(st, d)
		}
	}
}

func (a *Agent) addReflexiveCandidate(st *Stream, comp *Component, d *discovery, mapped netip.AddrPort) {
	base := Addr(comp.socks[d.sockIndex].LocalAddr())
	if Addr(mapped).Equal(base) {
		// Not behind a NAT on this path; the host candidate covers it.
		return
	}
	cand := &Candidate{
		Type:        CandidateServerReflexive,
		Transport:   TransportUDP,
		Addr:        Addr(mapped),
		Base:        base,
		StreamID:    st.id,
		ComponentID: comp.id,
		sockIndex:   d.sockIndex,
	}
	cand.Foundation = a.foundationFor(CandidateServerReflexive, base, d.server.String(), TransportUDP)
	cand.computePriority(localPreferenceFor(d.sockIndex))
	a.addLocalCandidate(st, comp, cand)
}

func (a *Agent) addRelayedCandidate(st *Stream, comp *Component, d *discovery, alloc stun.TurnAllocation) {
	base := Addr(comp.socks[d.sockIndex].LocalAddr())
	cand := &Candidate{
		Type:        CandidateRelayed,
		Transport:   TransportUDP,
		Addr:        Addr(alloc.Relayed),
		Base:        Addr(alloc.Relayed),
		StreamID:    st.id,
		ComponentID: comp.id,
		Turn:        a.turnServer,
		sockIndex:   d.sockIndex,
	}
	cand.Foundation = a.foundationFor(CandidateRelayed, base, d.server.String(), TransportUDP)
	pref := uint32(a.turnServer.PreferenceTag)
	cand.computePriority(pref<<8 | uint32(d.sockIndex)&0xFF)
	a.addLocalCandidate(st, comp, cand)

	if alloc.Mapped.IsValid() {
		a.addReflexiveCandidate(st, comp, d, alloc.Mapped)
	}
}
