package ice

import (
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/meshstream/icelink/metrics"
	"github.com/meshstream/icelink/sockets"
	"github.com/meshstream/icelink/stun"
)

// readLoop drains one socket and feeds everything through the
// demultiplexer. It exits when the socket closes.
func (a *Agent) readLoop(streamID, componentID uint, sockIdx int, sock sockets.Socket) {
	defer a.wg.Done()
	msgs := []sockets.InputMessage{{Buffers: [][]byte{make([]byte, 65536)}}}
	for {
		n, err := sock.RecvMessages(msgs)
		if err != nil || n == 0 {
			return
		}
		data := msgs[0].Buffers[0][:msgs[0].N]
		a.handlePacket(streamID, componentID, sockIdx, data, msgs[0].From)
	}
}

// handlePacket demultiplexes one inbound datagram: STUN check traffic is
// peeled off first, everything else is component data.
func (a *Agent) handlePacket(streamID, componentID uint, sockIdx int, data []byte, from netip.AddrPort) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	st, ok := a.streams[streamID]
	if !ok {
		a.mu.Unlock()
		return
	}
	comp := st.Component(componentID)
	if comp == nil {
		a.mu.Unlock()
		return
	}
	comp.lastInbound = time.Now()

	cls, isStun := stun.PeekClass(data)
	if isStun && (cls == stun.ClassSuccess || cls == stun.ClassError) {
		a.routeResponse(st, comp, data, from)
		a.mu.Unlock()
		a.drainSignals()
		return
	}

	password := []byte(st.localPassword)
	creds := func(_ *stun.Message, _ []byte) ([]byte, bool) {
		return password, len(password) > 0
	}
	msg, status := a.checkAgent.Validate(data, creds)
	metrics.StunMessagesValidated.WithLabelValues(status.String()).Inc()

	switch status {
	case stun.StatusNotSTUN:
		metrics.DataBytesReceived.Add(float64(len(data)))
		// Deliver outside the lock: receive callbacks commonly feed a
		// pseudo-tcp engine whose replies re-enter Send.
		if cb := comp.recv; cb != nil {
			sid, cid := comp.streamID, comp.id
			buf := make([]byte, len(data))
			copy(buf, data)
			a.queueSignal(func() { cb(sid, cid, buf) })
		} else {
			comp.enqueueOrDeliver(data)
		}
	case stun.StatusSuccess:
		switch msg.Class() {
		case stun.ClassRequest:
			a.handleInboundCheck(st, comp, sockIdx, msg, from)
		case stun.ClassIndication:
			// Keepalive traffic; the lastInbound update above is all it
			// carries.
		}
	case stun.StatusUnknownRequestAttribute:
		if reply, err := a.checkAgent.BuildUnknownAttributesError(msg); err == nil {
			a.sendOn(comp, sockIdx, from, reply.Bytes())
		}
	default:
		slog.Debug("ice: dropping stun packet",
			"stream", streamID, "status", status.String())
	}
	a.mu.Unlock()
	a.drainSignals()
}

// routeResponse matches a success/error message to the agent that sent the
// request: connectivity checks first, then gathering and relay probes.
func (a *Agent) routeResponse(st *Stream, comp *Component, data []byte, from netip.AddrPort) {
	password := []byte(st.remotePassword)
	creds := func(_ *stun.Message, _ []byte) ([]byte, bool) {
		return password, len(password) > 0
	}
	if msg, status := a.checkAgent.Validate(data, creds); status == stun.StatusSuccess {
		a.handleCheckResponse(st, comp, msg)
		return
	}
	if msg, status := a.gatherAgent.Validate(data, nil); status == stun.StatusSuccess {
		if d := a.findDiscovery(msg.TransactionID()); d != nil {
			a.handleDiscoveryResponse(st, comp, d, msg)
		}
		return
	}
	if msg, status := a.turnAgent.Validate(data, nil); status == stun.StatusSuccess {
		if d := a.findDiscovery(msg.TransactionID()); d != nil {
			a.handleDiscoveryResponse(st, comp, d, msg)
		}
		return
	}
	slog.Debug("ice: unmatched response dropped", "stream", st.id, "from", from)
}

// sendOn writes one frame on a component socket.
func (a *Agent) sendOn(comp *Component, sockIdx int, dest netip.AddrPort, wire []byte) {
	if sockIdx < 0 || sockIdx >= len(comp.socks) {
		return
	}
	comp.socks[sockIdx].SendMessages(dest, []sockets.OutputMessage{{Buffers: [][]byte{wire}}})
}

// paceComponent runs one pacing tick: nominate if due, then send the next
// check off the triggered queue or the check list.
func (a *Agent) paceComponent(st *Stream, comp *Component, now time.Time) {
	if st.remoteUfrag == "" || len(comp.remote) == 0 {
		return
	}

	// Regular nomination: once something succeeded and nothing is
	// nominated, recheck the best pair with USE-CANDIDATE.
	if a.controlling && !a.aggressive && !comp.anySucceededNominated() {
		if best := comp.bestSucceeded(); best != nil && !best.wantNominate && !best.useCandidate {
			nominationOutstanding := false
			for _, p := range comp.checklist {
				if p.useCandidate && p.state == PairInProgress {
					nominationOutstanding = true
					break
				}
			}
			if !nominationOutstanding {
				best.wantNominate = true
				comp.enqueueTriggered(best)
			}
		}
	}

	pair := comp.nextPair()
	if pair == nil {
		return
	}
	a.sendCheck(st, comp, pair, now)
}

// sendCheck emits the connectivity check for one pair and arms its
// retransmission timer.
func (a *Agent) sendCheck(st *Stream, comp *Component, pair *CandidatePair, now time.Time) {
	local := comp.localCandidate(pair)
	remote := comp.remoteCandidate(pair)

	password := st.remotePassword
	if remote.pwd != "" {
		password = remote.pwd
	}

	// PRIORITY carries what a peer-reflexive candidate discovered through
	// this check would be worth.
	prflxPriority := CandidatePriority(typePrefPeerReflexive,
		local.Priority>>8&0xFFFF, comp.id)

	useCandidate := pair.wantNominate || (a.controlling && a.aggressive)

	msg, wire, err := a.checkAgent.IceCheckCreate(stun.IceCheckRequest{
		Username:     st.outgoingUsername(),
		Password:     []byte(password),
		Priority:     prflxPriority,
		UseCandidate: useCandidate,
		Controlling:  a.controlling,
		TieBreaker:   a.tieBreaker,
	})
	if err != nil {
		slog.Warn("ice: building check failed", "error", err)
		return
	}

	pair.state = PairInProgress
	pair.useCandidate = useCandidate
	pair.wantNominate = false
	pair.recheck = false
	pair.transactionID = msg.TransactionID()
	pair.wire = wire
	pair.sockIndex = local.sockIndex
	pair.remoteAddr = remote.Addr
	pair.armTimer(now, false)

	slog.Debug("ice: sending check", "stream", st.id, "component", comp.id,
		"local", local.Addr, "remote", remote.Addr, "nominate", useCandidate)
	metrics.ChecksSent.WithLabelValues("fresh").Inc()
	a.sendOn(comp, pair.sockIndex, remote.Addr.AddrPort, wire)
}

// driveTimers retransmits or expires outstanding checks.
func (a *Agent) driveTimers(st *Stream, comp *Component, now time.Time) {
	for _, pair := range comp.checklist {
		if pair.state != PairInProgress || !pair.hasTimer {
			continue
		}
		if pair.timer.Remainder(now) > 0 {
			continue
		}
		switch pair.timer.Refresh(now) {
		case stun.TimerRetransmit:
			metrics.ChecksSent.WithLabelValues("retransmit").Inc()
			a.sendOn(comp, pair.sockIndex, pair.remoteAddr.AddrPort, pair.wire)
		case stun.TimerTimeout:
			slog.Debug("ice: check timed out", "stream", st.id,
				"remote", pair.remoteAddr)
			a.checkAgent.ForgetTransaction(pair.transactionID)
			pair.state = PairFailed
			pair.hasTimer = false
		}
	}
}

// handleInboundCheck answers a peer's connectivity check, learning
// peer-reflexive candidates and honoring nomination requests.
func (a *Agent) handleInboundCheck(st *Stream, comp *Component, sockIdx int, msg *stun.Message, from netip.AddrPort) {
	metrics.ChecksReceived.Inc()

	username, err := msg.FindString(stun.AttrUsername)
	if err != nil || !strings.HasPrefix(username, st.localUfrag+":") {
		if reply, rerr := a.checkAgent.IceCheckCreateErrorResponse(msg, stun.ErrorUnauthorized); rerr == nil {
			a.sendOn(comp, sockIdx, from, reply)
		}
		return
	}

	// Role conflict resolution.
	if peerControlling, tb, found := stun.IceCheckRole(msg); found {
		a.peerTieBreaker = tb
		a.peerTieValid = true
		if peerControlling && a.controlling {
			if a.tieBreaker >= tb {
				if reply, rerr := a.checkAgent.IceCheckCreateErrorResponse(msg, stun.ErrorRoleConflict); rerr == nil {
					a.sendOn(comp, sockIdx, from, reply)
				}
				return
			}
			a.switchRole()
		} else if !peerControlling && !a.controlling {
			if a.tieBreaker >= tb {
				a.switchRole()
			} else {
				if reply, rerr := a.checkAgent.IceCheckCreateErrorResponse(msg, stun.ErrorRoleConflict); rerr == nil {
					a.sendOn(comp, sockIdx, from, reply)
				}
				return
			}
		}
	}

	if !st.initialCheckSeen {
		st.initialCheckSeen = true
		if cb := a.OnInitialBindingRequestReceived; cb != nil {
			sid := st.id
			a.queueSignal(func() { cb(sid) })
		}
	}

	// Which local candidate was this addressed to?
	localIdx := -1
	base := Addr(comp.socks[sockIdx].LocalAddr())
	for i, cand := range comp.local {
		if cand.Base.Equal(base) && cand.Type == CandidateHost {
			localIdx = i
			break
		}
	}
	if localIdx == -1 {
		for i, cand := range comp.local {
			if cand.sockIndex == sockIdx {
				localIdx = i
				break
			}
		}
	}
	if localIdx == -1 {
		return
	}

	// An unknown source is a new remote peer-reflexive candidate.
	remoteIdx := -1
	for i, cand := range comp.remote {
		if cand.Addr.Equal(Addr(from)) {
			remoteIdx = i
			break
		}
	}
	if remoteIdx == -1 {
		prio := stun.IceCheckPriority(msg)
		if prio == 0 {
			prio = CandidatePriority(typePrefPeerReflexive, 65535, comp.id)
		}
		remoteUfrag := strings.TrimPrefix(username, st.localUfrag+":")
		cand := &Candidate{
			Type:        CandidatePeerReflexive,
			Transport:   TransportUDP,
			Addr:        Addr(from),
			Base:        Addr(from),
			StreamID:    st.id,
			ComponentID: comp.id,
			Priority:    prio,
			Foundation:  a.foundationFor(CandidatePeerReflexive, Addr(from), "", TransportUDP),
			ufrag:       remoteUfrag,
		}
		comp.remote = append(comp.remote, cand)
		remoteIdx = len(comp.remote) - 1
		slog.Debug("ice: new remote peer-reflexive candidate",
			"stream", st.id, "addr", from)
	}

	pair := comp.findPair(localIdx, remoteIdx)
	if pair == nil {
		local := comp.local[localIdx]
		remote := comp.remote[remoteIdx]
		pair = &CandidatePair{
			local:      localIdx,
			remote:     remoteIdx,
			foundation: local.Foundation + ":" + remote.Foundation,
			state:      PairWaiting,
		}
		pair.computePriority(local, remote, a.controlling)
		comp.checklist = append(comp.checklist, pair)
		comp.sortChecklist()
		comp.enqueueTriggered(pair)
	} else {
		switch pair.state {
		case PairFrozen, PairFailed:
			pair.state = PairWaiting
			comp.enqueueTriggered(pair)
		case PairWaiting:
			comp.enqueueTriggered(pair)
		}
	}

	if stun.IceCheckUseCandidate(msg) {
		pair.peerNominated = true
		if pair.state == PairSucceeded {
			a.nominatePair(st, comp, pair)
		}
	}

	if reply, rerr := a.checkAgent.IceCheckCreateResponse(msg, from); rerr == nil {
		a.sendOn(comp, sockIdx, from, reply)
	}
}

// handleCheckResponse consumes a validated response to one of our checks.
func (a *Agent) handleCheckResponse(st *Stream, comp *Component, msg *stun.Message) {
	pair := comp.findPairByTransaction(msg.TransactionID())
	if pair == nil {
		// The response may belong to a sibling component's check.
		for _, other := range st.components {
			if pair = other.findPairByTransaction(msg.TransactionID()); pair != nil {
				comp = other
				break
			}
		}
	}
	if pair == nil {
		return
	}

	mapped, res := a.checkAgent.IceCheckProcessResponse(msg)
	switch res {
	case stun.IceCheckRoleConflict:
		// Keep the role when our tie-breaker dominates the peer's last
		// claim; otherwise take the other role and try again.
		if !a.peerTieValid || a.tieBreaker < a.peerTieBreaker {
			a.switchRole()
		}
		pair.state = PairWaiting
		pair.recheck = true
		pair.hasTimer = false
		comp.enqueueTriggered(pair)
		return

	case stun.IceCheckError, stun.IceCheckInvalid:
		pair.state = PairFailed
		pair.hasTimer = false
		return
	}

	pair.state = PairSucceeded
	pair.hasTimer = false
	slog.Debug("ice: pair succeeded", "stream", st.id, "component", comp.id,
		"remote", pair.remoteAddr)

	// The mapped address may reveal a local peer-reflexive candidate.
	if res == stun.IceCheckSuccess && !comp.hasLocalAddr(Addr(mapped)) {
		local := comp.localCandidate(pair)
		cand := &Candidate{
			Type:        CandidatePeerReflexive,
			Transport:   TransportUDP,
			Addr:        Addr(mapped),
			Base:        local.Base,
			StreamID:    st.id,
			ComponentID: comp.id,
			sockIndex:   local.sockIndex,
		}
		cand.Foundation = a.foundationFor(CandidatePeerReflexive, Addr(mapped), "", TransportUDP)
		cand.computePriority(local.Priority >> 8 & 0xFFFF)
		a.addLocalCandidate(st, comp, cand)
	}

	// A success thaws every frozen pair of the same foundation, on all of
	// the stream's components.
	for _, other := range st.components {
		other.unfreezeFoundation(pair.foundation)
	}

	if pair.useCandidate || pair.peerNominated {
		a.nominatePair(st, comp, pair)
	} else {
		a.setComponentState(st, comp, StateConnected)
	}
}

// nominatePair marks a pair nominated and selects it for data when it beats
// the current selection.
func (a *Agent) nominatePair(st *Stream, comp *Component, pair *CandidatePair) {
	pair.nominated = true
	if comp.selected != nil && comp.selected.priority >= pair.priority {
		return
	}
	comp.selected = pair
	comp.nextKeepalive = time.Now().Add(a.jitteredKeepalive())
	comp.missedWindows = 0
	metrics.NominatedPairs.Inc()
	slog.Info("ice: new selected pair", "stream", st.id, "component", comp.id,
		"local", comp.localCandidate(pair).Addr,
		"remote", comp.remoteCandidate(pair).Addr)
	if cb := a.OnNewSelectedPair; cb != nil {
		sid, cid := st.id, comp.id
		lf := comp.localCandidate(pair).Foundation
		rf := comp.remoteCandidate(pair).Foundation
		a.queueSignal(func() { cb(sid, cid, lf, rf) })
	}
	a.setComponentState(st, comp, StateReady)
}

// switchRole flips the agent's role after a conflict and reorders every
// check list to the new pair priorities.
func (a *Agent) switchRole() {
	a.controlling = !a.controlling
	slog.Info("ice: switching role", "controlling", a.controlling)
	for _, st := range a.streams {
		for _, comp := range st.components {
			comp.recomputePriorities(a.controlling)
		}
	}
}

// jitteredKeepalive spreads keepalives +/- 20% around the nominal interval.
func (a *Agent) jitteredKeepalive() time.Duration {
	f := 0.8 + 0.4*a.rng.Float64()
	return time.Duration(float64(keepaliveInterval) * f)
}

// driveKeepalives sends periodic indications on the selected pair and
// demotes the component when the peer goes quiet.
func (a *Agent) driveKeepalives(st *Stream, comp *Component, now time.Time) {
	if comp.selected == nil || comp.state < StateConnected || comp.state == StateFailed {
		return
	}
	if now.Before(comp.nextKeepalive) {
		return
	}
	comp.nextKeepalive = now.Add(a.jitteredKeepalive())

	if wire, err := a.checkAgent.BindingKeepalive(); err == nil {
		local := comp.localCandidate(comp.selected)
		remote := comp.remoteCandidate(comp.selected)
		a.sendOn(comp, local.sockIndex, remote.Addr.AddrPort, wire)
		metrics.Keepalives.Inc()
	}

	silent := now.Sub(comp.lastInbound)
	switch {
	case silent > keepaliveMissesFail*keepaliveInterval:
		a.setComponentState(st, comp, StateFailed)
	case silent > keepaliveMissesDegrade*keepaliveInterval && comp.state == StateReady:
		slog.Warn("ice: selected pair went quiet",
			"stream", st.id, "component", comp.id, "silent", silent)
		a.setComponentState(st, comp, StateConnected)
	}
}

// checkFailure declares a component failed once nothing can make progress
// anymore.
func (a *Agent) checkFailure(st *Stream, comp *Component) {
	if comp.state == StateFailed || comp.state == StateReady {
		return
	}
	if !st.gatherDone || len(comp.remote) == 0 {
		return
	}
	if !comp.checklistExhausted() {
		return
	}
	if comp.anySucceededNominated() {
		return
	}
	// With succeeded-but-unnominated pairs, a controlling agent still owes
	// a nomination round; only give up when nothing succeeded at all.
	if best := comp.bestSucceeded(); best != nil {
		return
	}
	a.setComponentState(st, comp, StateFailed)
}
