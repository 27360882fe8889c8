package ice

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/meshstream/icelink/metrics"
	"github.com/meshstream/icelink/sockets"
	"github.com/meshstream/icelink/stun"
)

const (
	// Ta is the pacing interval between outbound connectivity checks.
	Ta = 20 * time.Millisecond

	// keepaliveInterval is the nominal gap between keepalive indications
	// on the selected pair; each send is jittered +/- 20%.
	keepaliveInterval = 15 * time.Second

	// keepaliveMissesDegrade and keepaliveMissesFail are how many silent
	// keepalive windows demote a ready component, then kill it.
	keepaliveMissesDegrade = 3
	keepaliveMissesFail    = 6
)

// Agent errors.
var (
	ErrClosed          = errors.New("ice: agent closed")
	ErrUnknownStream   = errors.New("ice: unknown stream")
	ErrUnknownComponent = errors.New("ice: unknown component")
	ErrNotReady        = errors.New("ice: no usable candidate pair")
)

// Agent owns streams, runs gathering and connectivity checking, and moves
// application data over nominated pairs. One mutex guards all state; socket
// readers and the pacing loop take it before touching anything.
type Agent struct {
	mu sync.Mutex

	compat      stun.Compatibility
	controlling bool
	aggressive  bool
	tieBreaker  uint64

	// peerTieBreaker remembers the last role claim seen from the peer, for
	// resolving 487 responses.
	peerTieBreaker uint64
	peerTieValid   bool

	streams      map[uint]*Stream
	nextStreamID uint

	localAddrs []netip.Addr

	stunServer   netip.AddrPort
	hasStun      bool
	turnServer   *TurnServer
	turnCompat   stun.TurnCompatibility

	checkAgent  *stun.Agent
	gatherAgent *stun.Agent
	turnAgent   *stun.Agent

	discoveries []*discovery

	foundations   map[string]string
	foundationSeq int

	rng *mrand.Rand

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Signals. Set before gathering; invoked without the agent lock held.
	OnCandidateGatheringDone        func(streamID uint)
	OnComponentStateChanged         func(streamID, componentID uint, state ComponentState)
	OnNewCandidate                  func(c *Candidate)
	OnNewSelectedPair               func(streamID, componentID uint, localFoundation, remoteFoundation string)
	OnInitialBindingRequestReceived func(streamID uint)

	// deferred signal dispatch queue; drained outside the lock.
	signalQueue []func()
}

// Option configures an Agent at construction.
type Option func(*Agent)

// WithControlling sets the initial role; default is controlled.
func WithControlling() Option {
	return func(a *Agent) { a.controlling = true }
}

// WithAggressiveNomination puts USE-CANDIDATE on every check instead of
// running a separate nomination round.
func WithAggressiveNomination() Option {
	return func(a *Agent) { a.aggressive = true }
}

// NewAgent creates an agent speaking the given STUN dialect.
func NewAgent(compat stun.Compatibility, opts ...Option) *Agent {
	var tb [8]byte
	if _, err := rand.Read(tb[:]); err != nil {
		panic("ice: rng unavailable: " + err.Error())
	}
	a := &Agent{
		compat:       compat,
		tieBreaker:   binary.BigEndian.Uint64(tb[:]),
		streams:      make(map[uint]*Stream),
		nextStreamID: 1,
		foundations:  make(map[string]string),
		rng:          mrand.New(mrand.NewSource(int64(binary.BigEndian.Uint64(tb[:])))),
		stopCh:       make(chan struct{}),
		turnCompat:   stun.TurnRFC5766,
	}
	for _, o := range opts {
		o(a)
	}

	checkFlags := stun.UsageShortTermCredentials | stun.UsageNoIndicationAuth
	if compat == stun.RFC5389 || compat == stun.WLM2009 {
		checkFlags |= stun.UsageUseFingerprint
	}
	a.checkAgent = stun.NewAgent(compat, checkFlags, nil)
	a.gatherAgent = stun.NewAgent(compat, stun.UsageIgnoreCredentials, nil)
	a.turnAgent = stun.NewAgent(compat, stun.UsageLongTermCredentials, nil)

	a.wg.Add(1)
	go a.pacingLoop()
	return a
}

// Close tears the agent down: all sockets close, all pending transactions
// and timers are cancelled.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.stopCh)
	for _, st := range a.streams {
		for _, comp := range st.components {
			for _, sock := range comp.socks {
				sock.Close()
			}
		}
	}
	a.discoveries = nil
	a.mu.Unlock()
	a.wg.Wait()
}

// Controlling reports the agent's current role.
func (a *Agent) Controlling() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controlling
}

// AddLocalAddress constrains gathering to explicitly added addresses
// instead of enumerating interfaces.
func (a *Agent) AddLocalAddress(addr netip.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.localAddrs = append(a.localAddrs, addr)
}

// SetStunServer configures the server used for server-reflexive discovery.
func (a *Agent) SetStunServer(server netip.AddrPort) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stunServer = server
	a.hasStun = true
}

// SetTurnServer configures the relay used for relayed candidates.
func (a *Agent) SetTurnServer(ts TurnServer, compat stun.TurnCompatibility) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turnServer = &ts
	a.turnCompat = compat
}

// AddStream creates a stream with the given component count and returns
// its id.
func (a *Agent) AddStream(nComponents uint) uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextStreamID
	a.nextStreamID++
	a.streams[id] = newStream(id, nComponents)
	return id
}

// SetPortRange constrains the local ports a component's candidates bind.
func (a *Agent) SetPortRange(streamID, componentID uint, lo, hi uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.streams[streamID]
	if !ok {
		return ErrUnknownStream
	}
	st.portLo[componentID] = [2]uint16{lo, hi}
	return nil
}

// GetLocalCredentials returns the stream's user fragment and password.
func (a *Agent) GetLocalCredentials(streamID uint) (ufrag, password string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.streams[streamID]
	if !ok {
		return "", "", ErrUnknownStream
	}
	u, p := st.LocalCredentials()
	return u, p, nil
}

// SetRemoteCredentials installs the peer's stream credentials learned from
// signaling.
func (a *Agent) SetRemoteCredentials(streamID uint, ufrag, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.streams[streamID]
	if !ok {
		return ErrUnknownStream
	}
	st.remoteUfrag = ufrag
	st.remotePassword = password
	return nil
}

// GetLocalCandidates returns a snapshot of a component's local candidates.
func (a *Agent) GetLocalCandidates(streamID, componentID uint) ([]*Candidate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	comp, err := a.component(streamID, componentID)
	if err != nil {
		return nil, err
	}
	out := make([]*Candidate, len(comp.local))
	copy(out, comp.local)
	return out, nil
}

// RemoteCandidate describes a peer candidate learned from signaling.
type RemoteCandidate struct {
	Type       CandidateType
	Transport  CandidateTransport
	Addr       TransportAddress
	Priority   uint32
	Foundation string

	// Ufrag/Password override the stream credentials for this candidate
	// when the peer trickles per-candidate credentials.
	Ufrag    string
	Password string
}

// SetRemoteCandidates installs peer candidates for a component and
// (re)builds its check list. It returns how many candidates were accepted.
func (a *Agent) SetRemoteCandidates(streamID, componentID uint, cands []RemoteCandidate) (int, error) {
	a.mu.Lock()
	st, ok := a.streams[streamID]
	if !ok {
		a.mu.Unlock()
		return 0, ErrUnknownStream
	}
	comp := st.Component(componentID)
	if comp == nil {
		a.mu.Unlock()
		return 0, ErrUnknownComponent
	}

	added := 0
	for _, rc := range cands {
		if !rc.Addr.IsValid() {
			continue
		}
		if comp.findRemote(rc.Addr) != nil {
			continue
		}
		comp.remote = append(comp.remote, &Candidate{
			Type:        rc.Type,
			Transport:   rc.Transport,
			Addr:        rc.Addr,
			Base:        rc.Addr,
			StreamID:    streamID,
			ComponentID: componentID,
			Foundation:  rc.Foundation,
			Priority:    rc.Priority,
			ufrag:       rc.Ufrag,
			pwd:         rc.Password,
		})
		added++
	}
	if added > 0 {
		comp.buildChecklist(a.controlling)
		a.setComponentState(st, comp, StateConnecting)
		metrics.RemoteCandidates.Add(float64(added))
	}
	a.mu.Unlock()
	a.drainSignals()
	return added, nil
}

// Send transmits application bytes over the component's selected pair, or
// the best succeeded pair while nomination is still settling.
func (a *Agent) Send(streamID, componentID uint, data []byte) (int, error) {
	a.mu.Lock()
	comp, err := a.component(streamID, componentID)
	if err != nil {
		a.mu.Unlock()
		return 0, err
	}
	pair := comp.selected
	if pair == nil {
		pair = comp.bestSucceeded()
	}
	if pair == nil {
		a.mu.Unlock()
		return 0, ErrNotReady
	}
	local := comp.localCandidate(pair)
	remote := comp.remoteCandidate(pair)
	sock := comp.socks[local.sockIndex]
	a.mu.Unlock()

	msgs := []sockets.OutputMessage{{Buffers: [][]byte{data}}}
	n, err := sock.SendMessages(remote.Addr.AddrPort, msgs)
	if err != nil {
		return -1, fmt.Errorf("sending on pair %s->%s: %w", local.Addr, remote.Addr, err)
	}
	if n == 0 {
		return 0, nil
	}
	metrics.DataBytesSent.Add(float64(len(data)))
	return len(data), nil
}

// AttachRecv registers the receive callback for a component and flushes any
// data queued before attachment.
func (a *Agent) AttachRecv(streamID, componentID uint, cb RecvFunc) error {
	a.mu.Lock()
	comp, err := a.component(streamID, componentID)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	comp.recv = cb
	pending := comp.pending
	comp.pending = nil
	sid, cid := comp.streamID, comp.id
	a.mu.Unlock()

	if cb != nil {
		for _, buf := range pending {
			cb(sid, cid, buf)
		}
	}
	return nil
}

// GetSelectedPair returns the foundations of the nominated pair.
func (a *Agent) GetSelectedPair(streamID, componentID uint) (localFoundation, remoteFoundation string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	comp, cerr := a.component(streamID, componentID)
	if cerr != nil {
		return "", "", cerr
	}
	if comp.selected == nil {
		return "", "", ErrNotReady
	}
	return comp.localCandidate(comp.selected).Foundation,
		comp.remoteCandidate(comp.selected).Foundation, nil
}

func (a *Agent) component(streamID, componentID uint) (*Component, error) {
	st, ok := a.streams[streamID]
	if !ok {
		return nil, ErrUnknownStream
	}
	comp := st.Component(componentID)
	if comp == nil {
		return nil, ErrUnknownComponent
	}
	return comp, nil
}

// foundationFor assigns the shared foundation tag for a candidate tuple.
func (a *Agent) foundationFor(kind CandidateType, base TransportAddress, server string, transport CandidateTransport) string {
	key := fmt.Sprintf("%d|%s|%s|%d", kind, base, server, transport)
	if f, ok := a.foundations[key]; ok {
		return f
	}
	a.foundationSeq++
	f := fmt.Sprintf("%d", a.foundationSeq)
	a.foundations[key] = f
	return f
}

// setComponentState advances the component state machine; failed is
// absorbing and downgrades below connected only happen via keepalive loss.
func (a *Agent) setComponentState(st *Stream, comp *Component, state ComponentState) {
	if comp.state == state || comp.state == StateFailed {
		return
	}
	comp.state = state
	slog.Info("ice: component state",
		"stream", st.id, "component", comp.id, "state", state)
	metrics.ComponentStateChanges.Inc()
	if cb := a.OnComponentStateChanged; cb != nil {
		sid, cid := st.id, comp.id
		a.queueSignal(func() { cb(sid, cid, state) })
	}
}

// queueSignal defers a callback until the agent lock is released.
func (a *Agent) queueSignal(f func()) {
	a.signalQueue = append(a.signalQueue, f)
}

// drainSignals runs deferred callbacks; never call with the lock held.
func (a *Agent) drainSignals() {
	for {
		a.mu.Lock()
		if len(a.signalQueue) == 0 {
			a.mu.Unlock()
			return
		}
		q := a.signalQueue
		a.signalQueue = nil
		a.mu.Unlock()
		for _, f := range q {
			f()
		}
	}
}

// pacingLoop is the agent's single timer: every Ta it paces one check per
// component, drives transaction timers, keepalives and failure detection.
func (a *Agent) pacingLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(Ta)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case now := <-ticker.C:
			a.mu.Lock()
			if a.closed {
				a.mu.Unlock()
				return
			}
			for _, st := range a.streams {
				for _, comp := range st.components {
					a.paceComponent(st, comp, now)
					a.driveTimers(st, comp, now)
					a.driveKeepalives(st, comp, now)
					a.checkFailure(st, comp)
				}
			}
			a.driveDiscoveries(now)
			a.mu.Unlock()
			a.drainSignals()
		}
	}
}

// localPreferenceFor orders candidates on the same level: earlier
// interfaces win.
func localPreferenceFor(index int) uint32 {
	if index >= 65535 {
		return 0
	}
	return uint32(65535 - index)
}

// enumerateLocalAddresses lists usable unicast addresses, preferring the
// caller-supplied set.
func (a *Agent) enumerateLocalAddresses() []netip.Addr {
	if len(a.localAddrs) > 0 {
		return a.localAddrs
	}
	var out []netip.Addr
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("ice: interface enumeration failed", "error", err)
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			if ip.IsLinkLocalUnicast() || ip.IsLoopback() {
				continue
			}
			out = append(out, ip)
		}
	}
	return out
}
