package ice

import (
	"time"

	"github.com/meshstream/icelink/sockets"
)

// ComponentState is the reachability of one component. It moves forward
// through gathering, connecting, connected and ready; failed is absorbing.
type ComponentState int

const (
	// StateDisconnected: no gathering has happened yet.
	StateDisconnected ComponentState = iota

	// StateGathering: local candidates are being collected.
	StateGathering

	// StateConnecting: checks are running, nothing has succeeded yet.
	StateConnecting

	// StateConnected: at least one pair succeeded but none is nominated.
	StateConnected

	// StateReady: a nominated pair carries application data.
	StateReady

	// StateFailed: every pair failed; terminal.
	StateFailed
)

func (s ComponentState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateGathering:
		return "gathering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

// RecvFunc delivers application bytes received on a component.
type RecvFunc func(streamID, componentID uint, data []byte)

// Component is one flow of a stream (data, or RTP and RTCP separately).
type Component struct {
	id       uint
	streamID uint
	state    ComponentState

	local  []*Candidate
	remote []*Candidate

	// socks are the sockets gathering opened; candidates reference them by
	// index and share them (a relayed candidate reuses the socket its
	// allocation was made from).
	socks []sockets.Socket

	checklist []*CandidatePair
	triggered []*CandidatePair

	selected *CandidatePair

	recv RecvFunc

	// pending buffers inbound data that arrived before a receive callback
	// was attached.
	pending [][]byte

	// Keepalive bookkeeping for the selected pair.
	nextKeepalive time.Time
	lastInbound   time.Time
	missedWindows int
}

// ID returns the component id (1-based).
func (c *Component) ID() uint { return c.id }

// State returns the component's connection state.
func (c *Component) State() ComponentState { return c.state }

// localCandidate and remoteCandidate resolve pair indices.
func (c *Component) localCandidate(p *CandidatePair) *Candidate  { return c.local[p.local] }
func (c *Component) remoteCandidate(p *CandidatePair) *Candidate { return c.remote[p.remote] }

// findLocalByBase locates the local candidate whose base matches, used to
// route inbound checks to the candidate they were addressed to.
func (c *Component) findLocalByBase(base TransportAddress) *Candidate {
	for _, cand := range c.local {
		if cand.Base.Equal(base) {
			return cand
		}
	}
	return nil
}

// findRemote locates a remote candidate by address.
func (c *Component) findRemote(addr TransportAddress) *Candidate {
	for _, cand := range c.remote {
		if cand.Addr.Equal(addr) {
			return cand
		}
	}
	return nil
}

// hasLocalAddr reports whether addr is a known local candidate address.
func (c *Component) hasLocalAddr(addr TransportAddress) bool {
	for _, cand := range c.local {
		if cand.Addr.Equal(addr) {
			return true
		}
	}
	return false
}

// enqueueOrDeliver hands data to the attached receive callback or buffers
// it until one is attached.
func (c *Component) enqueueOrDeliver(data []byte) {
	if c.recv != nil {
		c.recv(c.streamID, c.id, data)
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.pending = append(c.pending, buf)
}
