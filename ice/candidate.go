package ice

import (
	"fmt"
)

// CandidateType classifies how a candidate was obtained.
type CandidateType int

const (
	// CandidateHost is a local interface address.
	CandidateHost CandidateType = iota

	// CandidateServerReflexive is the NAT mapping a STUN server observed.
	CandidateServerReflexive

	// CandidatePeerReflexive is a mapping learned from connectivity checks.
	CandidatePeerReflexive

	// CandidateRelayed is an address allocated on a TURN relay.
	CandidateRelayed
)

func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateRelayed:
		return "relay"
	}
	return "invalid"
}

// Type preferences for the candidate priority formula.
const (
	typePrefHost           = 120
	typePrefPeerReflexive  = 110
	typePrefServerReflexive = 100
	typePrefRelayedUDP     = 30
	typePrefRelayedOther   = 20
)

// CandidateTransport is the transport a candidate speaks.
type CandidateTransport int

const (
	// TransportUDP is plain datagram transport.
	TransportUDP CandidateTransport = iota

	// TransportTCPActive connects out.
	TransportTCPActive

	// TransportTCPPassive accepts in.
	TransportTCPPassive

	// TransportTCPSimultaneousOpen attempts both at once.
	TransportTCPSimultaneousOpen
)

func (t CandidateTransport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCPActive:
		return "tcp-act"
	case TransportTCPPassive:
		return "tcp-pass"
	case TransportTCPSimultaneousOpen:
		return "tcp-so"
	}
	return "invalid"
}

// RelayType is how a relayed candidate reaches its TURN server.
type RelayType int

const (
	RelayUDP RelayType = iota
	RelayTCP
	RelayTLS
)

// TurnServer describes one configured relay.
type TurnServer struct {
	Server   TransportAddress
	Username string
	Password string

	// DecodedPassword carries the base64-decoded form some deployments
	// hand out; empty when Password is used as-is.
	DecodedPassword []byte

	// PreferenceTag orders relays of the same type in priority space.
	PreferenceTag uint8

	Type RelayType
}

// Candidate is one possible transport endpoint of a component.
type Candidate struct {
	Type      CandidateType
	Transport CandidateTransport

	// Addr is the advertised (mapped or external) address.
	Addr TransportAddress

	// Base is the local address checks are emitted from. Equal to Addr for
	// host candidates.
	Base TransportAddress

	StreamID    uint
	ComponentID uint

	// Foundation groups candidates whose substitution cannot change
	// connectivity outcomes.
	Foundation string

	Priority uint32

	// Turn points back to the relay that produced a relayed candidate.
	Turn *TurnServer

	// sockIndex is the owning component's socket the candidate sends
	// through; relayed candidates share the socket TURN was allocated
	// from.
	sockIndex int

	// ufrag/pwd are only set on remote candidates learned with their own
	// credentials.
	ufrag string
	pwd   string
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s/%s %s (base %s) prio %d fnd %s",
		c.Type, c.Transport, c.Addr, c.Base, c.Priority, c.Foundation)
}

// typePreference maps a candidate to its priority type preference. Relayed
// candidates over anything but UDP rate lower.
func (c *Candidate) typePreference() uint32 {
	switch c.Type {
	case CandidateHost:
		return typePrefHost
	case CandidatePeerReflexive:
		return typePrefPeerReflexive
	case CandidateServerReflexive:
		return typePrefServerReflexive
	default:
		if c.Turn != nil && c.Turn.Type != RelayUDP {
			return typePrefRelayedOther
		}
		return typePrefRelayedUDP
	}
}

// Priority computes the 32-bit candidate priority from the type preference,
// a local preference and the component id.
func CandidatePriority(typePref, localPref uint32, componentID uint) uint32 {
	return typePref<<24 | (localPref&0xFFFF)<<8 | uint32(256-componentID)&0xFF
}

// computePriority fills in the candidate's priority with the given local
// preference.
func (c *Candidate) computePriority(localPref uint32) {
	c.Priority = CandidatePriority(c.typePreference(), localPref, c.ComponentID)
}

// redundantWith reports whether two local candidates are duplicates: same
// advertised address and same base means the same path.
func (c *Candidate) redundantWith(o *Candidate) bool {
	return c.Addr.Equal(o.Addr) && c.Base.Equal(o.Base) &&
		c.Transport == o.Transport && c.ComponentID == o.ComponentID
}
