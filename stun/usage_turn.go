package stun

import (
	"encoding/binary"
	"net/netip"
)

// TurnCompatibility selects the relay dialect. The wire differences are
// attribute codepoints, the magic-cookie attribute, and channel framing.
type TurnCompatibility int

const (
	// TurnDraft9 is the pre-RFC draft most relays of that era spoke.
	TurnDraft9 TurnCompatibility = iota

	// TurnRFC5766 is the standardized relay protocol.
	TurnRFC5766

	// TurnGoogle is the libjingle relay dialect.
	TurnGoogle

	// TurnMSN covers the MSN/OC2007 relay family.
	TurnMSN

	// TurnOC2007 is TurnMSN with the long-term credential framing of the
	// matching STUN dialect.
	TurnOC2007
)

// TurnRequestPorts expresses the REQUESTED-PORT-PROPS wish.
type TurnRequestPorts int

const (
	// TurnPortNormal asks for any relay port.
	TurnPortNormal TurnRequestPorts = iota

	// TurnPortEven asks for an even relay port.
	TurnPortEven

	// TurnPortEvenAndReserve asks for an even port and reserves the
	// adjacent odd one.
	TurnPortEvenAndReserve
)

const (
	turnRequestedTransportUDP uint32 = 0x11000000
	turnPropsEven             uint32 = 0x80000000
	turnPropsReserve          uint32 = 0x40000000

	// turnGoogleCookie is the libjingle relay magic cookie attribute value.
	turnGoogleCookie uint32 = 0x72C64BC6
)

// TurnResult classifies a processed relay response.
type TurnResult int

const (
	// TurnRelaySuccess: a relayed address was obtained.
	TurnRelaySuccess TurnResult = iota

	// TurnMappedSuccess: a relayed address plus a free server-reflexive
	// mapped address.
	TurnMappedSuccess

	// TurnAlternate: the relay redirected us via ALTERNATE-SERVER.
	TurnAlternate

	// TurnError: a fatal relay error.
	TurnError

	// TurnInvalid: not a usable relay response.
	TurnInvalid
)

// TurnRequest carries the common fields of relay requests. Realm and nonce
// are echoed from the previous 401/438 response when present.
type TurnRequest struct {
	Username string
	Password []byte

	// PreviousResponse, when set, supplies REALM and NONCE for the
	// long-term credential round trip.
	PreviousResponse *Message

	Compat TurnCompatibility
}

func (a *Agent) turnCommon(msg *Message, req TurnRequest) error {
	if req.PreviousResponse != nil {
		if realm, ok := req.PreviousResponse.Find(a.realmAttr()); ok {
			if err := msg.AppendBytes(a.realmAttr(), realm); err != nil {
				return err
			}
		}
		if nonce, ok := req.PreviousResponse.Find(a.nonceAttr()); ok {
			if err := msg.AppendBytes(a.nonceAttr(), nonce); err != nil {
				return err
			}
		}
	}
	if req.Username != "" {
		if err := msg.AppendString(AttrUsername, req.Username); err != nil {
			return err
		}
	}
	return nil
}

// TurnCreateAllocate builds and seals an Allocate request. lifetime and
// bandwidth of zero are omitted.
func (a *Agent) TurnCreateAllocate(req TurnRequest, ports TurnRequestPorts,
	reservation uint64, lifetime, bandwidth uint32) (*Message, []byte, error) {

	msg := a.InitRequest(MethodAllocate)

	switch req.Compat {
	case TurnDraft9, TurnRFC5766:
		if err := msg.AppendUint32(AttrRequestedTransport, turnRequestedTransportUDP); err != nil {
			return nil, nil, err
		}
		if reservation != 0 {
			if err := msg.AppendUint64(AttrReservationToken, reservation); err != nil {
				return nil, nil, err
			}
		} else if ports != TurnPortNormal {
			props := turnPropsEven
			if ports == TurnPortEvenAndReserve {
				props |= turnPropsReserve
			}
			if err := msg.AppendUint32(AttrRequestedPortProps, props); err != nil {
				return nil, nil, err
			}
		}
	case TurnGoogle:
		if err := msg.AppendUint32(AttrOldMagicCookie, turnGoogleCookie); err != nil {
			return nil, nil, err
		}
	}

	if bandwidth > 0 {
		if err := msg.AppendUint32(AttrBandwidth, bandwidth); err != nil {
			return nil, nil, err
		}
	}
	if lifetime > 0 {
		if err := msg.AppendUint32(AttrLifetime, lifetime); err != nil {
			return nil, nil, err
		}
	}
	if err := a.turnCommon(msg, req); err != nil {
		return nil, nil, err
	}
	wire, err := a.FinishMessage(msg, req.Password)
	if err != nil {
		return nil, nil, err
	}
	return msg, wire, nil
}

// TurnCreateRefresh builds and seals a Refresh request; a lifetime of zero
// deallocates.
func (a *Agent) TurnCreateRefresh(req TurnRequest, lifetime uint32) (*Message, []byte, error) {
	msg := a.InitRequest(MethodRefresh)
	if err := msg.AppendUint32(AttrLifetime, lifetime); err != nil {
		return nil, nil, err
	}
	if err := a.turnCommon(msg, req); err != nil {
		return nil, nil, err
	}
	wire, err := a.FinishMessage(msg, req.Password)
	if err != nil {
		return nil, nil, err
	}
	return msg, wire, nil
}

// TurnCreatePermission builds and seals a CreatePermission request opening
// the relay toward peer.
func (a *Agent) TurnCreatePermission(req TurnRequest, peer netip.AddrPort) (*Message, []byte, error) {
	msg := a.InitRequest(MethodCreatePermission)
	if err := msg.AppendXorAddress(AttrXorPeerAddress, peer); err != nil {
		return nil, nil, err
	}
	if err := a.turnCommon(msg, req); err != nil {
		return nil, nil, err
	}
	wire, err := a.FinishMessage(msg, req.Password)
	if err != nil {
		return nil, nil, err
	}
	return msg, wire, nil
}

// TurnCreateChannelBind builds and seals a ChannelBind request associating
// channel with peer. Valid channels are 0x4000-0x7FFE.
func (a *Agent) TurnCreateChannelBind(req TurnRequest, channel uint16, peer netip.AddrPort) (*Message, []byte, error) {
	msg := a.InitRequest(MethodChannelBind)
	if err := msg.AppendUint32(AttrChannelNumber, uint32(channel)<<16); err != nil {
		return nil, nil, err
	}
	if err := msg.AppendXorAddress(AttrXorPeerAddress, peer); err != nil {
		return nil, nil, err
	}
	if err := a.turnCommon(msg, req); err != nil {
		return nil, nil, err
	}
	wire, err := a.FinishMessage(msg, req.Password)
	if err != nil {
		return nil, nil, err
	}
	return msg, wire, nil
}

// TurnAllocation is what a successful Allocate response yields.
type TurnAllocation struct {
	// Relayed is the transport address the relay listens on for us; it is
	// advertised as a relayed candidate.
	Relayed netip.AddrPort

	// Mapped is our server-reflexive address as seen by the relay; a free
	// extra candidate.
	Mapped netip.AddrPort

	// Alternate is set when the result is TurnAlternate.
	Alternate netip.AddrPort

	// Lifetime is the allocation lifetime in seconds.
	Lifetime uint32

	// Bandwidth is the relay's advertised cap, zero when absent.
	Bandwidth uint32
}

// TurnProcessAllocateResponse interprets a validated Allocate response.
func (a *Agent) TurnProcessAllocateResponse(msg *Message, compat TurnCompatibility) (TurnAllocation, TurnResult) {
	var alloc TurnAllocation
	if msg.Method() != MethodAllocate {
		return alloc, TurnInvalid
	}
	switch msg.Class() {
	case ClassError:
		code, err := msg.FindErrorCode()
		if err != nil {
			return alloc, TurnInvalid
		}
		if code/100 == 3 {
			if alt, err := msg.FindAddress(AttrAlternateServer); err == nil {
				alloc.Alternate = alt
				return alloc, TurnAlternate
			}
		}
		return alloc, TurnError
	case ClassSuccess:
	default:
		return alloc, TurnInvalid
	}

	res := TurnRelaySuccess
	switch compat {
	case TurnDraft9, TurnRFC5766:
		relayed, err := msg.FindXorAddress(AttrXorRelayedAddress)
		if err != nil {
			return alloc, TurnError
		}
		alloc.Relayed = relayed
		if mapped, err := msg.FindXorAddress(AttrXorMappedAddress); err == nil {
			alloc.Mapped = mapped
			res = TurnMappedSuccess
		}
		if lt, err := msg.FindUint32(AttrLifetime); err == nil {
			alloc.Lifetime = lt
		}
	default:
		// Legacy dialects put the relay address in the non-XOR codepoint
		// and the mapped address in MAPPED-ADDRESS.
		relayed, err := msg.FindAddress(AttrXorRelayedAddress)
		if err != nil {
			return alloc, TurnError
		}
		alloc.Relayed = relayed
		if mapped, err := msg.FindAddress(AttrMappedAddress); err == nil {
			alloc.Mapped = mapped
			res = TurnMappedSuccess
		}
	}
	if bw, err := msg.FindUint32(AttrBandwidth); err == nil {
		alloc.Bandwidth = bw
	}
	return alloc, res
}

// ChannelData frames application bytes for a bound TURN channel. streamPad
// pads the frame to a 32-bit boundary as TCP-carried relays require.
func ChannelData(channel uint16, data []byte, streamPad bool) []byte {
	n := 4 + len(data)
	total := n
	if streamPad {
		total = align(n)
	}
	out := make([]byte, total)
	binary.BigEndian.PutUint16(out[0:2], channel)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(data)))
	copy(out[4:], data)
	return out
}

// ParseChannelData splits a channel-data frame into channel number and
// payload. ok is false when the frame is short or not channel data.
func ParseChannelData(buf []byte) (channel uint16, data []byte, ok bool) {
	if len(buf) < 4 {
		return 0, nil, false
	}
	channel = binary.BigEndian.Uint16(buf[0:2])
	// Channel numbers occupy 0x4000-0x7FFE; anything else is STUN or raw.
	if channel < 0x4000 || channel > 0x7FFE {
		return 0, nil, false
	}
	n := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < 4+n {
		return 0, nil, false
	}
	return channel, buf[4 : 4+n], true
}
