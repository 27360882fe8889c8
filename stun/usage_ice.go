package stun

import (
	"net/netip"
)

// IceCheckResult classifies a processed connectivity-check response.
type IceCheckResult int

const (
	// IceCheckSuccess: the check succeeded and a mapped address was
	// extracted.
	IceCheckSuccess IceCheckResult = iota

	// IceCheckSuccessNoMapped: the check succeeded but carried no usable
	// mapped address (some legacy peers omit it).
	IceCheckSuccessNoMapped

	// IceCheckRoleConflict: the peer rejected our role claim with 487.
	IceCheckRoleConflict

	// IceCheckError: any other error response.
	IceCheckError

	// IceCheckInvalid: not a usable check response.
	IceCheckInvalid
)

// IceCheckRequest describes one outgoing connectivity check.
type IceCheckRequest struct {
	// Username is the already-concatenated remote:local fragment pair.
	Username string

	// Password keys the short-term MESSAGE-INTEGRITY.
	Password []byte

	// Priority is the priority a peer-reflexive candidate discovered by
	// this check would have.
	Priority uint32

	// UseCandidate nominates the pair under aggressive or regular
	// nomination.
	UseCandidate bool

	// Controlling and TieBreaker claim our current role.
	Controlling bool
	TieBreaker  uint64
}

// IceCheckCreate builds and seals a connectivity-check Binding request.
func (a *Agent) IceCheckCreate(req IceCheckRequest) (*Message, []byte, error) {
	msg := a.InitRequest(MethodBinding)
	if err := msg.AppendString(AttrUsername, req.Username); err != nil {
		return nil, nil, err
	}
	if err := msg.AppendUint32(AttrPriority, req.Priority); err != nil {
		return nil, nil, err
	}
	if req.UseCandidate {
		if err := msg.AppendFlag(AttrUseCandidate); err != nil {
			return nil, nil, err
		}
	}
	roleAttr := AttrIceControlled
	if req.Controlling {
		roleAttr = AttrIceControlling
	}
	if err := msg.AppendUint64(roleAttr, req.TieBreaker); err != nil {
		return nil, nil, err
	}
	wire, err := a.FinishMessage(msg, req.Password)
	if err != nil {
		return nil, nil, err
	}
	return msg, wire, nil
}

// IceCheckProcessResponse classifies a validated response to one of our
// checks and extracts the mapped address the peer saw.
func (a *Agent) IceCheckProcessResponse(msg *Message) (netip.AddrPort, IceCheckResult) {
	if msg.Method() != MethodBinding {
		return netip.AddrPort{}, IceCheckInvalid
	}
	switch msg.Class() {
	case ClassError:
		code, err := msg.FindErrorCode()
		if err != nil {
			return netip.AddrPort{}, IceCheckInvalid
		}
		if code == ErrorRoleConflict {
			return netip.AddrPort{}, IceCheckRoleConflict
		}
		return netip.AddrPort{}, IceCheckError
	case ClassSuccess:
	default:
		return netip.AddrPort{}, IceCheckInvalid
	}

	if ap, err := msg.FindXorAddress(AttrXorMappedAddress); err == nil {
		return ap, IceCheckSuccess
	}
	if ap, err := msg.FindXorAddress(AttrOldXorMappedAddress); err == nil {
		return ap, IceCheckSuccess
	}
	if ap, err := msg.FindAddress(AttrMappedAddress); err == nil {
		return ap, IceCheckSuccess
	}
	return netip.AddrPort{}, IceCheckSuccessNoMapped
}

// IceCheckCreateResponse answers a validated inbound check, echoing the
// source address the request arrived from. The USERNAME attribute is echoed
// back unconditionally; some peer families require it even though the
// modern dialect does not.
func (a *Agent) IceCheckCreateResponse(req *Message, src netip.AddrPort) ([]byte, error) {
	resp := a.InitResponse(req)
	if a.compat.hasCookie() {
		if err := resp.AppendXorAddress(AttrXorMappedAddress, src); err != nil {
			return nil, err
		}
	} else {
		if err := resp.AppendAddress(AttrMappedAddress, src); err != nil {
			return nil, err
		}
	}
	if username, ok := req.Find(AttrUsername); ok {
		if err := resp.AppendBytes(AttrUsername, username); err != nil {
			return nil, err
		}
	}
	return a.FinishMessage(resp, req.key)
}

// IceCheckCreateErrorResponse answers an inbound check with an error, most
// importantly the 487 role-conflict rejection.
func (a *Agent) IceCheckCreateErrorResponse(req *Message, code int) ([]byte, error) {
	return a.FinishMessage(a.InitError(req, code), req.key)
}

// IceCheckPriority reads the PRIORITY attribute of an inbound check, used
// to give a discovered peer-reflexive candidate its priority.
func IceCheckPriority(msg *Message) uint32 {
	v, err := msg.FindUint32(AttrPriority)
	if err != nil {
		return 0
	}
	return v
}

// IceCheckUseCandidate reports whether an inbound check nominates its pair.
func IceCheckUseCandidate(msg *Message) bool {
	return msg.Has(AttrUseCandidate)
}

// IceCheckRole reads the role attribute of an inbound check. found is false
// when the peer sent neither role attribute.
func IceCheckRole(msg *Message) (controlling bool, tieBreaker uint64, found bool) {
	if tb, err := msg.FindUint64(AttrIceControlling); err == nil {
		return true, tb, true
	}
	if tb, err := msg.FindUint64(AttrIceControlled); err == nil {
		return false, tb, true
	}
	return false, 0, false
}
