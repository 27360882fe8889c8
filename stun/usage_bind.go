package stun

import (
	"net/netip"
)

// BindResult classifies the outcome of processing a Binding response or
// serving a Binding request.
type BindResult int

const (
	// BindSuccess: a usable mapped address was extracted.
	BindSuccess BindResult = iota

	// BindInvalid: the message is not a usable Binding message.
	BindInvalid

	// BindError: the peer answered with a fatal error.
	BindError

	// BindAlternate: the peer redirected us to another server.
	BindAlternate
)

// BindingCreate builds and seals a Binding request. The returned bytes are
// ready to send; the transaction is tracked by the agent.
func (a *Agent) BindingCreate() (*Message, []byte, error) {
	msg := a.InitRequest(MethodBinding)
	wire, err := a.FinishMessage(msg, nil)
	if err != nil {
		return nil, nil, err
	}
	return msg, wire, nil
}

// BindingKeepalive builds a Binding indication: fire-and-forget traffic to
// hold a NAT mapping open.
func (a *Agent) BindingKeepalive() ([]byte, error) {
	msg := a.InitIndication(MethodBinding)
	return a.FinishMessage(msg, nil)
}

// BindingProcessResponse extracts the reflexive transport address from a
// validated Binding response. alternate is set when the result is
// BindAlternate.
func (a *Agent) BindingProcessResponse(msg *Message) (mapped, alternate netip.AddrPort, res BindResult) {
	if msg.Method() != MethodBinding {
		return netip.AddrPort{}, netip.AddrPort{}, BindInvalid
	}
	if msg.Class() == ClassError {
		code, err := msg.FindErrorCode()
		if err != nil {
			return netip.AddrPort{}, netip.AddrPort{}, BindInvalid
		}
		if code/100 == 3 {
			if alt, err := msg.FindAddress(AttrAlternateServer); err == nil {
				return netip.AddrPort{}, alt, BindAlternate
			}
		}
		return netip.AddrPort{}, netip.AddrPort{}, BindError
	}
	if msg.Class() != ClassSuccess {
		return netip.AddrPort{}, netip.AddrPort{}, BindInvalid
	}

	if a.compat.hasCookie() {
		if ap, err := msg.FindXorAddress(AttrXorMappedAddress); err == nil {
			return ap, netip.AddrPort{}, BindSuccess
		}
		// Pre-standard servers used a different codepoint for the XOR
		// mapped address.
		if ap, err := msg.FindXorAddress(AttrOldXorMappedAddress); err == nil {
			return ap, netip.AddrPort{}, BindSuccess
		}
	}
	if ap, err := msg.FindAddress(AttrMappedAddress); err == nil {
		return ap, netip.AddrPort{}, BindSuccess
	}
	return netip.AddrPort{}, netip.AddrPort{}, BindInvalid
}

// BindingServe answers a validated Binding request from src, mirroring the
// source address back as the mapped address. Used by the bundled STUN
// server.
func (a *Agent) BindingServe(req *Message, src netip.AddrPort) ([]byte, error) {
	resp := a.InitResponse(req)
	if a.compat.hasCookie() {
		if err := resp.AppendXorAddress(AttrXorMappedAddress, src); err != nil {
			return nil, err
		}
	}
	if err := resp.AppendAddress(AttrMappedAddress, src); err != nil {
		return nil, err
	}
	return a.FinishMessage(resp, req.key)
}
