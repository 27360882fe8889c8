package stun

import (
	"crypto/hmac"
	"encoding/binary"
	"log/slog"
	"unicode/utf8"
)

// ValidationStatus is the outcome of Agent.Validate on a received datagram.
type ValidationStatus int

const (
	// StatusSuccess: the message is well-formed and authenticated.
	StatusSuccess ValidationStatus = iota

	// StatusNotSTUN: the buffer is not a STUN message; hand it to the next
	// demultiplexer (pseudo-TCP, RTP, ...).
	StatusNotSTUN

	// StatusIncomplete: the buffer holds a truncated message; wait for more
	// bytes on stream transports.
	StatusIncomplete

	// StatusBadRequest: framing, cookie or fingerprint failure. Drop.
	StatusBadRequest

	// StatusUnauthorized: MESSAGE-INTEGRITY missing or wrong.
	StatusUnauthorized

	// StatusUnauthorizedBadRequest: a request lacking the credential
	// attributes its usage profile requires.
	StatusUnauthorizedBadRequest

	// StatusUnmatchedResponse: a response whose transaction id matches no
	// outstanding request. Drop.
	StatusUnmatchedResponse

	// StatusUnknownRequestAttribute: a request carried an unknown
	// comprehension-required attribute; answer with a 420 error.
	StatusUnknownRequestAttribute

	// StatusUnknownAttribute: an indication or response carried an unknown
	// comprehension-required attribute; drop it.
	StatusUnknownAttribute
)

func (s ValidationStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotSTUN:
		return "not-stun"
	case StatusIncomplete:
		return "incomplete"
	case StatusBadRequest:
		return "bad-request"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusUnauthorizedBadRequest:
		return "unauthorized-bad-request"
	case StatusUnmatchedResponse:
		return "unmatched-response"
	case StatusUnknownRequestAttribute:
		return "unknown-attribute"
	case StatusUnknownAttribute:
		return "unknown-attribute-ignored"
	}
	return "invalid"
}

// UsageFlags tune which credential and integrity rules the agent enforces.
type UsageFlags uint32

const (
	// UsageShortTermCredentials requires USERNAME + MESSAGE-INTEGRITY on
	// requests and indications.
	UsageShortTermCredentials UsageFlags = 1 << iota

	// UsageLongTermCredentials requires USERNAME, REALM, NONCE and
	// MESSAGE-INTEGRITY on requests, with the MD5-derived key.
	UsageLongTermCredentials

	// UsageUseFingerprint appends and demands FINGERPRINT.
	UsageUseFingerprint

	// UsageAddSoftware prepends a SOFTWARE attribute to outgoing messages.
	UsageAddSoftware

	// UsageIgnoreCredentials skips integrity generation and checking.
	UsageIgnoreCredentials

	// UsageNoIndicationAuth exempts indications from authentication.
	UsageNoIndicationAuth

	// UsageForceValidater always consults the credentials callback, even
	// for responses whose key is already known from the request slot.
	UsageForceValidater

	// UsageNoAlignedAttributes disables 32-bit attribute padding, for one
	// peer family that packs TLVs back to back.
	UsageNoAlignedAttributes
)

// maxTransactions is the size of the outstanding-request table.
const maxTransactions = 50

// maxUnknownAttributes bounds the UNKNOWN-ATTRIBUTES list in 420 replies.
const maxUnknownAttributes = 12

// softwareMaxCodePoints is the SOFTWARE attribute limit in UTF-8 code
// points, not bytes.
const softwareMaxCodePoints = 128

// CredentialsFunc looks up the integrity key for a message during
// validation. username is the raw USERNAME attribute value (nil when
// absent). For short-term credentials the returned key is used directly;
// for long-term credentials it is the password fed into the MD5 key
// derivation.
type CredentialsFunc func(msg *Message, username []byte) (key []byte, ok bool)

// transactionSlot remembers one in-flight request so its response can be
// matched and authenticated.
type transactionSlot struct {
	id            TransactionID
	method        Method
	key           []byte
	longTermKey   [16]byte
	longTermValid bool
	valid         bool
}

// Agent owns a compatibility profile, usage flags and the outstanding
// transaction table. It is not safe for concurrent use; the owning
// connection agent serializes access.
type Agent struct {
	compat   Compatibility
	flags    UsageFlags
	software string
	known    []AttributeType
	sent     [maxTransactions]transactionSlot
}

// DefaultKnownAttributes is the comprehension-required attribute set the
// usages in this package understand.
var DefaultKnownAttributes = []AttributeType{
	AttrMappedAddress, AttrUsername, AttrMessageIntegrity, AttrErrorCode,
	AttrUnknownAttributes, AttrChannelNumber, AttrLifetime, AttrBandwidth,
	AttrXorPeerAddress, AttrData, AttrRealm, AttrNonce, AttrXorRelayedAddress,
	AttrRequestedPortProps, AttrRequestedTransport, AttrXorMappedAddress,
	AttrTimerVal, AttrReservationToken, AttrPriority, AttrUseCandidate,
	AttrOldMagicCookie, AttrDestinationAddress,
}

// NewAgent creates an agent for the given dialect. known lists the
// comprehension-required attributes the caller's usage understands; nil
// selects DefaultKnownAttributes.
func NewAgent(compat Compatibility, flags UsageFlags, known []AttributeType) *Agent {
	if known == nil {
		known = DefaultKnownAttributes
	}
	return &Agent{compat: compat, flags: flags, known: known}
}

// Compatibility returns the agent's dialect.
func (a *Agent) Compatibility() Compatibility { return a.compat }

// SetSoftware overrides the SOFTWARE attribute value. Implies nothing about
// UsageAddSoftware: an explicit value is sent even without the flag.
func (a *Agent) SetSoftware(s string) { a.software = s }

// realmAttr and nonceAttr resolve the REALM/NONCE codepoint swap of the
// OC2007 dialect.
func (a *Agent) realmAttr() AttributeType {
	if a.compat == OC2007 {
		return AttrNonce
	}
	return AttrRealm
}

func (a *Agent) nonceAttr() AttributeType {
	if a.compat == OC2007 {
		return AttrRealm
	}
	return AttrNonce
}

func (a *Agent) noAlign() bool { return a.flags&UsageNoAlignedAttributes != 0 }

// newID produces the transaction id and cookie bytes for a fresh message.
func (a *Agent) start(c Class, m Method) *Message {
	msg := newMessage(c, m, newTransactionID(), a.compat.hasCookie(), a.noAlign())
	if !a.compat.hasCookie() {
		// The cookie word is four more random id bytes in legacy dialects.
		ck := randomCookie()
		copy(msg.raw[4:8], ck[:])
	}
	return msg
}

// maybeSoftware appends the SOFTWARE attribute when the profile calls for
// it, truncated to 128 code points.
func (a *Agent) maybeSoftware(msg *Message) {
	if !a.compat.hasCookie() {
		return
	}
	if a.software == "" && a.flags&UsageAddSoftware == 0 {
		return
	}
	s := a.software
	if s == "" {
		s = "icelink"
	}
	if utf8.RuneCountInString(s) > softwareMaxCodePoints {
		n := 0
		for i := range s {
			if n == softwareMaxCodePoints {
				s = s[:i]
				break
			}
			n++
		}
	}
	_ = msg.AppendString(AttrSoftware, s)
}

// InitRequest starts a request of the given method with a fresh transaction
// id.
func (a *Agent) InitRequest(m Method) *Message {
	msg := a.start(ClassRequest, m)
	a.maybeSoftware(msg)
	return msg
}

// InitIndication starts an indication with a fresh transaction id.
func (a *Agent) InitIndication(m Method) *Message {
	return a.start(ClassIndication, m)
}

// InitResponse starts a success response mirroring the request's method and
// transaction id, inheriting its integrity key.
func (a *Agent) InitResponse(req *Message) *Message {
	msg := newMessage(ClassSuccess, req.Method(), req.TransactionID(), false, a.noAlign())
	copy(msg.raw[4:8], req.raw[4:8])
	msg.key = req.key
	msg.longTermKey = req.longTermKey
	msg.longTermValid = req.longTermValid
	a.maybeSoftware(msg)
	return msg
}

// InitError starts an error response for the request carrying the given
// error code.
func (a *Agent) InitError(req *Message, code int) *Message {
	msg := newMessage(ClassError, req.Method(), req.TransactionID(), false, a.noAlign())
	copy(msg.raw[4:8], req.raw[4:8])
	msg.key = req.key
	msg.longTermKey = req.longTermKey
	msg.longTermValid = req.longTermValid
	a.maybeSoftware(msg)
	_ = msg.AppendErrorCode(code)
	return msg
}

// BuildUnknownAttributesError assembles the 420 reply listing the
// comprehension-required attributes of req the agent did not recognize.
func (a *Agent) BuildUnknownAttributesError(req *Message) (*Message, error) {
	unknowns := a.findUnknowns(req, maxUnknownAttributes)
	msg := a.InitError(req, ErrorUnknownAttribute)

	// Legacy peers without a cookie expect the list padded to a 32-bit
	// boundary by duplicating an entry.
	if !req.hasCookie() && len(unknowns)%2 == 1 {
		unknowns = append(unknowns, unknowns[0])
	}
	val := make([]byte, 2*len(unknowns))
	for i, u := range unknowns {
		binary.BigEndian.PutUint16(val[2*i:], uint16(u))
	}
	if err := msg.AppendBytes(AttrUnknownAttributes, val); err != nil {
		return nil, err
	}
	if _, err := a.FinishMessage(msg, req.key); err != nil {
		return nil, err
	}
	return msg, nil
}

// FinishMessage seals a message: MESSAGE-INTEGRITY with the given key (or
// the key already bound to the message), then FINGERPRINT when the profile
// uses it. Outgoing requests are recorded in the transaction table; if the
// table is full the message is dropped.
func (a *Agent) FinishMessage(msg *Message, key []byte) ([]byte, error) {
	slot := -1
	if msg.Class() == ClassRequest {
		for i := range a.sent {
			if !a.sent[i].valid {
				slot = i
				break
			}
		}
		if slot == -1 {
			slog.Warn("stun: transaction table full, dropping request",
				"method", msg.Method())
			return nil, ErrTransactionTableFull
		}
	}

	if msg.key != nil {
		key = msg.key
	}

	if key != nil {
		skip := false
		hmacKey := key
		if msg.longTermValid {
			hmacKey = msg.longTermKey[:]
		} else if a.flags&UsageLongTermCredentials != 0 {
			realm, rok := msg.Find(a.realmAttr())
			username, uok := msg.Find(AttrUsername)
			if !rok || !uok {
				// No realm or username: long-term integrity cannot be
				// computed; send the message unsealed.
				skip = true
			} else {
				msg.longTermKey = longTermKey(username, realm, key)
				msg.longTermValid = true
				hmacKey = msg.longTermKey[:]
			}
		}

		if !skip {
			dst, err := msg.appendRaw(AttrMessageIntegrity, 20)
			if err != nil {
				return nil, err
			}
			end := msg.Len()
			fake := end - HeaderSize
			if a.compat == WLM2009 && a.flags&UsageUseFingerprint != 0 {
				// Size override: pretend the fingerprint attribute is
				// already in place.
				fake += 8
			}
			sum := integrityDigest(msg.raw, end, fake, hmacKey, a.compat.legacyPadding())
			copy(dst, sum[:])
		}
	}

	if a.compat.hasCookie() && a.flags&UsageUseFingerprint != 0 {
		dst, err := msg.appendRaw(AttrFingerprint, 4)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(dst,
			fingerprint(msg.raw, msg.Len(), a.compat == WLM2009))
	}

	if slot >= 0 {
		a.sent[slot] = transactionSlot{
			id:            msg.TransactionID(),
			method:        msg.Method(),
			key:           key,
			longTermKey:   msg.longTermKey,
			longTermValid: msg.longTermValid,
			valid:         true,
		}
	}
	msg.key = key
	return msg.raw, nil
}

// ForgetTransaction invalidates the slot for a cancelled request so a late
// response is treated as unmatched.
func (a *Agent) ForgetTransaction(id TransactionID) bool {
	for i := range a.sent {
		if a.sent[i].valid && a.sent[i].id == id {
			a.sent[i].valid = false
			return true
		}
	}
	return false
}

// Validate parses and authenticates a received datagram. On StatusSuccess,
// StatusUnknownRequestAttribute and StatusUnknownAttribute the returned
// Message wraps buf and carries the authenticated key; on any other status
// the message is nil or must not be trusted.
func (a *Agent) Validate(buf []byte, creds CredentialsFunc) (*Message, ValidationStatus) {
	n := validateBufferLength(buf, !a.noAlign())
	switch {
	case n == bufferInvalid:
		return nil, StatusNotSTUN
	case n == bufferIncomplete:
		return nil, StatusIncomplete
	case n != len(buf):
		return nil, StatusNotSTUN
	}

	msg := &Message{raw: buf, noAlign: a.noAlign()}

	if a.compat.hasCookie() && !msg.hasCookie() {
		return nil, StatusBadRequest
	}

	if a.compat.hasCookie() && a.flags&UsageUseFingerprint != 0 {
		fpr, err := msg.FindUint32(AttrFingerprint)
		if err != nil {
			return nil, StatusBadRequest
		}
		if fpr != fingerprint(msg.raw, msg.Len(), a.compat == WLM2009) {
			return nil, StatusBadRequest
		}
	}

	var key []byte
	var ltKey [16]byte
	ltValid := false
	slot := -1
	cls := msg.Class()

	if cls == ClassSuccess || cls == ClassError {
		id := msg.TransactionID()
		for i := range a.sent {
			if a.sent[i].valid && a.sent[i].method == msg.Method() && a.sent[i].id == id {
				key = a.sent[i].key
				ltKey = a.sent[i].longTermKey
				ltValid = a.sent[i].longTermValid
				slot = i
				break
			}
		}
		if slot == -1 {
			return nil, StatusUnmatchedResponse
		}
	}

	errorCode := -1
	if cls == ClassError {
		if c, err := msg.FindErrorCode(); err == nil {
			errorCode = c
		}
	}

	ignoreCreds := a.flags&UsageIgnoreCredentials != 0 ||
		(cls == ClassError && (errorCode == 400 || errorCode == 401 || errorCode == 438)) ||
		(cls == ClassIndication &&
			(a.flags&UsageLongTermCredentials != 0 || a.flags&UsageNoIndicationAuth != 0))

	if key == nil && !ignoreCreds && (cls == ClassRequest || cls == ClassIndication) {
		missingShort := a.flags&UsageShortTermCredentials != 0 &&
			(!msg.Has(AttrUsername) || !msg.Has(AttrMessageIntegrity))
		missingLong := a.flags&UsageLongTermCredentials != 0 && cls == ClassRequest &&
			(!msg.Has(AttrUsername) || !msg.Has(AttrMessageIntegrity) ||
				!msg.Has(a.nonceAttr()) || !msg.Has(a.realmAttr()))
		bareUsername := a.flags&UsageIgnoreCredentials == 0 &&
			msg.Has(AttrUsername) && !msg.Has(AttrMessageIntegrity)
		if missingShort || missingLong || bareUsername {
			return nil, StatusUnauthorizedBadRequest
		}
	}

	if msg.Has(AttrMessageIntegrity) &&
		((key == nil && !ignoreCreds) || a.flags&UsageForceValidater != 0) {
		username, _ := msg.Find(AttrUsername)
		var ok bool
		if creds == nil {
			return nil, StatusUnauthorized
		}
		key, ok = creds(msg, username)
		if !ok {
			return nil, StatusUnauthorized
		}
	}

	if !ignoreCreds && len(key) > 0 {
		if hash, ok := msg.Find(AttrMessageIntegrity); ok {
			end := hashEnd(msg, hash)
			hmacKey := key
			if a.flags&UsageLongTermCredentials != 0 {
				var md [16]byte
				if ltValid {
					md = ltKey
				} else {
					realm, rok := msg.Find(a.realmAttr())
					username, uok := msg.Find(AttrUsername)
					if !rok || !uok {
						return nil, StatusUnauthorized
					}
					md = longTermKey(username, realm, key)
				}
				msg.longTermKey = md
				msg.longTermValid = true
				hmacKey = msg.longTermKey[:]
			}
			fake := end - HeaderSize
			if a.compat == WLM2009 {
				fake = msg.Len() - HeaderSize
			}
			sum := integrityDigest(msg.raw, end, fake, hmacKey, a.compat.legacyPadding())
			if !hmac.Equal(sum[:], hash) {
				slog.Debug("stun: integrity mismatch", "method", msg.Method())
				return nil, StatusUnauthorized
			}
			msg.key = key
		} else if !(cls == ClassError && (errorCode == 400 || errorCode == 401)) {
			return nil, StatusUnauthorized
		}
	}

	if slot >= 0 {
		a.sent[slot].valid = false
	}

	if len(a.findUnknowns(msg, 1)) > 0 {
		if cls == ClassRequest {
			return msg, StatusUnknownRequestAttribute
		}
		return msg, StatusUnknownAttribute
	}
	return msg, StatusSuccess
}

// hashEnd returns the offset one past the MESSAGE-INTEGRITY value.
func hashEnd(msg *Message, hash []byte) int {
	// hash aliases msg.raw; recover its offset.
	for off := HeaderSize; off+4 <= len(msg.raw); {
		at := AttributeType(binary.BigEndian.Uint16(msg.raw[off:]))
		alen := int(binary.BigEndian.Uint16(msg.raw[off+2:]))
		if at == AttrMessageIntegrity {
			return off + 4 + alen
		}
		if msg.noAlign {
			off += 4 + alen
		} else {
			off += 4 + align(alen)
		}
	}
	return len(msg.raw)
}

// findUnknowns lists up to max comprehension-required attributes the agent
// does not understand.
func (a *Agent) findUnknowns(msg *Message, max int) []AttributeType {
	var out []AttributeType
	for off := HeaderSize; off+4 <= len(msg.raw) && len(out) < max; {
		at := AttributeType(binary.BigEndian.Uint16(msg.raw[off:]))
		alen := int(binary.BigEndian.Uint16(msg.raw[off+2:]))
		if !at.optional() && !a.knows(at) {
			out = append(out, at)
		}
		if msg.noAlign {
			off += 4 + alen
		} else {
			off += 4 + align(alen)
		}
	}
	return out
}

func (a *Agent) knows(at AttributeType) bool {
	for _, k := range a.known {
		if k == at {
			return true
		}
	}
	return false
}
