package stun

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Codec-level errors returned by builders and accessors.
var (
	// ErrBufferFull is returned when an append would push the message past
	// MaxMessageSize.
	ErrBufferFull = errors.New("stun: message buffer full")

	// ErrAttributeNotFound is returned by accessors when the attribute is
	// absent (or hidden behind MESSAGE-INTEGRITY).
	ErrAttributeNotFound = errors.New("stun: attribute not found")

	// ErrAttributeMalformed is returned when an attribute is present but its
	// value cannot be decoded.
	ErrAttributeMalformed = errors.New("stun: malformed attribute")

	// ErrTransactionTableFull is returned when no free slot remains to track
	// an outgoing request.
	ErrTransactionTableFull = errors.New("stun: transaction table full")
)

// Message is a STUN message backed by its wire image. The zero value is not
// usable; messages are produced by an Agent's init functions or by
// Agent.Validate on received bytes.
type Message struct {
	raw []byte

	// noAlign disables 32-bit alignment when walking and writing TLVs, for
	// peers that omit attribute padding.
	noAlign bool

	// key is the integrity key the message was authenticated or finished
	// with; responses inherit it from their request.
	key           []byte
	longTermKey   [16]byte
	longTermValid bool
}

// newMessage builds an empty message of the given class and method.
func newMessage(c Class, m Method, id TransactionID, cookie bool, noAlign bool) *Message {
	raw := make([]byte, HeaderSize, DefaultBufferSize)
	binary.BigEndian.PutUint16(raw[0:2], messageType(c, m))
	if cookie {
		binary.BigEndian.PutUint32(raw[4:8], MagicCookie)
	}
	copy(raw[8:20], id[:])
	return &Message{raw: raw, noAlign: noAlign}
}

// Bytes returns the wire image. The slice aliases the message's internal
// buffer and is only valid until the next append.
func (m *Message) Bytes() []byte { return m.raw }

// Len returns the total wire length including the header.
func (m *Message) Len() int { return len(m.raw) }

// Class returns the message class encoded in the type field.
func (m *Message) Class() Class { return typeClass(binary.BigEndian.Uint16(m.raw[0:2])) }

// Method returns the message method encoded in the type field.
func (m *Message) Method() Method { return typeMethod(binary.BigEndian.Uint16(m.raw[0:2])) }

// TransactionID returns the 96-bit transaction id.
func (m *Message) TransactionID() TransactionID {
	var id TransactionID
	copy(id[:], m.raw[8:20])
	return id
}

// Key returns the integrity key associated with the message, if any.
func (m *Message) Key() []byte { return m.key }

func (m *Message) hasCookie() bool {
	return binary.BigEndian.Uint32(m.raw[4:8]) == MagicCookie
}

// setLength patches the header length field to the current attribute span.
func (m *Message) setLength() {
	binary.BigEndian.PutUint16(m.raw[2:4], uint16(len(m.raw)-HeaderSize))
}

// appendRaw reserves an attribute of the given value length and returns the
// slice to fill. The length field is patched and padding zeroed.
func (m *Message) appendRaw(t AttributeType, n int) ([]byte, error) {
	total := 4 + n
	if !m.noAlign {
		total = 4 + align(n)
	}
	if len(m.raw)+total > MaxMessageSize {
		return nil, ErrBufferFull
	}
	off := len(m.raw)
	m.raw = append(m.raw, make([]byte, total)...)
	binary.BigEndian.PutUint16(m.raw[off:], uint16(t))
	binary.BigEndian.PutUint16(m.raw[off+2:], uint16(n))
	m.setLength()
	return m.raw[off+4 : off+4+n], nil
}

// AppendBytes appends an attribute with an opaque value.
func (m *Message) AppendBytes(t AttributeType, v []byte) error {
	dst, err := m.appendRaw(t, len(v))
	if err != nil {
		return err
	}
	copy(dst, v)
	return nil
}

// AppendString appends a UTF-8 text attribute.
func (m *Message) AppendString(t AttributeType, s string) error {
	return m.AppendBytes(t, []byte(s))
}

// AppendUint32 appends a 32-bit attribute.
func (m *Message) AppendUint32(t AttributeType, v uint32) error {
	dst, err := m.appendRaw(t, 4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(dst, v)
	return nil
}

// AppendUint64 appends a 64-bit attribute.
func (m *Message) AppendUint64(t AttributeType, v uint64) error {
	dst, err := m.appendRaw(t, 8)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(dst, v)
	return nil
}

// AppendFlag appends a zero-length attribute such as USE-CANDIDATE.
func (m *Message) AppendFlag(t AttributeType) error {
	_, err := m.appendRaw(t, 0)
	return err
}

// AppendErrorCode appends an ERROR-CODE attribute with the canonical reason
// phrase for the code.
func (m *Message) AppendErrorCode(code int) error {
	reason := errorReason(code)
	dst, err := m.appendRaw(AttrErrorCode, 4+len(reason))
	if err != nil {
		return err
	}
	dst[2] = byte(code / 100)
	dst[3] = byte(code % 100)
	copy(dst[4:], reason)
	return nil
}

// Find locates an attribute value. Attributes after MESSAGE-INTEGRITY are
// invisible except FINGERPRINT, and nothing after FINGERPRINT is visible.
func (m *Message) Find(typ AttributeType) ([]byte, bool) {
	off := HeaderSize
	sealed := false
	for off+4 <= len(m.raw) {
		at := AttributeType(binary.BigEndian.Uint16(m.raw[off:]))
		alen := int(binary.BigEndian.Uint16(m.raw[off+2:]))
		if off+4+alen > len(m.raw) {
			return nil, false
		}
		if at == typ && (!sealed || typ == AttrFingerprint) {
			return m.raw[off+4 : off+4+alen], true
		}
		if at == AttrMessageIntegrity {
			sealed = true
		} else if at == AttrFingerprint && sealed {
			return nil, false
		}
		if m.noAlign {
			off += 4 + alen
		} else {
			off += 4 + align(alen)
		}
	}
	return nil, false
}

// Has reports whether an attribute is present (subject to the same
// integrity-sealing rule as Find).
func (m *Message) Has(typ AttributeType) bool {
	_, ok := m.Find(typ)
	return ok
}

// FindUint32 decodes a 32-bit attribute.
func (m *Message) FindUint32(typ AttributeType) (uint32, error) {
	v, ok := m.Find(typ)
	if !ok {
		return 0, ErrAttributeNotFound
	}
	if len(v) != 4 {
		return 0, ErrAttributeMalformed
	}
	return binary.BigEndian.Uint32(v), nil
}

// FindUint64 decodes a 64-bit attribute.
func (m *Message) FindUint64(typ AttributeType) (uint64, error) {
	v, ok := m.Find(typ)
	if !ok {
		return 0, ErrAttributeNotFound
	}
	if len(v) != 8 {
		return 0, ErrAttributeMalformed
	}
	return binary.BigEndian.Uint64(v), nil
}

// FindString decodes a text attribute.
func (m *Message) FindString(typ AttributeType) (string, error) {
	v, ok := m.Find(typ)
	if !ok {
		return "", ErrAttributeNotFound
	}
	return string(v), nil
}

// FindErrorCode decodes the ERROR-CODE attribute.
func (m *Message) FindErrorCode() (int, error) {
	v, ok := m.Find(AttrErrorCode)
	if !ok {
		return 0, ErrAttributeNotFound
	}
	if len(v) < 4 {
		return 0, ErrAttributeMalformed
	}
	code := int(v[2])*100 + int(v[3])
	if code < 100 || code > 699 {
		return 0, ErrAttributeMalformed
	}
	return code, nil
}

// errorReason returns the canonical reason phrase for a STUN error code.
func errorReason(code int) string {
	switch code {
	case ErrorTryAlternate:
		return "Try Alternate"
	case ErrorBadRequest:
		return "Bad Request"
	case ErrorUnauthorized:
		return "Unauthorized"
	case ErrorUnknownAttribute:
		return "Unknown Attribute"
	case ErrorStaleNonce:
		return "Stale Nonce"
	case ErrorRoleConflict:
		return "Role Conflict"
	case ErrorServerError:
		return "Server Error"
	}
	return fmt.Sprintf("Error %d", code)
}

// PeekClass extracts the message class from the first bytes of a datagram
// without validating it, for cheap demultiplexing. ok is false when the
// buffer cannot be STUN at all.
func PeekClass(buf []byte) (Class, bool) {
	if len(buf) < HeaderSize || buf[0]>>6 != 0 {
		return 0, false
	}
	return typeClass(binary.BigEndian.Uint16(buf[0:2])), true
}

const (
	bufferInvalid    = -1
	bufferIncomplete = 0
)

// validateBufferLength checks the outer framing of a received datagram and
// returns the message length, or bufferInvalid / bufferIncomplete.
func validateBufferLength(buf []byte, hasPadding bool) int {
	if len(buf) < 1 {
		return bufferIncomplete
	}
	// The two topmost type bits are always zero.
	if buf[0]>>6 != 0 {
		return bufferInvalid
	}
	if len(buf) < 4 {
		return bufferIncomplete
	}
	alen := int(binary.BigEndian.Uint16(buf[2:4]))
	if alen%4 != 0 {
		return bufferInvalid
	}
	mlen := HeaderSize + alen
	if len(buf) < mlen {
		return bufferIncomplete
	}

	// Walk the TLVs; every attribute must fit inside the declared length.
	off := HeaderSize
	for off < mlen {
		if mlen-off < 4 {
			return bufferInvalid
		}
		vlen := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		if hasPadding {
			vlen = align(vlen)
		}
		off += 4
		if mlen-off < vlen {
			return bufferInvalid
		}
		off += vlen
	}
	return mlen
}
