package stun

import (
	"encoding/binary"
	"net/netip"
)

// Address attribute families.
const (
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// AppendAddress appends a plain address attribute (family, port, raw
// address bytes).
func (m *Message) AppendAddress(typ AttributeType, ap netip.AddrPort) error {
	addr := ap.Addr().Unmap()
	n := 8
	if addr.Is6() {
		n = 20
	}
	dst, err := m.appendRaw(typ, n)
	if err != nil {
		return err
	}
	if addr.Is6() {
		dst[1] = familyIPv6
	} else {
		dst[1] = familyIPv4
	}
	binary.BigEndian.PutUint16(dst[2:4], ap.Port())
	b := addr.As16()
	if addr.Is6() {
		copy(dst[4:20], b[:])
	} else {
		copy(dst[4:8], b[12:16])
	}
	return nil
}

// AppendXorAddress appends an address attribute XOR-obfuscated against the
// message's own cookie and transaction id, so that encode and decode are the
// same operation regardless of dialect.
func (m *Message) AppendXorAddress(typ AttributeType, ap netip.AddrPort) error {
	return m.AppendAddress(typ, m.xorAddrPort(ap))
}

// FindAddress decodes a plain address attribute.
func (m *Message) FindAddress(typ AttributeType) (netip.AddrPort, error) {
	v, ok := m.Find(typ)
	if !ok {
		return netip.AddrPort{}, ErrAttributeNotFound
	}
	return decodeAddress(v)
}

// FindXorAddress decodes an XOR address attribute.
func (m *Message) FindXorAddress(typ AttributeType) (netip.AddrPort, error) {
	ap, err := m.FindAddress(typ)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return m.xorAddrPort(ap), nil
}

func decodeAddress(v []byte) (netip.AddrPort, error) {
	if len(v) < 4 {
		return netip.AddrPort{}, ErrAttributeMalformed
	}
	port := binary.BigEndian.Uint16(v[2:4])
	switch v[1] {
	case familyIPv4:
		if len(v) < 8 {
			return netip.AddrPort{}, ErrAttributeMalformed
		}
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(v[4:8])), port), nil
	case familyIPv6:
		if len(v) < 20 {
			return netip.AddrPort{}, ErrAttributeMalformed
		}
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(v[4:20])), port), nil
	}
	return netip.AddrPort{}, ErrAttributeMalformed
}

// xorAddrPort folds the header cookie word (and, for IPv6, the transaction
// id) into an address. Applying it twice restores the original.
func (m *Message) xorAddrPort(ap netip.AddrPort) netip.AddrPort {
	port := ap.Port() ^ uint16(binary.BigEndian.Uint32(m.raw[4:8])>>16)
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		var out [4]byte
		a4 := addr.As4()
		for i := 0; i < 4; i++ {
			out[i] = a4[i] ^ m.raw[4+i]
		}
		return netip.AddrPortFrom(netip.AddrFrom4(out), port)
	}
	var out [16]byte
	a16 := addr.As16()
	for i := 0; i < 16; i++ {
		out[i] = a16[i] ^ m.raw[4+i]
	}
	return netip.AddrPortFrom(netip.AddrFrom16(out), port)
}
