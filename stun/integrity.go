package stun

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
)

// newTransactionID fills an id from the process CSPRNG.
func newTransactionID() TransactionID {
	var id TransactionID
	if _, err := rand.Read(id[:]); err != nil {
		panic("stun: rng unavailable: " + err.Error())
	}
	return id
}

// randomCookie returns four random bytes for the cookie word of RFC3489
// messages, where it is simply more transaction id.
func randomCookie() [4]byte {
	var c [4]byte
	if _, err := rand.Read(c[:]); err != nil {
		panic("stun: rng unavailable: " + err.Error())
	}
	return c
}

// integrityDigest computes the MESSAGE-INTEGRITY HMAC-SHA1.
//
// end is the offset one past the MESSAGE-INTEGRITY attribute value; the
// digest covers the message type, a substituted length field, and every byte
// from the cookie word up to the start of the integrity attribute. fakeLen
// is the value substituted for the length field: legacy profiles compute it
// as if nothing (or only FINGERPRINT) followed the integrity attribute.
// legacyPad additionally zero-pads the input to 64-byte blocks the way
// RFC 3489 hashed whole messages.
func integrityDigest(buf []byte, end int, fakeLen int, key []byte, legacyPad bool) [sha1.Size]byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(buf[0:2])
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(fakeLen))
	mac.Write(l[:])
	mac.Write(buf[4 : end-24])
	if legacyPad {
		covered := end - 24
		if covered%64 != 0 {
			mac.Write(make([]byte, 64-covered%64))
		}
	}
	var out [sha1.Size]byte
	mac.Sum(out[:0])
	return out
}

// longTermKey derives the long-term credential key MD5(user ":" realm ":"
// pass). Peers sometimes quote or NUL-terminate the fields; trim both the
// way servers in the wild expect.
func longTermKey(username, realm, password []byte) [md5.Size]byte {
	h := md5.New()
	h.Write(trimCred(username))
	h.Write([]byte{':'})
	h.Write(trimCred(realm))
	h.Write([]byte{':'})
	h.Write(trimCred(password))
	var out [md5.Size]byte
	h.Sum(out[:0])
	return out
}

func trimCred(v []byte) []byte {
	for len(v) > 0 && v[0] == '"' {
		v = v[1:]
	}
	for len(v) > 0 && (v[len(v)-1] == '"' || v[len(v)-1] == 0) {
		v = v[:len(v)-1]
	}
	return v
}

// fingerprint computes the FINGERPRINT checksum over a message whose total
// length (including the fingerprint attribute itself) is end. The CRC is
// taken over the type, a length field covering the fingerprint attribute,
// and everything up to the fingerprint TLV, then XORed with the marker
// constant. wlmTypo reproduces the vendor bug where two bytes of the CRC
// are swapped before the XOR.
func fingerprint(buf []byte, end int, wlmTypo bool) uint32 {
	crc := crc32.NewIEEE()
	crc.Write(buf[0:2])
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(end-HeaderSize))
	crc.Write(l[:])
	crc.Write(buf[4 : end-8])
	sum := crc.Sum32()
	if wlmTypo {
		sum = sum&0xFF0000FF | sum>>8&0x0000FF00 | sum<<8&0x00FF0000
	}
	return sum ^ fingerprintXor
}
