package stun

import (
	"net/netip"
	"testing"

	"github.com/go-test/deep"
)

func TestTypeEncoding(t *testing.T) {
	tests := []struct {
		class  Class
		method Method
		wire   uint16
	}{
		{ClassRequest, MethodBinding, 0x0001},
		{ClassIndication, MethodBinding, 0x0011},
		{ClassSuccess, MethodBinding, 0x0101},
		{ClassError, MethodBinding, 0x0111},
		{ClassRequest, MethodAllocate, 0x0003},
		{ClassSuccess, MethodAllocate, 0x0103},
		{ClassRequest, MethodChannelBind, 0x0009},
	}
	for _, tt := range tests {
		if got := messageType(tt.class, tt.method); got != tt.wire {
			t.Errorf("messageType(%v, %#x) = %#x, want %#x", tt.class, tt.method, got, tt.wire)
		}
		if got := typeClass(tt.wire); got != tt.class {
			t.Errorf("typeClass(%#x) = %v, want %v", tt.wire, got, tt.class)
		}
		if got := typeMethod(tt.wire); got != tt.method {
			t.Errorf("typeMethod(%#x) = %#x, want %#x", tt.wire, got, tt.method)
		}
	}
}

func TestRoundTripAttributes(t *testing.T) {
	agent := NewAgent(RFC5389, UsageUseFingerprint, nil)
	key := []byte("swordfish")

	msg := agent.InitRequest(MethodBinding)
	if err := msg.AppendString(AttrUsername, "alice:bob"); err != nil {
		t.Fatal(err)
	}
	if err := msg.AppendUint32(AttrPriority, 0x7E0004FF); err != nil {
		t.Fatal(err)
	}
	if err := msg.AppendUint64(AttrIceControlling, 0x0123456789ABCDEF); err != nil {
		t.Fatal(err)
	}
	if err := msg.AppendFlag(AttrUseCandidate); err != nil {
		t.Fatal(err)
	}
	ap := netip.MustParseAddrPort("192.0.2.7:3478")
	if err := msg.AppendXorAddress(AttrXorMappedAddress, ap); err != nil {
		t.Fatal(err)
	}
	wire, err := agent.FinishMessage(msg, key)
	if err != nil {
		t.Fatal(err)
	}

	// A fresh agent on the receive side, so validation exercises the full
	// credential path.
	rx := NewAgent(RFC5389, UsageShortTermCredentials|UsageUseFingerprint, nil)
	got, status := rx.Validate(wire, func(_ *Message, username []byte) ([]byte, bool) {
		if string(username) != "alice:bob" {
			t.Errorf("validater got username %q", username)
		}
		return key, true
	})
	if status != StatusSuccess {
		t.Fatalf("Validate = %v, want success", status)
	}

	if u, _ := got.FindString(AttrUsername); u != "alice:bob" {
		t.Errorf("USERNAME = %q", u)
	}
	if p, _ := got.FindUint32(AttrPriority); p != 0x7E0004FF {
		t.Errorf("PRIORITY = %#x", p)
	}
	if tb, _ := got.FindUint64(AttrIceControlling); tb != 0x0123456789ABCDEF {
		t.Errorf("ICE-CONTROLLING = %#x", tb)
	}
	if !got.Has(AttrUseCandidate) {
		t.Error("USE-CANDIDATE missing")
	}
	gotAddr, err := got.FindXorAddress(AttrXorMappedAddress)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(gotAddr.String(), ap.String()); diff != nil {
		t.Error(diff)
	}
	if got.TransactionID() != msg.TransactionID() {
		t.Error("transaction id changed in flight")
	}
}

func TestXorAddressSymmetry(t *testing.T) {
	agent := NewAgent(RFC5389, 0, nil)
	for _, addr := range []string{
		"10.1.2.3:1",
		"255.255.255.255:65535",
		"[2001:db8::1]:3478",
		"[::1]:9",
	} {
		msg := agent.InitRequest(MethodBinding)
		ap := netip.MustParseAddrPort(addr)
		if err := msg.AppendXorAddress(AttrXorMappedAddress, ap); err != nil {
			t.Fatal(err)
		}
		got, err := msg.FindXorAddress(AttrXorMappedAddress)
		if err != nil {
			t.Fatal(err)
		}
		if got != ap {
			t.Errorf("xor round trip of %s = %s", ap, got)
		}
	}
}

// Flipping any byte ahead of the FINGERPRINT attribute must fail
// validation, as bad-request (fingerprint) or unauthorized (integrity).
func TestBitFlipRejection(t *testing.T) {
	key := []byte("open sesame")
	tx := NewAgent(RFC5389, UsageUseFingerprint, nil)
	msg := tx.InitRequest(MethodBinding)
	if err := msg.AppendString(AttrUsername, "u:v"); err != nil {
		t.Fatal(err)
	}
	wire, err := tx.FinishMessage(msg, key)
	if err != nil {
		t.Fatal(err)
	}

	const fingerprintLen = 8
	for i := 2; i < len(wire)-fingerprintLen; i++ {
		// Skip the length field: changing it yields not-stun/incomplete,
		// which is also a rejection but a different taxonomy.
		if i == 2 || i == 3 {
			continue
		}
		mut := make([]byte, len(wire))
		copy(mut, wire)
		mut[i] ^= 0xFF

		rx := NewAgent(RFC5389, UsageShortTermCredentials|UsageUseFingerprint, nil)
		_, status := rx.Validate(mut, func(*Message, []byte) ([]byte, bool) {
			return key, true
		})
		switch status {
		case StatusSuccess:
			t.Fatalf("byte %d flip still validated", i)
		case StatusBadRequest, StatusUnauthorized, StatusNotSTUN,
			StatusUnknownRequestAttribute, StatusUnknownAttribute:
		default:
			t.Errorf("byte %d flip: unexpected status %v", i, status)
		}
	}
}

func TestValidateFraming(t *testing.T) {
	agent := NewAgent(RFC5389, 0, nil)

	if _, status := agent.Validate([]byte{0x80, 0x01, 0x00, 0x00}, nil); status != StatusNotSTUN {
		t.Errorf("version bits: got %v, want not-stun", status)
	}
	if _, status := agent.Validate([]byte{0x00, 0x01, 0x00}, nil); status != StatusIncomplete {
		t.Errorf("short header: got %v, want incomplete", status)
	}

	msg := agent.InitRequest(MethodBinding)
	wire, err := agent.FinishMessage(msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, status := agent.Validate(wire[:10], nil); status != StatusIncomplete {
		t.Errorf("truncated message: got %v, want incomplete", status)
	}
	if _, status := agent.Validate(wire, nil); status != StatusSuccess {
		t.Errorf("intact message: got %v, want success", status)
	}
}

func TestUnmatchedResponse(t *testing.T) {
	server := NewAgent(RFC5389, 0, nil)
	req := server.InitRequest(MethodBinding)
	if _, err := server.FinishMessage(req, nil); err != nil {
		t.Fatal(err)
	}
	resp := server.InitResponse(req)
	wire, err := server.FinishMessage(resp, nil)
	if err != nil {
		t.Fatal(err)
	}

	// A client that never sent the request must refuse the response.
	client := NewAgent(RFC5389, 0, nil)
	if _, status := client.Validate(wire, nil); status != StatusUnmatchedResponse {
		t.Errorf("got %v, want unmatched-response", status)
	}
}

func TestResponseConsumesSlot(t *testing.T) {
	client := NewAgent(RFC5389, 0, nil)
	req, _, err := client.BindingCreate()
	if err != nil {
		t.Fatal(err)
	}

	server := NewAgent(RFC5389, 0, nil)
	// The server needs the request message in its own terms.
	smsg, status := server.Validate(req.Bytes(), nil)
	if status != StatusSuccess {
		t.Fatal(status)
	}
	wire, err := server.BindingServe(smsg, netip.MustParseAddrPort("1.2.3.4:9999"))
	if err != nil {
		t.Fatal(err)
	}

	if _, status := client.Validate(wire, nil); status != StatusSuccess {
		t.Fatalf("first response: %v", status)
	}
	// Replays must be rejected: the slot was freed.
	if _, status := client.Validate(wire, nil); status != StatusUnmatchedResponse {
		t.Errorf("replayed response: got %v, want unmatched-response", status)
	}
}

func TestUnknownAttributesError(t *testing.T) {
	tx := NewAgent(RFC5389, 0, nil)
	msg := tx.InitRequest(MethodBinding)
	// 0x7777 is comprehension-required and unknown everywhere.
	if err := msg.AppendUint32(0x7777, 1); err != nil {
		t.Fatal(err)
	}
	wire, err := tx.FinishMessage(msg, nil)
	if err != nil {
		t.Fatal(err)
	}

	rx := NewAgent(RFC5389, 0, nil)
	req, status := rx.Validate(wire, nil)
	if status != StatusUnknownRequestAttribute {
		t.Fatalf("got %v, want unknown-attribute", status)
	}

	reply, err := rx.BuildUnknownAttributesError(req)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Class() != ClassError {
		t.Error("reply is not an error response")
	}
	code, err := reply.FindErrorCode()
	if err != nil || code != ErrorUnknownAttribute {
		t.Errorf("error code = %d, %v", code, err)
	}
	list, ok := reply.Find(AttrUnknownAttributes)
	if !ok || len(list) < 2 {
		t.Fatal("UNKNOWN-ATTRIBUTES missing")
	}
	if got := uint16(list[0])<<8 | uint16(list[1]); got != 0x7777 {
		t.Errorf("listed attribute %#x, want 0x7777", got)
	}
}

// Scenario: a Binding round trip against a same-dialect server returns the
// mapped address the server saw.
func TestBindingScenario(t *testing.T) {
	client := NewAgent(RFC5389, UsageUseFingerprint, nil)
	_, reqWire, err := client.BindingCreate()
	if err != nil {
		t.Fatal(err)
	}

	server := NewAgent(RFC5389, UsageIgnoreCredentials|UsageUseFingerprint, nil)
	req, status := server.Validate(reqWire, nil)
	if status != StatusSuccess {
		t.Fatalf("server validate: %v", status)
	}
	src := netip.MustParseAddrPort("1.2.3.4:9999")
	respWire, err := server.BindingServe(req, src)
	if err != nil {
		t.Fatal(err)
	}

	resp, status := client.Validate(respWire, nil)
	if status != StatusSuccess {
		t.Fatalf("client validate: %v", status)
	}
	mapped, _, res := client.BindingProcessResponse(resp)
	if res != BindSuccess {
		t.Fatalf("process response: %v", res)
	}
	if mapped != src {
		t.Errorf("mapped = %s, want %s", mapped, src)
	}

	// Same exchange with the last byte corrupted: the fingerprint check
	// must reject it before any address is surfaced.
	_, reqWire2, err := client.BindingCreate()
	if err != nil {
		t.Fatal(err)
	}
	req2, _ := server.Validate(reqWire2, nil)
	respWire2, err := server.BindingServe(req2, src)
	if err != nil {
		t.Fatal(err)
	}
	respWire2[len(respWire2)-1] ^= 0xFF
	if _, status := client.Validate(respWire2, nil); status != StatusBadRequest {
		t.Errorf("corrupted response: got %v, want bad-request", status)
	}
}

func TestSoftwareTruncation(t *testing.T) {
	agent := NewAgent(RFC5389, UsageAddSoftware, nil)
	long := ""
	for i := 0; i < 200; i++ {
		long += "é" // two bytes, one code point
	}
	agent.SetSoftware(long)
	msg := agent.InitRequest(MethodBinding)
	v, ok := msg.Find(AttrSoftware)
	if !ok {
		t.Fatal("SOFTWARE missing")
	}
	if len(v) != 128*2 {
		t.Errorf("SOFTWARE is %d bytes, want 256 (128 code points)", len(v))
	}
}

func TestErrorCodeRoundTrip(t *testing.T) {
	agent := NewAgent(RFC5389, 0, nil)
	req := agent.InitRequest(MethodBinding)
	reply := agent.InitError(req, ErrorRoleConflict)
	code, err := reply.FindErrorCode()
	if err != nil {
		t.Fatal(err)
	}
	if code != ErrorRoleConflict {
		t.Errorf("code = %d, want 487", code)
	}
}
