package stun

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestAllocateRequestShape(t *testing.T) {
	agent := NewAgent(RFC5389, 0, nil)
	msg, wire, err := agent.TurnCreateAllocate(
		TurnRequest{Compat: TurnRFC5766}, TurnPortEvenAndReserve, 0, 600, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(wire) == 0 {
		t.Fatal("empty wire image")
	}
	if msg.Method() != MethodAllocate || msg.Class() != ClassRequest {
		t.Fatalf("built %v/%#x", msg.Class(), msg.Method())
	}

	rt, err := msg.FindUint32(AttrRequestedTransport)
	if err != nil || rt != turnRequestedTransportUDP {
		t.Errorf("REQUESTED-TRANSPORT = %#x, %v", rt, err)
	}
	props, err := msg.FindUint32(AttrRequestedPortProps)
	if err != nil || props != turnPropsEven|turnPropsReserve {
		t.Errorf("REQUESTED-PORT-PROPS = %#x, %v", props, err)
	}
	lt, err := msg.FindUint32(AttrLifetime)
	if err != nil || lt != 600 {
		t.Errorf("LIFETIME = %d, %v", lt, err)
	}
}

func TestAllocateChallengeRoundTrip(t *testing.T) {
	// Client speaks long-term credentials; the relay's 401 carries realm
	// and nonce which the second request must echo.
	client := NewAgent(RFC5389, UsageLongTermCredentials, nil)
	_, _, err := client.TurnCreateAllocate(TurnRequest{Compat: TurnRFC5766}, TurnPortNormal, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Fabricate the challenge the way a relay would.
	relay := NewAgent(RFC5389, UsageIgnoreCredentials, nil)
	relayView := relay.InitRequest(MethodAllocate) // stand-in for parsing
	challenge := relay.InitError(relayView, ErrorUnauthorized)
	challenge.AppendString(AttrRealm, "example.org")
	challenge.AppendString(AttrNonce, "f00dface")

	msg2, _, err := client.TurnCreateAllocate(TurnRequest{
		Compat:           TurnRFC5766,
		Username:         "alice",
		Password:         []byte("wonderland"),
		PreviousResponse: challenge,
	}, TurnPortNormal, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if realm, _ := msg2.FindString(AttrRealm); realm != "example.org" {
		t.Errorf("REALM = %q", realm)
	}
	if nonce, _ := msg2.FindString(AttrNonce); nonce != "f00dface" {
		t.Errorf("NONCE = %q", nonce)
	}
	if user, _ := msg2.FindString(AttrUsername); user != "alice" {
		t.Errorf("USERNAME = %q", user)
	}
	if !msg2.Has(AttrMessageIntegrity) {
		t.Error("second allocate lacks MESSAGE-INTEGRITY")
	}
}

func TestLongTermKeyDerivation(t *testing.T) {
	// MD5("user:realm:pass"), with quoting stripped.
	a := longTermKey([]byte("user"), []byte("realm"), []byte("pass"))
	b := longTermKey([]byte(`"user"`), []byte("realm\x00"), []byte("pass"))
	if a != b {
		t.Error("quoted and NUL-terminated credentials hash differently")
	}
	c := longTermKey([]byte("user"), []byte("other"), []byte("pass"))
	if a == c {
		t.Error("different realms hash identically")
	}
}

func TestProcessAllocateResponse(t *testing.T) {
	agent := NewAgent(RFC5389, 0, nil)
	req, _, err := agent.TurnCreateAllocate(TurnRequest{Compat: TurnRFC5766}, TurnPortNormal, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	resp := agent.InitResponse(req)
	relayed := netip.MustParseAddrPort("198.51.100.9:49152")
	mapped := netip.MustParseAddrPort("203.0.113.4:61000")
	resp.AppendXorAddress(AttrXorRelayedAddress, relayed)
	resp.AppendXorAddress(AttrXorMappedAddress, mapped)
	resp.AppendUint32(AttrLifetime, 575)

	alloc, res := agent.TurnProcessAllocateResponse(resp, TurnRFC5766)
	if res != TurnMappedSuccess {
		t.Fatalf("result = %v, want mapped-success", res)
	}
	if alloc.Relayed != relayed || alloc.Mapped != mapped {
		t.Errorf("relayed %s mapped %s", alloc.Relayed, alloc.Mapped)
	}
	if alloc.Lifetime != 575 {
		t.Errorf("lifetime = %d", alloc.Lifetime)
	}
}

func TestAlternateServerRedirect(t *testing.T) {
	agent := NewAgent(RFC5389, 0, nil)
	req, _, err := agent.TurnCreateAllocate(TurnRequest{Compat: TurnRFC5766}, TurnPortNormal, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	resp := agent.InitError(req, ErrorTryAlternate)
	alt := netip.MustParseAddrPort("198.51.100.77:3478")
	resp.AppendAddress(AttrAlternateServer, alt)

	alloc, res := agent.TurnProcessAllocateResponse(resp, TurnRFC5766)
	if res != TurnAlternate {
		t.Fatalf("result = %v, want alternate", res)
	}
	if alloc.Alternate != alt {
		t.Errorf("alternate = %s, want %s", alloc.Alternate, alt)
	}
}

func TestChannelDataFraming(t *testing.T) {
	payload := []byte("hello relay")
	frame := ChannelData(0x4001, payload, true)
	if len(frame)%4 != 0 {
		t.Error("stream framing not padded to 32 bits")
	}
	ch, data, ok := ParseChannelData(frame)
	if !ok || ch != 0x4001 || !bytes.Equal(data, payload) {
		t.Fatalf("round trip: ch=%#x ok=%v data=%q", ch, ok, data)
	}

	// STUN traffic must never parse as channel data.
	agent := NewAgent(RFC5389, 0, nil)
	msg := agent.InitRequest(MethodBinding)
	if _, _, ok := ParseChannelData(msg.Bytes()); ok {
		t.Error("a STUN message parsed as channel data")
	}
}
