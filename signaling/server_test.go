package signaling

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startServer(t *testing.T) (url string, cleanup func()) {
	t.Helper()
	srv := httptest.NewServer(NewServer().Router())
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.Close
}

func TestRelayBetweenPeers(t *testing.T) {
	url, cleanup := startServer(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type recv struct {
		t       MessageType
		payload json.RawMessage
	}
	aGot := make(chan recv, 16)
	bGot := make(chan recv, 16)

	a := NewClient(url, "room1", "a", func(t MessageType, p json.RawMessage) {
		aGot <- recv{t, p}
	})
	b := NewClient(url, "room1", "b", func(t MessageType, p json.RawMessage) {
		bGot <- recv{t, p}
	})
	go a.Run(ctx)
	go b.Run(ctx)

	// Both peers learn about each other.
	waitFor := func(ch chan recv, want MessageType, d time.Duration) recv {
		deadline := time.After(d)
		for {
			select {
			case r := <-ch:
				if r.t == want {
					return r
				}
			case <-deadline:
				t.Fatalf("never received %s", want)
			}
		}
	}
	waitFor(aGot, MsgPeerJoined, 5*time.Second)
	waitFor(bGot, MsgPeerJoined, 5*time.Second)

	// A credentials message from a lands at b, and only at b.
	if err := a.Send(MsgCredentials, CredentialsPayload{
		StreamID: 1, Ufrag: "abcd", Password: "0123456789abcdefghijkl",
	}); err != nil {
		t.Fatal(err)
	}

	got := waitFor(bGot, MsgCredentials, 5*time.Second)
	var cp CredentialsPayload
	if err := json.Unmarshal(got.payload, &cp); err != nil {
		t.Fatal(err)
	}
	if cp.Ufrag != "abcd" || cp.StreamID != 1 {
		t.Errorf("relayed payload = %+v", cp)
	}

	select {
	case r := <-aGot:
		if r.t == MsgCredentials {
			t.Error("sender received its own message")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCandidateRelay(t *testing.T) {
	url, cleanup := startServer(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan CandidatePayload, 8)
	a := NewClient(url, "r", "a", nil)
	b := NewClient(url, "r", "b", func(t MessageType, p json.RawMessage) {
		if t == MsgCandidate {
			var cp CandidatePayload
			if json.Unmarshal(p, &cp) == nil {
				got <- cp
			}
		}
	})
	go a.Run(ctx)
	go b.Run(ctx)
	time.Sleep(300 * time.Millisecond)

	want := CandidatePayload{
		StreamID: 1, ComponentID: 1, Type: "host", Transport: "udp",
		Addr: "10.0.0.1:5000", Priority: 2130706431, Foundation: "1",
	}
	if err := a.Send(MsgCandidate, want); err != nil {
		t.Fatal(err)
	}

	select {
	case cp := <-got:
		if cp != want {
			t.Errorf("relayed candidate = %+v", cp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("candidate never relayed")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewEventRateLimiter(map[MessageType]EventLimit{
		MsgBye: {MaxBurst: 2, RefillInterval: time.Hour},
	})
	if !rl.Allow(MsgBye) || !rl.Allow(MsgBye) {
		t.Fatal("burst rejected")
	}
	if rl.Allow(MsgBye) {
		t.Fatal("over-burst allowed")
	}
	// Unknown types fall back to a permissive default.
	if !rl.Allow(MessageType("weird")) {
		t.Fatal("unknown type rejected outright")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := Envelope(MsgGatheringDone, GatheringDonePayload{StreamID: 3})
	if err != nil {
		t.Fatal(err)
	}
	var env WSMessage
	if err := UnmarshalEnvelope(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != MsgGatheringDone {
		t.Errorf("type = %s", env.Type)
	}
	var gp GatheringDonePayload
	if err := json.Unmarshal(env.Payload, &gp); err != nil || gp.StreamID != 3 {
		t.Errorf("payload = %+v, %v", gp, err)
	}
}
