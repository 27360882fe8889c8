// Package signaling exchanges ICE credentials and candidates between two
// peers over a websocket rendezvous server. The library core never talks to
// it; applications use it (or any transport of their own) to carry the
// out-of-band half of session establishment.
package signaling

import (
	"encoding/json"
)

// MessageType identifies the type of websocket message exchanged with the
// rendezvous server.
type MessageType string

const (
	// MsgJoin is sent by a peer entering a room.
	MsgJoin MessageType = "room:join"

	// MsgPeerJoined tells a peer the other side arrived.
	MsgPeerJoined MessageType = "room:peer-joined"

	// MsgPeerLeft tells a peer the other side went away.
	MsgPeerLeft MessageType = "room:peer-left"

	// MsgCredentials carries a stream's user fragment and password.
	MsgCredentials MessageType = "ice:credentials"

	// MsgCandidate carries one trickled candidate.
	MsgCandidate MessageType = "ice:candidate"

	// MsgGatheringDone signals the sender finished gathering.
	MsgGatheringDone MessageType = "ice:gathering-done"

	// MsgBye ends the session.
	MsgBye MessageType = "session:bye"
)

// WSMessage is the envelope for all websocket messages.
type WSMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinPayload enters a room; the server pairs the first two peers.
type JoinPayload struct {
	Room string `json:"room"`
	Peer string `json:"peer"`
}

// CredentialsPayload carries the per-stream check credentials.
type CredentialsPayload struct {
	StreamID uint   `json:"stream_id"`
	Ufrag    string `json:"ufrag"`
	Password string `json:"password"`
}

// CandidatePayload is one candidate in transit.
type CandidatePayload struct {
	StreamID    uint   `json:"stream_id"`
	ComponentID uint   `json:"component_id"`
	Type        string `json:"type"`
	Transport   string `json:"transport"`
	Addr        string `json:"addr"`
	Priority    uint32 `json:"priority"`
	Foundation  string `json:"foundation"`
}

// GatheringDonePayload marks the end of trickling for a stream.
type GatheringDonePayload struct {
	StreamID uint `json:"stream_id"`
}

// UnmarshalEnvelope decodes a wire frame into the envelope.
func UnmarshalEnvelope(data []byte, env *WSMessage) error {
	if err := json.Unmarshal(data, env); err != nil {
		return err
	}
	return nil
}

// Envelope marshals a typed message into the wire envelope.
func Envelope(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: t, Payload: raw})
}
