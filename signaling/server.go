package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// Server is a two-peer rendezvous: peers join a room and everything either
// one sends is relayed to the other. State is in memory; rooms die with
// their last peer.
type Server struct {
	mu    sync.Mutex
	rooms map[string]*room

	limits  map[MessageType]EventLimit
	upgrade websocket.Upgrader
}

type room struct {
	id    string
	peers [2]*peerConn
}

type peerConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *EventRateLimiter
}

// NewServer creates a rendezvous server with the default rate limits.
func NewServer() *Server {
	return &Server{
		rooms:  make(map[string]*room),
		limits: DefaultEventLimits(),
		upgrade: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The rendezvous is origin-agnostic; peers are not browsers
			// with shared cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router mounts the server's HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/rooms/{room}/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/v1/rooms", s.handleNewRoom).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// handleNewRoom mints a fresh room id for peers that have no shared secret
// yet.
func (s *Server) handleNewRoom(w http.ResponseWriter, _ *http.Request) {
	id := xid.New().String()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"room":"` + id + `"}`))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("signaling: websocket upgrade failed", "error", err)
		return
	}

	pc := &peerConn{
		id:      xid.New().String(),
		conn:    conn,
		limiter: NewEventRateLimiter(s.limits),
	}

	s.mu.Lock()
	rm, ok := s.rooms[roomID]
	if !ok {
		rm = &room{id: roomID}
		s.rooms[roomID] = rm
	}
	slot := -1
	for i := range rm.peers {
		if rm.peers[i] == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		s.mu.Unlock()
		slog.Warn("signaling: room full", "room", roomID)
		conn.Close()
		return
	}
	rm.peers[slot] = pc
	other := rm.peers[1-slot]
	s.mu.Unlock()

	slog.Info("signaling: peer joined", "room", roomID, "peer", pc.id)

	// Tell both sides about each other once the room is complete.
	if other != nil {
		if msg, err := Envelope(MsgPeerJoined, JoinPayload{Room: roomID, Peer: pc.id}); err == nil {
			other.write(msg)
		}
		if msg, err := Envelope(MsgPeerJoined, JoinPayload{Room: roomID, Peer: other.id}); err == nil {
			pc.write(msg)
		}
	}

	s.relayLoop(roomID, slot, pc)
}

// relayLoop forwards every frame from one peer to the other until the
// connection drops.
func (s *Server) relayLoop(roomID string, slot int, pc *peerConn) {
	defer s.leave(roomID, slot, pc)

	pc.conn.SetReadLimit(64 * 1024)
	pc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	pc.conn.SetPongHandler(func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})

	for {
		kind, data, err := pc.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var env WSMessage
		if err := UnmarshalEnvelope(data, &env); err != nil {
			slog.Debug("signaling: dropping malformed frame", "room", roomID)
			continue
		}
		if !pc.limiter.Allow(env.Type) {
			continue
		}

		s.mu.Lock()
		rm := s.rooms[roomID]
		var other *peerConn
		if rm != nil {
			other = rm.peers[1-slot]
		}
		s.mu.Unlock()

		if other != nil {
			other.write(data)
		}
	}
}

func (s *Server) leave(roomID string, slot int, pc *peerConn) {
	pc.conn.Close()

	s.mu.Lock()
	rm := s.rooms[roomID]
	var other *peerConn
	if rm != nil && rm.peers[slot] == pc {
		rm.peers[slot] = nil
		other = rm.peers[1-slot]
		if other == nil {
			delete(s.rooms, roomID)
		}
	}
	s.mu.Unlock()

	slog.Info("signaling: peer left", "room", roomID, "peer", pc.id)
	if other != nil {
		if msg, err := Envelope(MsgPeerLeft, JoinPayload{Room: roomID, Peer: pc.id}); err == nil {
			other.write(msg)
		}
	}
}

func (p *peerConn) write(data []byte) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("signaling: relay write failed", "peer", p.id, "error", err)
	}
}
