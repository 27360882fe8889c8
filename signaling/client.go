package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 2 * time.Minute

	// baseReconnectDelay is the initial delay before reconnecting.
	baseReconnectDelay = 1 * time.Second

	// writeTimeout is the maximum wait when writing a websocket message.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before declaring the
	// connection dead.
	pongWait = 60 * time.Second

	// pingInterval is how often to send ping frames; must be under
	// pongWait.
	pingInterval = 30 * time.Second
)

// Handler receives decoded messages from the rendezvous server.
type Handler func(t MessageType, payload json.RawMessage)

// Client maintains a websocket connection to the rendezvous server,
// reconnecting with exponential backoff, and relays typed messages both
// ways.
type Client struct {
	url  string
	room string
	peer string

	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client for one room on the given websocket URL (the
// path is appended from the room).
func NewClient(url, room, peer string, handler Handler) *Client {
	return &Client{url: url, room: room, peer: peer, handler: handler}
}

// Run connects and processes messages until ctx is cancelled, reconnecting
// on failures with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		slog.Info("signaling: connecting", "url", c.endpoint(), "attempt", attempt)
		err := c.runSession(ctx)
		if err != nil {
			slog.Warn("signaling: session ended", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := time.Duration(float64(baseReconnectDelay) * math.Pow(2, float64(attempt)))
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) endpoint() string {
	return c.url + "/v1/rooms/" + c.room + "/ws"
}

func (c *Client) runSession(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.endpoint(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.endpoint(), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := c.Send(MsgJoin, JoinPayload{Room: c.room, Peer: c.peer}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Ping loop keeps middleboxes from idling the connection out.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-t.C:
				c.mu.Lock()
				cn := c.conn
				c.mu.Unlock()
				if cn == nil {
					return
				}
				cn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := cn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var env WSMessage
		if err := UnmarshalEnvelope(data, &env); err != nil {
			slog.Debug("signaling: malformed frame dropped")
			continue
		}
		if c.handler != nil {
			c.handler(env.Type, env.Payload)
		}
	}
}

// Send marshals and transmits one typed message. It fails when the client
// is between connections.
func (c *Client) Send(t MessageType, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}
	data, err := Envelope(t, payload)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", t, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", t, err)
	}
	slog.Debug("signaling: sent message", "type", t)
	return nil
}
