// Package client is a Go participant for the jamlink relay, used by native
// tooling and tests. It keeps one WebSocket session to the server and
// reconnects with exponential backoff when the transport drops.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/jamlinkio/jamlink/messages"
	"github.com/jamlinkio/jamlink/server/listener"
	"github.com/jamlinkio/jamlink/server/listener/ws"
)

// Status is the status of the client
type Status string

const StreamConnected Status = "Connected"
const StreamDisconnected Status = "Disconnected"

const sendTimeout = 10 * time.Second

// Option configures a Client at construction time.
type Option func(*Client)

// WithRole sets the connection role. Chat connections are excluded from
// negotiation signaling on the server side.
func WithRole(role listener.Role) Option {
	return func(c *Client) {
		c.role = role
	}
}

// WithBackoff replaces the reconnect backoff policy.
func WithBackoff(b backoff.BackOff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

// Client holds one live session to the relay.
type Client struct {
	serverURL string
	role      listener.Role
	backoff   backoff.BackOff

	mux         sync.Mutex
	conn        *websocket.Conn
	status      Status
	closed      bool
	connectedCh chan struct{}
}

// NewClient creates a client for the given server URL (ws:// or wss://).
func NewClient(serverURL string, opts ...Option) *Client {
	c := &Client{
		serverURL: serverURL,
		role:      listener.RoleFull,
		status:    StreamDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultBackoff is a basic backoff mechanism for general connection issues
func defaultBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     800 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          1.7,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      12 * time.Hour,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)
}

// Receive connects to the relay and starts receiving frames, handing each
// parsed message to msgHandler. It blocks, reconnecting on transport failure
// until ctx is done or msgHandler returns an error.
func (c *Client) Receive(ctx context.Context, msgHandler func(msg *messages.Message) error) error {
	b := c.backoff
	if b == nil {
		b = defaultBackoff(ctx)
	}

	operation := func() error {
		c.notifyStreamDisconnected()

		if c.isClosed() {
			return nil
		}

		conn, err := c.connect(ctx)
		if err != nil {
			log.Warnf("disconnected from the relay %s: %s", c.serverURL, err)
			return err
		}
		defer c.disconnect()

		// Close may have raced the dial, the session must not come back up
		if c.isClosed() {
			_ = conn.Close(websocket.StatusNormalClosure, "client closing")
			return nil
		}

		c.notifyStreamConnected(conn)
		log.Debugf("connected to the relay %s", c.serverURL)

		err = c.readLoop(ctx, conn, msgHandler)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if c.isClosed() {
			return nil
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	c.notifyStreamDisconnected()
	return err
}

// Ready reports whether the stream is currently connected.
func (c *Client) Ready() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.status == StreamConnected
}

// WaitStreamConnected blocks until the stream to the relay is up.
func (c *Client) WaitStreamConnected() {
	c.mux.Lock()
	if c.status == StreamConnected {
		c.mux.Unlock()
		return
	}
	if c.connectedCh == nil {
		c.connectedCh = make(chan struct{})
	}
	ch := c.connectedCh
	c.mux.Unlock()

	<-ch
}

// Join enters the room, optionally claiming the host seat.
func (c *Client) Join(room, user string, host bool) error {
	payload, err := json.Marshal(messages.JoinPayload{Host: host})
	if err != nil {
		return err
	}
	return c.send(&messages.Message{Event: messages.EventJoin, Room: room, From: user, Payload: payload})
}

// Leave exits the room.
func (c *Client) Leave(room, user string) error {
	return c.send(&messages.Message{Event: messages.EventLeave, Room: room, From: user})
}

// SendChat relays a chat body to the whole room, ourselves included.
func (c *Client) SendChat(room, from string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal chat body: %w", err)
	}
	return c.send(&messages.Message{Event: messages.EventChatMessage, Room: room, From: from, Payload: payload})
}

// SendOffer forwards an opaque negotiation offer to the other participants.
func (c *Client) SendOffer(room, from string, blob json.RawMessage) error {
	return c.send(&messages.Message{Event: messages.EventOffer, Room: room, From: from, Payload: blob})
}

// SendAnswer forwards an opaque negotiation answer to the room host.
func (c *Client) SendAnswer(room, from string, blob json.RawMessage) error {
	return c.send(&messages.Message{Event: messages.EventAnswer, Room: room, From: from, Payload: blob})
}

// SendCandidate forwards an opaque ICE candidate to the other participants.
func (c *Client) SendCandidate(room, from string, blob json.RawMessage) error {
	return c.send(&messages.Message{Event: messages.EventICECandidate, Room: room, From: from, Payload: blob})
}

// SyncTime broadcasts the playback position to the other participants.
func (c *Client) SyncTime(room, from string, position float64) error {
	payload, err := json.Marshal(messages.SyncTimePayload{Position: position})
	if err != nil {
		return err
	}
	return c.send(&messages.Message{Event: messages.EventSyncTime, Room: room, From: from, Payload: payload})
}

// SyncLyrics broadcasts the active lyric line to the other participants.
func (c *Client) SyncLyrics(room, from string, line int) error {
	payload, err := json.Marshal(messages.SyncLyricsPayload{Line: line})
	if err != nil {
		return err
	}
	return c.send(&messages.Message{Event: messages.EventSyncLyrics, Room: room, From: from, Payload: payload})
}

// React broadcasts a reaction to the other participants.
func (c *Client) React(room, from, kind string) error {
	payload, err := json.Marshal(messages.ReactionPayload{Kind: kind})
	if err != nil {
		return err
	}
	return c.send(&messages.Message{Event: messages.EventReaction, Room: room, From: from, Payload: payload})
}

// Close terminates the session for good. A Receive in flight returns
// afterwards instead of reconnecting.
func (c *Client) Close() error {
	c.mux.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.status = StreamDisconnected
	c.mux.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closing")
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	signalURL, err := c.signalURL()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, signalURL, &websocket.DialOptions{
		Subprotocols: []string{ws.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", signalURL, err)
	}
	conn.SetReadLimit(messages.MaxMessageSize)
	return conn, nil
}

func (c *Client) signalURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	u.Path = ws.URLPath
	if c.role == listener.RoleChat {
		q := u.Query()
		q.Set("type", string(listener.RoleChat))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, msgHandler func(msg *messages.Message) error) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read from relay: %w", err)
		}

		msg, err := messages.Unmarshal(raw)
		if err != nil {
			log.Debugf("dropping unparsable frame from relay: %s", err)
			continue
		}

		if err := msgHandler(msg); err != nil {
			log.Errorf("message handler failed: %s", err)
			return backoff.Permanent(err)
		}
	}
}

func (c *Client) send(msg *messages.Message) error {
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}

	c.mux.Lock()
	conn := c.conn
	c.mux.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to the relay")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, raw)
}

func (c *Client) notifyStreamConnected(conn *websocket.Conn) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.conn = conn
	c.status = StreamConnected
	if c.connectedCh != nil {
		// there are goroutines waiting on this channel -> release them
		close(c.connectedCh)
		c.connectedCh = nil
	}
}

func (c *Client) isClosed() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.closed
}

func (c *Client) notifyStreamDisconnected() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.status = StreamDisconnected
}

func (c *Client) disconnect() {
	c.mux.Lock()
	conn := c.conn
	c.conn = nil
	c.mux.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}
