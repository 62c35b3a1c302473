package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kinetra/telemotion/internal/domain"
	"github.com/kinetra/telemotion/internal/protocol"
)

// Handler receives every decoded message from the server.
type Handler func(*protocol.SignalMessage)

// Client owns one signaling socket for one session. Every redial reuses
// the original session id, so the server treats it as resumption rather
// than a new session.
type Client struct {
	baseURL string
	sid     domain.SessionID
	pid     domain.ParticipantID
	policy  RetryPolicy
	handler Handler

	mu    sync.Mutex
	conn  *websocket.Conn
	ended bool

	cancel context.CancelFunc
}

func New(baseURL string, sid domain.SessionID, pid domain.ParticipantID, policy RetryPolicy, handler Handler) *Client {
	return &Client{
		baseURL: baseURL,
		sid:     sid,
		pid:     pid,
		policy:  policy,
		handler: handler,
	}
}

// Endpoint is the per-session websocket URL the client dials.
func Endpoint(baseURL string, sid domain.SessionID, pid domain.ParticipantID) string {
	return fmt.Sprintf("%s/%s?participant=%s", baseURL, sid, url.QueryEscape(string(pid)))
}

// Run dials and reads until the session ends, the context is cancelled,
// or the reconnect budget is exhausted. A dropped socket is retried with
// the policy's backoff; a successful attach resets the attempt counter.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	attempt := 0
	for {
		if c.isEnded() {
			return nil
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.policy.Exhausted(attempt + 1) {
				return fmt.Errorf("reconnect budget exhausted: %w", err)
			}
			delay := c.policy.Delay(attempt)
			attempt++
			log.Warn().Str("module", "client").Str("sid", string(c.sid)).
				Int("attempt", attempt).Dur("backoff", delay).Err(err).Msg("dial failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		attempt = 0

		err = c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isEnded() {
			return nil
		}
		log.Warn().Str("module", "client").Str("sid", string(c.sid)).
			Err(err).Msg("socket dropped, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, Endpoint(c.baseURL, c.sid, c.pid), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling socket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// start-session on a live session id is the resumption handshake.
	if err := c.Send(&protocol.SignalMessage{
		Type:      protocol.TypeStartSession,
		SessionID: c.sid,
		SenderID:  c.pid,
		Start:     &protocol.StartPayload{},
	}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Str("module", "client").Str("sid", string(c.sid)).
				Err(err).Msg("drop malformed message")
			continue
		}
		if msg.Type == protocol.TypeEndSession {
			c.markEnded()
			if c.handler != nil {
				c.handler(msg)
			}
			return nil
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// Send encodes and writes one message on the current socket.
func (c *Client) Send(msg *protocol.SignalMessage) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("no active socket")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// End sends end-session and immediately halts any pending retries.
func (c *Client) End(reason string) error {
	err := c.Send(&protocol.SignalMessage{
		Type:      protocol.TypeEndSession,
		SessionID: c.sid,
		SenderID:  c.pid,
		End:       &protocol.EndPayload{Reason: reason},
	})
	c.markEnded()
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return err
}

func (c *Client) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Client) markEnded() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
}
