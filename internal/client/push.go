// ABOUTME: WebSocket push channel from the agent side
// ABOUTME: Dials /ws/agent/{id}, waits for the welcome, then exchanges Envelopes

package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/coven-relay/internal/wire"
)

// maxPushMessage bounds a single inbound frame.
const maxPushMessage = 1 << 20

// ErrUnexpectedMessage is returned when the relay does not open with a welcome.
var ErrUnexpectedMessage = errors.New("unexpected message from relay")

// Push is an open push channel. Recv must be called from one goroutine;
// Send is safe to call concurrently with Recv.
type Push struct {
	conn    *websocket.Conn
	welcome *wire.Envelope
}

// DialPush connects agentID's push channel and consumes the welcome message.
func (c *Client) DialPush(ctx context.Context, agentID string) (*Push, error) {
	u, err := c.PushURL(agentID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("dialing push channel: %w", err)
	}
	conn.SetReadLimit(maxPushMessage)

	var welcome wire.Envelope
	if err := wsjson.Read(ctx, conn, &welcome); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("reading welcome: %w", err)
	}
	if welcome.Type != wire.KindWelcome {
		conn.CloseNow()
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, welcome.Type)
	}

	return &Push{conn: conn, welcome: &welcome}, nil
}

// Welcome returns the message the relay opened the channel with.
func (p *Push) Welcome() *wire.Envelope { return p.welcome }

// Recv blocks for the next message from the relay.
func (p *Push) Recv(ctx context.Context) (*wire.Envelope, error) {
	var env wire.Envelope
	if err := wsjson.Read(ctx, p.conn, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Send writes one message to the relay.
func (p *Push) Send(ctx context.Context, env *wire.Envelope) error {
	return wsjson.Write(ctx, p.conn, env)
}

// Heartbeat refreshes the agent's last contact.
func (p *Push) Heartbeat(ctx context.Context) error {
	return p.Send(ctx, &wire.Envelope{Type: wire.KindHeartbeat})
}

// SendResult reports a command outcome inline; the relay answers with a result_ack.
func (p *Push) SendResult(ctx context.Context, commandID, result, status string) error {
	return p.Send(ctx, &wire.Envelope{
		Type:      wire.KindResult,
		CommandID: commandID,
		Result:    &result,
		Status:    status,
	})
}

// Close closes the channel normally.
func (p *Push) Close() error {
	return p.conn.Close(websocket.StatusNormalClosure, "")
}
