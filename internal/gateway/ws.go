// ABOUTME: WebSocket push channels for agents and observers
// ABOUTME: Messages are JSON envelopes, one per text frame

package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/wire"
)

const wsReadLimit = 1 << 20

// wsChannel pushes envelopes over a WebSocket connection. A write whose
// context ends closes the socket.
type wsChannel struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func (c wsChannel) Send(ctx context.Context, msg *wire.Envelope) error {
	return wsjson.Write(ctx, c.conn, msg)
}

// Close ends the read loop, which closes the socket on its way out.
func (c wsChannel) Close() {
	c.cancel()
}

func acceptWebSocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	// Browser consoles may be served from anywhere; there is no auth to protect.
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(wsReadLimit)
	return c, nil
}

// handleAgentSocket handles GET /ws/agent/{id}, the agent's push channel.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := g.sessionContext(r.Context())
	defer cancel()
	agentID := r.PathValue("id")

	if ok, err := g.registry.Exists(ctx, agentID); err != nil {
		g.sendServiceError(w, err)
		return
	} else if !ok {
		g.sendServiceError(w, agent.ErrAgentNotFound)
		return
	}

	c, err := acceptWebSocket(w, r)
	if err != nil {
		g.logger.Warn("websocket accept failed", "agent_id", agentID, "error", err)
		return
	}
	defer c.CloseNow()

	session, err := g.openAgentSession(ctx, agentID, wsChannel{conn: c, cancel: cancel}, "websocket")
	if err != nil {
		g.logger.Warn("opening agent session", "agent_id", agentID, "error", err)
		_ = c.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	defer session.close(context.WithoutCancel(ctx))

	for {
		var msg wire.Envelope
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			logSocketClose(session.logger.Info, session.logger.Warn, err)
			return
		}
		session.handle(ctx, &msg)
	}
}

// handleObserverSocket handles GET /ws/observer. Inbound frames are ignored.
func (g *Gateway) handleObserverSocket(w http.ResponseWriter, r *http.Request) {
	conn, q, err := g.subscribeObserver(r.Context(), "ws")
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	defer g.connections.Release(conn)

	c, err := acceptWebSocket(w, r)
	if err != nil {
		g.logger.Warn("websocket accept failed", "observer_id", conn.ID, "error", err)
		return
	}
	defer c.CloseNow()

	sctx, cancel := g.sessionContext(r.Context())
	defer cancel()

	ctx := c.CloseRead(sctx)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-q.ch:
			if err := wsjson.Write(ctx, c, env); err != nil {
				logSocketClose(g.logger.Debug, g.logger.Warn, err)
				return
			}
		}
	}
}

// logSocketClose reports a socket ending: clean closes at normal level, anything else as a warning.
func logSocketClose(normal, abnormal func(string, ...any), err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		normal("websocket closed", "status", websocket.CloseStatus(err))
		return
	}
	if errors.Is(err, context.Canceled) {
		normal("websocket context ended")
		return
	}
	abnormal("websocket read failed", "error", err)
}
