// ABOUTME: Agent push-channel session shared by the WebSocket and gRPC transports
// ABOUTME: Attaches the channel, handles inline results and heartbeats, and cleans up on disconnect

package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

// sessionContext derives the context of one long-lived stream. It ends with
// parent or when the gateway starts shutting down.
func (g *Gateway) sessionContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-g.stopping:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// agentSession is one attached agent push channel.
type agentSession struct {
	gw      *Gateway
	agentID string
	conn    *agent.Connection
	logger  *slog.Logger
}

// openAgentSession attaches ch as agentID's push channel, marks the agent
// online and sends the welcome message. The agent must exist. ch should
// implement agent.Closer so that detaching it ends the session.
func (g *Gateway) openAgentSession(ctx context.Context, agentID string, ch agent.Channel, transport string) (*agentSession, error) {
	conn := g.connections.Attach(agentID, agent.RoleAgent, ch)
	s := &agentSession{
		gw:      g,
		agentID: agentID,
		conn:    conn,
		logger:  g.logger.With("agent_id", agentID, "transport", transport),
	}

	if err := g.registry.Touch(ctx, agentID); err != nil {
		g.connections.Release(conn)
		return nil, err
	}

	welcome := &wire.Envelope{
		Type:      wire.KindWelcome,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Text:      g.serverID,
	}
	if err := conn.Send(ctx, welcome); err != nil {
		s.close(context.WithoutCancel(ctx))
		return nil, err
	}

	s.logger.Info("agent connected")
	return s, nil
}

// handle processes one inbound message from the agent.
func (s *agentSession) handle(ctx context.Context, msg *wire.Envelope) {
	switch msg.Type {
	case wire.KindHeartbeat:
		s.logger.Debug("received heartbeat")
		if err := s.gw.registry.Touch(ctx, s.agentID); err != nil {
			s.logger.Warn("heartbeat touch failed", "error", err)
		}

	case wire.KindResult:
		var result string
		if msg.Result != nil {
			result = *msg.Result
		}
		status := store.CommandStatus(msg.Status)
		if status == "" {
			status = store.CommandCompleted
		}
		_, err := s.gw.commands.SubmitAgentResult(ctx, s.agentID, msg.CommandID, result, status)
		if err != nil {
			s.logger.Warn("inline result rejected", "command_id", msg.CommandID, "error", err)
		}
		if sendErr := s.conn.Send(ctx, wire.NewResultAck(msg.CommandID, err)); sendErr != nil {
			s.logger.Warn("sending result ack", "command_id", msg.CommandID, "error", sendErr)
		}

	case wire.KindHello:
		s.logger.Warn("received duplicate hello")

	default:
		s.logger.Warn("received unknown message type", "type", msg.Type)
	}
}

// close detaches the channel and marks the agent offline, unless a newer
// channel for the same agent has replaced this one.
func (s *agentSession) close(ctx context.Context) {
	if !s.gw.connections.Release(s.conn) {
		s.logger.Info("agent channel no longer current")
		return
	}
	if err := s.gw.registry.MarkOffline(ctx, s.agentID); err != nil {
		s.logger.Warn("marking agent offline", "error", err)
	}
	s.logger.Info("agent disconnected")
}
