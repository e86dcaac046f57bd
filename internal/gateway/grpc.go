// ABOUTME: AgentRelay gRPC service implementation for agent push channels
// ABOUTME: Handles the bidirectional stream: hello, welcome, commands down, results and heartbeats up

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

// agentRelayServer implements the AgentRelay gRPC service.
type agentRelayServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

// newAgentRelayServer creates a new AgentRelay service instance.
func newAgentRelayServer(gw *Gateway, logger *slog.Logger) *agentRelayServer {
	return &agentRelayServer{
		gateway: gw,
		logger:  logger.With("component", "grpc"),
	}
}

// errStreamAbandoned is returned by sends after an earlier write timed out.
var errStreamAbandoned = errors.New("agent stream abandoned after a stalled write")

// streamChannel pushes envelopes down a gRPC stream.
type streamChannel struct {
	stream wire.AgentStreamServer
	cancel context.CancelFunc
	broken atomic.Bool
}

// Send writes msg to the stream, giving up when ctx ends. Flow control can
// hold a write forever once the agent stops reading, and a stream cannot
// take a second writer, so a timed-out write ends the session and later
// sends fail at once.
func (c *streamChannel) Send(ctx context.Context, msg *wire.Envelope) error {
	if c.broken.Load() {
		return errStreamAbandoned
	}

	errc := make(chan error, 1)
	go func() { errc <- c.stream.Send(msg) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		c.broken.Store(true)
		c.cancel()
		return fmt.Errorf("sending to agent stream: %w", ctx.Err())
	}
}

// Close ends the session that owns the stream.
func (c *streamChannel) Close() {
	c.cancel()
}

// AgentStream handles the bidirectional streaming connection with an agent.
// Protocol flow:
// 1. Agent sends hello carrying its registered agent_id
// 2. Server responds with welcome
// 3. Server sends command messages; agent sends result or heartbeat messages
// 4. Each inline result is answered with result_ack
//
// The session ends when the agent hangs up, the agent is deleted, a push
// stalls past the send timeout, or the relay shuts down.
func (s *agentRelayServer) AgentStream(stream wire.AgentStreamServer) error {
	ctx, cancel := s.gateway.sessionContext(stream.Context())
	defer cancel()

	msg, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return status.Errorf(codes.Internal, "receiving first message: %v", err)
	}

	if msg.Type != wire.KindHello {
		return status.Error(codes.InvalidArgument, "first message must be hello")
	}
	if msg.AgentID == "" {
		return status.Error(codes.InvalidArgument, "agent_id is required")
	}

	ch := &streamChannel{stream: stream, cancel: cancel}
	session, err := s.gateway.openAgentSession(ctx, msg.AgentID, ch, "grpc")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return status.Errorf(codes.NotFound, "agent %s is not registered", msg.AgentID)
		}
		if errors.Is(err, store.ErrUnavailable) {
			return status.Errorf(codes.Unavailable, "opening session: %v", err)
		}
		return status.Errorf(codes.Internal, "opening session: %v", err)
	}
	defer session.close(context.WithoutCancel(ctx))

	// Recv does not watch ctx, so it runs apart from the loop below.
	inbound := make(chan *wire.Envelope)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if stream.Context().Err() != nil {
				s.logger.Info("agent stream cancelled", "agent_id", session.agentID)
				return nil
			}
			s.logger.Info("agent stream closed by relay", "agent_id", session.agentID)
			return status.Error(codes.Unavailable, "stream closed by relay")

		case err := <-recvErr:
			if err == io.EOF {
				s.logger.Info("agent disconnected (EOF)", "agent_id", session.agentID)
				return nil
			}
			if status.Code(err) == codes.Canceled {
				s.logger.Info("agent stream cancelled", "agent_id", session.agentID)
				return nil
			}
			s.logger.Error("receiving message", "error", err, "agent_id", session.agentID)
			return status.Errorf(codes.Internal, "receiving message: %v", err)

		case msg := <-inbound:
			session.handle(ctx, msg)
		}
	}
}
