// ABOUTME: Tests for the AgentRelay gRPC stream
// ABOUTME: Uses bufconn to exercise hello/welcome, pushed commands, inline results and errors

package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/coven-relay/internal/wire"
)

// startGRPC serves the gateway's gRPC server over an in-memory listener.
func startGRPC(t *testing.T, gw *Gateway) *wire.AgentRelayClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	go func() { _ = gw.grpcServer.Serve(lis) }()

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	return wire.NewAgentRelayClient(cc)
}

func TestAgentStream_RoundTrip(t *testing.T) {
	gw, srv := newTestGateway(t)
	client := startGRPC(t, gw)
	agentID := registerAgent(t, srv, "lab-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.AgentStream(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.Envelope{Type: wire.KindHello, AgentID: agentID}))

	welcome, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, wire.KindWelcome, welcome.Type)
	assert.Equal(t, agentID, welcome.AgentID)
	assert.Equal(t, gw.serverID, welcome.Text)

	var issued IssueCommandResponse
	doJSON(t, http.MethodPost, srv.URL+"/api/commands", IssueCommandRequest{AgentID: agentID, Command: "hostname"}, &issued)
	assert.True(t, issued.Delivered)

	pushed, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, wire.KindCommand, pushed.Type)
	assert.Equal(t, issued.Command.ID, pushed.CommandID)

	out := "lab-1.local"
	require.NoError(t, stream.Send(&wire.Envelope{Type: wire.KindResult, CommandID: pushed.CommandID, Result: &out, Status: "failed"}))

	ack, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, wire.KindResultAck, ack.Type)
	assert.True(t, ack.OK)

	var cmd wire.CommandView
	doJSON(t, http.MethodGet, srv.URL+"/api/commands/"+issued.Command.ID, nil, &cmd)
	assert.Equal(t, "failed", cmd.Status)
	assert.Equal(t, out, *cmd.Result)

	require.NoError(t, stream.CloseSend())
	require.Eventually(t, func() bool {
		a, err := gw.registry.Get(ctx, agentID)
		return err == nil && !a.Online
	}, 2*time.Second, 10*time.Millisecond, "agent goes offline when the stream ends")
}

func TestAgentStream_FirstMessageMustBeHello(t *testing.T) {
	gw, _ := newTestGateway(t)
	client := startGRPC(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.AgentStream(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.Envelope{Type: wire.KindHeartbeat}))

	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAgentStream_MissingAgentID(t *testing.T) {
	gw, _ := newTestGateway(t)
	client := startGRPC(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.AgentStream(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.Envelope{Type: wire.KindHello}))

	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAgentStream_UnknownAgent(t *testing.T) {
	gw, _ := newTestGateway(t)
	client := startGRPC(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.AgentStream(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.Envelope{Type: wire.KindHello, AgentID: "ghost"}))

	_, err = stream.Recv()
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.False(t, gw.connections.IsAgentConnected("ghost"))
}

func TestAgentStream_DeleteEndsStream(t *testing.T) {
	gw, srv := newTestGateway(t)
	client := startGRPC(t, gw)
	agentID := registerAgent(t, srv, "lab-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.AgentStream(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.Envelope{Type: wire.KindHello, AgentID: agentID}))
	_, err = stream.Recv()
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, srv.URL+"/api/agents/"+agentID, nil, nil))

	_, err = stream.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err), "relay ends the stream of a deleted agent")
	assert.False(t, gw.connections.IsAgentConnected(agentID))
}

func TestAgentStream_StalledAgentDoesNotBlockIssue(t *testing.T) {
	gw, srv := newTestGateway(t)
	client := startGRPC(t, gw)
	agentID := registerAgent(t, srv, "lab-1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := client.AgentStream(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.Envelope{Type: wire.KindHello, AgentID: agentID}))
	_, err = stream.Recv()
	require.NoError(t, err)

	// From here on the agent never reads, so flow control eventually stalls writes.
	big := strings.Repeat("x", 512<<10)
	undelivered := false
	for i := 0; i < 16 && !undelivered; i++ {
		start := time.Now()
		var issued IssueCommandResponse
		require.Equal(t, http.StatusCreated,
			doJSON(t, http.MethodPost, srv.URL+"/api/commands", IssueCommandRequest{AgentID: agentID, Command: big}, &issued))
		assert.Less(t, time.Since(start), 3*time.Second, "issue %d waited on a stalled agent", i)
		undelivered = !issued.Delivered
	}
	require.True(t, undelivered, "a stalled stream reports delivered=false")

	require.Eventually(t, func() bool {
		a, err := gw.registry.Get(ctx, agentID)
		return err == nil && !a.Online && !gw.connections.IsAgentConnected(agentID)
	}, 3*time.Second, 10*time.Millisecond, "stalled stream torn down")
}
