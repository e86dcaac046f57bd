// ABOUTME: Hand-declared gRPC service descriptor for the bidirectional AgentRelay stream
// ABOUTME: Provides server registration and a client constructor using the JSON codec

package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	AgentRelayServiceName = "relay.AgentRelay"
	AgentStreamMethod     = "/relay.AgentRelay/AgentStream"
)

// AgentRelayServer is implemented by the gateway.
type AgentRelayServer interface {
	AgentStream(AgentStreamServer) error
}

// AgentStreamServer is the server side of one agent's stream.
type AgentStreamServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

// AgentStreamClient is the agent side of the stream.
type AgentStreamClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

// AgentRelayServiceDesc describes relay.AgentRelay for grpc.Server.
var AgentRelayServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentRelayServiceName,
	HandlerType: (*AgentRelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "AgentStream",
			Handler:       agentStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relay/agent_relay",
}

// RegisterAgentRelayServer registers srv on s.
func RegisterAgentRelayServer(s grpc.ServiceRegistrar, srv AgentRelayServer) {
	s.RegisterService(&AgentRelayServiceDesc, srv)
}

func agentStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentRelayServer).AgentStream(&agentStreamServer{stream})
}

type agentStreamServer struct {
	grpc.ServerStream
}

func (x *agentStreamServer) Send(m *Envelope) error {
	return x.ServerStream.SendMsg(m)
}

func (x *agentStreamServer) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AgentRelayClient opens agent streams.
type AgentRelayClient struct {
	cc grpc.ClientConnInterface
}

func NewAgentRelayClient(cc grpc.ClientConnInterface) *AgentRelayClient {
	return &AgentRelayClient{cc: cc}
}

// AgentStream opens the bidirectional stream. The JSON codec is always selected.
func (c *AgentRelayClient) AgentStream(ctx context.Context, opts ...grpc.CallOption) (AgentStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &AgentRelayServiceDesc.Streams[0], AgentStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &agentStreamClient{stream}, nil
}

type agentStreamClient struct {
	grpc.ClientStream
}

func (x *agentStreamClient) Send(m *Envelope) error {
	return x.ClientStream.SendMsg(m)
}

func (x *agentStreamClient) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
