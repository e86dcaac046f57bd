// Package gateway orchestrates the coven-relay server components.
//
// # Overview
//
// The gateway package wires the store, agent registry, connection manager,
// notifier, command service and file ingestion together and exposes them
// over HTTP, WebSocket and gRPC.
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// # HTTP API
//
// Agent-facing:
//
//   - POST /api/register - Register an agent (returns the agent, online)
//   - GET /api/agents/{id}/pending?limit=N - Poll pending commands, newest first
//   - POST /api/commands/{id}/result - Submit a result ({"result": ..., "status": "completed"|"failed"})
//   - POST /api/upload - Multipart upload (file, agent_id, category)
//   - POST /api/files - Record a file stored elsewhere
//   - GET /ws/agent/{id} - WebSocket push channel
//
// Operator-facing:
//
//   - GET /api/agents - List agents, most recently contacted first
//   - GET /api/agents/{id} - Agent with recent commands and files
//   - DELETE /api/agents/{id} - Delete an agent and everything it owns
//   - GET /api/agents/{id}/commands?limit=N - Command history
//   - GET /api/agents/{id}/files - Files received from the agent
//   - POST /api/commands - Issue a command ({"agent_id", "command"}); reports delivered
//   - GET /api/commands/{id} - One command
//   - GET /api/stats - Counts, storage totals and delivery counters
//   - GET /api/events - Server-Sent Events observer stream
//   - GET /ws/observer - WebSocket observer stream
//   - GET /uploads/... - Stored upload bytes
//   - GET /health, GET /health/ready - Liveness and store readiness
//
// Errors are JSON {"error": "..."}: not found is 404, an already resolved
// command is 409, validation failures are 400, and an unreachable store is 503.
//
// # Observers
//
// Every observer channel (SSE, WebSocket, and the optional NATS and Redis
// sinks) is attached to the connection manager. SSE and WebSocket observers
// first receive an init snapshot of all agents, then every event in sequence
// order. A slow observer drops events once its queue is full; it is never
// allowed to hold up the others.
//
// # Agent Channels
//
// An agent opens a push channel over WebSocket (/ws/agent/{id}) or the gRPC
// AgentRelay.AgentStream (first message hello with agent_id). The relay
// answers with welcome, pushes command messages, and accepts inline result
// and heartbeat messages. Each inline result is acknowledged with result_ack.
// When the channel ends the agent is marked offline, unless a newer channel
// for the same agent has already replaced it.
//
// # Listeners
//
// Without Tailscale the HTTP and gRPC servers listen on server.http_addr and
// server.grpc_addr (gRPC is disabled when grpc_addr is empty). With Tailscale
// enabled a tsnet node serves HTTP on :80 and gRPC on :50051.
package gateway
