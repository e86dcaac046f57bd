// Package agent tracks the agents known to the relay and their live push channels.
//
// # Registry
//
// Registry is the authoritative view of known agents:
//
//	reg := agent.NewRegistry(store, notifier, logger)
//	if err := reg.Load(ctx); err != nil { ... }
//
// Key operations:
//
//   - Register(ctx, metadata): create an offline agent with a new id
//   - Touch(ctx, id): update last contact and mark online
//   - MarkOffline(ctx, id): mark offline (idempotent)
//   - Get, Exists, List: lookups; List is most-recently-contacted first
//   - Delete(ctx, id): remove the agent with its commands and files
//
// The store is always written first. The in-memory cache only remembers
// presence so that online/offline events fire on transitions, and can be
// rebuilt with Load after a restart.
//
// # Manager
//
// Manager tracks live push channels:
//
//	mgr := agent.NewManager(5*time.Second, logger)
//	conn := mgr.Attach(agentID, agent.RoleAgent, channel)
//	defer mgr.Release(conn)
//
// At most one channel is kept per agent id; attaching again replaces the
// previous reference without closing it. Detach closes the channel it
// removes, so a transport implementing Closer is torn down with it.
// Observers are keyed by connection id and may be many.
//
//   - SendToAgent(ctx, id, msg) bool: best-effort unicast, false on no channel or write error
//   - BroadcastToObservers(ctx, msg) int: queue for every observer without waiting
//
// Each observer has its own bounded queue drained by its own goroutine. A
// full queue drops the event for that observer only. A failing observer is
// logged and counted in Stats but stays attached; the transport handler
// detaches it when the connection actually ends.
//
// # Thread Safety
//
// Manager maps are guarded by a RWMutex and never held during a send.
// Each Connection serializes writes to its channel, since WebSocket and gRPC
// streams do not allow concurrent writers.
package agent
