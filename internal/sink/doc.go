// Package sink forwards relay events to external message systems.
//
// Each sink implements agent.Channel and is attached to the connection
// manager as an observer, so it receives exactly the fan-out stream a
// console would: same envelopes, same ordering, same best-effort delivery.
//
//   - NATS publishes each envelope to "<subject>.<type>", e.g. relay.events.command_result
//   - Redis publishes each envelope to one pub/sub channel
//
// Payloads are the JSON-encoded wire.Envelope.
package sink
