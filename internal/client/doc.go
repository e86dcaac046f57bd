// Package client is the agent side of the relay.
//
// Client wraps the HTTP API with retries for transport errors and 5xx
// responses. Push holds the /ws/agent/{id} channel. Runner combines them:
// it registers (or reuses an id), keeps a push channel open with backoff,
// polls pending commands on an interval and after each reconnect, and runs
// every command through an Executor exactly once using a dedupe ledger.
// Results that could not be delivered are resubmitted on the next poll;
// a 409 from the relay counts as delivered.
package client
