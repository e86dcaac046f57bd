// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// The store package is interface-driven:
//
//   - AgentStore: agent records, presence and last contact
//   - CommandStore: commands and their single pending -> terminal transition
//   - FileStore: metadata of files received from agents
//   - Store: all of the above plus Stats, Ping and Close
//
// SQLiteStore implements Store in a single struct. MockStore is an in-memory
// implementation with the same semantics for unit tests.
//
// # Command Transitions
//
// CompleteCommand is a compare-and-set: the row is only updated while its
// status is still pending. Two concurrent completions of the same command
// therefore cannot both succeed; the loser gets ErrNotPending.
//
// # SQLite Configuration
//
// The store uses a single connection with WAL mode and foreign keys:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC text so that lexical order matches
// chronological order.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrNotPending: command already completed or failed
//   - ErrUnavailable: any other persistence failure (see Unavailable)
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests, NewSQLiteStore(path) with a t.TempDir()
// path for integration tests with real SQLite.
package store
