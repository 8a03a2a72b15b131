// Package store provides the Directory Store: durable state for the router.
//
// # Architecture
//
// Store is the single interface the rest of the router depends on. Two
// implementations exist:
//
//   - SQLiteStore: modernc.org/sqlite with WAL and enforced foreign keys
//   - MockStore: in-memory maps with identical semantics, for tests
//
// # Data Models
//
//   - Server: top-level grouping of channels and agent associations
//   - Channel: a dm or group conversation owned by one Server
//   - ChannelParticipant: membership of a user or agent in a channel
//   - ServerAgent: association making an agent eligible to answer on a server
//   - Message: immutable entry in a channel's append-only log
//
// # Ownership
//
// Deleting a Server removes its channels and agent associations. Deleting a
// Channel removes its participants and messages. SQLiteStore implements this
// with ON DELETE CASCADE.
//
// # Ordering
//
// Message IDs are ULIDs minted while holding a per-channel lock, so within a
// channel lexical ID order equals append order. ListMessages returns newest
// first and accepts a message ID as the "before" cursor for the next page.
//
// # Errors
//
// Lookups of missing records return ErrNotFound. Callers should use errors.Is.
package store
