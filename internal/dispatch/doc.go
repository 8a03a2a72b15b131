// ABOUTME: Package dispatch is the message router core.
// ABOUTME: It turns one inbound channel message into persisted, broadcast agent replies.

// Package dispatch implements the per-message pipeline
//
//	Received → Persisted → Routed → AgentInvoked → ResponsePersisted → Broadcast → Done
//
// with Failed reachable after Received. Validation, dedupe, lookup and
// persistence of the inbound message happen synchronously in Ingest; each
// subscribed agent then runs in its own goroutine, bounded by a weighted
// semaphore, so a slow or failing agent affects only its own Outcome.
//
// The Dispatcher depends on narrow interfaces (Directory, Invoker,
// Broadcaster) so tests can substitute fakes. It also implements
// hub.MessageHandler for "message" events from real-time clients.
package dispatch
