// Package dedupe suppresses client messages delivered more than once.
//
// Socket clients resend unacknowledged messages after reconnecting. When a
// message carries a client-generated id, the dispatcher marks
// Key(channel, author, id) and drops repeats seen within the TTL.
package dedupe
