// ABOUTME: Package directory is the validated query/mutation surface of the Directory Store.
// ABOUTME: HTTP routes live in the gateway; this package holds the rules they share with the dispatcher.

// Package directory wraps store.Store with input validation and logging.
//
// Validation failures wrap ErrValidation; missing servers or channels are
// reported as store.ErrNotFound. Subscribers decides which agents answer a
// message in a channel and is the dispatcher's only routing rule.
package directory
