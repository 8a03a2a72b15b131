// Package agent owns the live agent runtimes the router invokes.
//
// # Overview
//
// An agent is identified by an opaque ID. The Directory Store records which
// servers an agent serves; this package holds the in-memory side: a runtime
// handle able to turn a message into a reply.
//
// # Runtime
//
//	type Runtime interface {
//	    Generate(ctx context.Context, gc GenerateContext) (string, error)
//	    Close() error
//	}
//
// RuntimeFunc adapts a function. Two kinds are built in:
//
//   - echo: replies "echo: <input>" (or a configured prefix)
//   - http: POSTs the message and recent history to a remote agent
//
// # Registry
//
// Registry maps agent IDs to handles. It is sharded, so resolving one agent
// never waits on registration of another:
//
//	reg := agent.NewRegistry(logger)
//	reg.Register("assistant", agent.NewEchoRuntime(""))
//	out, err := reg.Invoke(ctx, "assistant", gc)
//
// Register replaces and closes an existing handle. A Generate error wrapping
// ErrRuntimeCrashed removes the handle.
//
// # Supervisor
//
// Supervisor builds runtimes from configuration. Bootstrap replays stored
// server-agent associations after a restart; Schedule runs Reconcile on a
// cron spec to restart crashed runtimes and stop ones no server uses.
package agent
