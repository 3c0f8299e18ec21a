// Package session manages live attachments between chat sessions and
// connectors.
//
// # Overview
//
// An attachment is the pairing of one session with one connector, backed by
// exactly one live transport (a subprocess for stdio connectors, a client
// for HTTP connectors). The Manager owns every live transport in the
// process; all other packages reach tools through it.
//
// # Manager
//
//	mgr := session.NewManager(registry, cache, store, logger)
//	mgr.Start()
//
// Key operations:
//
//   - Attach(ctx, sessionID, connectorID): bring an attachment to Active
//   - EnsureActive(ctx, sessionID, connectorID): revalidate before use
//   - Detach(ctx, sessionID, connectorID): tear down, the only kill path
//   - Resolve(ctx, sessionID): store-backed list of a session's attachments
//   - CallTool(ctx, sessionID, connectorID, tool, args): invoke a tool
//
// # State Machine
//
// Each attachment moves through:
//
//	Detached -> Attaching -> Active -> Degraded -> Detached
//
// Attaching is the long-lived guard: a pair in Attaching rejects concurrent
// Attach calls with AttachmentLockBusy, so no mutex is ever held across
// transport I/O and no pair can spawn two subprocesses. Attach on an Active
// pair is a no-op.
//
// A Degraded pair gets one synchronous reconnect inside EnsureActive, after
// a fixed backoff; if that fails the caller gets the connect error
// immediately. Detach is the only user-initiated teardown; health failures
// degrade, they never kill.
//
// # Health Monitoring
//
// Start launches a loop that pings every Active attachment on a fixed
// interval (default 60s). A failed ping marks the pair Degraded and kicks
// off one asynchronous recovery attempt.
//
// # Persistence
//
// The in-memory attachment map is a cache of the store. Every status
// transition is persisted, and EnsureActive transparently redials pairs that
// exist in the store but not in memory, so attachments survive a process
// restart. A failed reconnect leaves the record behind with status detached;
// only user Detach deletes the row.
package session
