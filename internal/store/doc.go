// Package store provides persistent storage for the orchestration layer using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with one interface
// per concern:
//
//   - ConnectorStore: connector definitions and atomic registration
//   - CredentialStore: vault-encrypted secrets
//   - ToolStore: discovered tool lists
//   - AttachmentStore: session-connector attachment records
//   - StreamEventStore: the append-only stream-event log
//
// SQLiteStore implements all interfaces in a single struct, allowing easy
// composition while maintaining clear interface boundaries. In-memory state
// elsewhere in the system is always a cache of this store and is rebuildable
// from it.
//
// # Data Models
//
//   - connector.Connector: a registered tool-server definition (stored here,
//     defined in internal/connector)
//   - CredentialRecord: encrypted secret bound to a connector; plaintext never
//     reaches this package
//   - DiscoveredTool: one tool reported by a connector's server; tool names are
//     unique per connector
//   - SessionAttachment: durable "session X has connector Y attached" record,
//     upserted by (session_id, connector_id)
//   - StreamEvent: one append-only row of a session's event stream, totally
//     ordered by sequence_no within the session
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: uniqueness constraint violated
//
// All methods accept context.Context for cancellation support.
package store
