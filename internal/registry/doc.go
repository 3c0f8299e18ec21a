// Package registry manages the connector catalog: registration, credential
// custody, and dialing.
//
// Registration is test-then-save: TestConnection performs a real handshake
// (spawn-and-list for stdio, describe for HTTP) with a bounded timeout, and
// Register persists the connector, its vault-encrypted credential, and its
// discovered tools in one transaction only after the handshake succeeds.
// Nothing is persisted on failure.
//
// Dial is the single path from a stored connector to a live transport: it
// checks the connector is active, decrypts the credential, rejects expired
// OAuth tokens as AuthRejected, and opens the transport.
//
// System connectors come from a TOML catalog loaded at startup by
// SyncSystemConnectors; they have no owner and are visible to every user.
package registry
