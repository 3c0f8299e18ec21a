// ABOUTME: Store interfaces and persisted models for connectors, credentials,
// ABOUTME: discovered tools, session attachments, and the stream-event log.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/toolgate/internal/connector"
)

// Store errors
var (
	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate means a uniqueness constraint was violated.
	ErrDuplicate = errors.New("already exists")
)

// CredentialRecord is a vault-encrypted secret bound to a connector.
// Plaintext never reaches this package: every write carries ciphertext
// produced by the vault's encrypt path.
type CredentialRecord struct {
	ConnectorID     string
	EncryptedSecret string
	SecretKind      connector.SecretKind
	ExpiresAt       *time.Time
	UpdatedAt       time.Time
}

// DiscoveredTool is one tool reported by a connector's tool server.
type DiscoveredTool struct {
	ConnectorID  string
	Name         string
	Description  string
	JSONSchema   json.RawMessage
	DiscoveredAt time.Time
}

// AttachmentStatus is the lifecycle state of a session-connector binding.
type AttachmentStatus string

const (
	StatusAttaching AttachmentStatus = "attaching"
	StatusActive    AttachmentStatus = "active"
	StatusDegraded  AttachmentStatus = "degraded"
	StatusDetached  AttachmentStatus = "detached"
)

// SessionAttachment is the durable record of "session X has connector Y attached".
// A new process instance reads these to reattach without re-asking the user.
type SessionAttachment struct {
	SessionID         string
	ConnectorID       string
	Status            AttachmentStatus
	ToolNames         []string
	LastHealthCheckAt time.Time
	UpdatedAt         time.Time
}

// StreamEventKind categorizes one unit of the UI-facing progress stream.
type StreamEventKind string

const (
	KindProgress        StreamEventKind = "progress"
	KindToolCallStarted StreamEventKind = "tool_call_started"
	KindToolCallResult  StreamEventKind = "tool_call_result"
	KindError           StreamEventKind = "error"
	KindFinalMessage    StreamEventKind = "final_message"
)

// Terminal reports whether this kind ends a stream.
func (k StreamEventKind) Terminal() bool {
	return k == KindError || k == KindFinalMessage
}

// StreamEvent is one append-only row of a session's event log. SequenceNo is
// strictly increasing per session; rows are never mutated, only pruned after
// the retention window.
type StreamEvent struct {
	SessionID  string          `json:"session_id"`
	SequenceNo int64           `json:"sequence_no"`
	Kind       StreamEventKind `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EmittedAt  time.Time       `json:"emitted_at"`
}

// ConnectorStore persists connector definitions.
type ConnectorStore interface {
	// RegisterConnector persists the connector, its encrypted credential (nil
	// for auth-less connectors), and its discovered tools in one transaction.
	RegisterConnector(ctx context.Context, conn *connector.Connector, cred *CredentialRecord, tools []connector.Tool) error
	GetConnector(ctx context.Context, id string) (*connector.Connector, error)
	ListConnectorsForUser(ctx context.Context, userID string) ([]*connector.Connector, error)
	DeactivateConnector(ctx context.Context, id string) error
	UpsertSystemConnector(ctx context.Context, conn *connector.Connector) error
}

// CredentialStore persists encrypted credentials.
type CredentialStore interface {
	SaveCredential(ctx context.Context, rec *CredentialRecord) error
	GetCredential(ctx context.Context, connectorID string) (*CredentialRecord, error)
	DeleteCredential(ctx context.Context, connectorID string) error
}

// ToolStore persists discovered tools.
type ToolStore interface {
	ReplaceTools(ctx context.Context, connectorID string, tools []connector.Tool) error
	GetTools(ctx context.Context, connectorID string) ([]DiscoveredTool, error)
}

// AttachmentStore persists session attachments. Writes are upserts keyed by
// (session_id, connector_id).
type AttachmentStore interface {
	SaveAttachment(ctx context.Context, att *SessionAttachment) error
	LoadActiveAttachments(ctx context.Context, sessionID string) ([]*SessionAttachment, error)
	GetAttachment(ctx context.Context, sessionID, connectorID string) (*SessionAttachment, error)
	ClearAttachment(ctx context.Context, sessionID, connectorID string) error
}

// StreamEventStore is the append-only event log.
type StreamEventStore interface {
	// AppendStreamEvent assigns the next sequence number for the session and
	// persists the event atomically, returning the stored event.
	AppendStreamEvent(ctx context.Context, sessionID string, kind StreamEventKind, payload json.RawMessage) (*StreamEvent, error)
	// GetStreamEvents returns events with fromSeq <= sequence_no <= toSeq in
	// sequence order. toSeq <= 0 means "to the end".
	GetStreamEvents(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]*StreamEvent, error)
	// PruneStreamEvents deletes events older than the cutoff and returns how
	// many rows were removed.
	PruneStreamEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store is the full persistence contract. SQLiteStore implements all of it.
type Store interface {
	ConnectorStore
	CredentialStore
	ToolStore
	AttachmentStore
	StreamEventStore
	Close() error
}
