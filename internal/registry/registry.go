// ABOUTME: Connector registry that validates, persists, and dials connectors.
// ABOUTME: Registration is test-then-save: nothing is stored until a live handshake succeeds.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/connector"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/vault"
)

// DefaultConnectTimeout bounds a connection test.
const DefaultConnectTimeout = 10 * time.Second

// Registry errors
var (
	// ErrConnectorInactive means the connector was deactivated and cannot be dialed.
	ErrConnectorInactive = errors.New("connector is deactivated")

	// ErrCredentialExpired means the stored credential's expiry has passed.
	ErrCredentialExpired = errors.New("stored credential has expired")

	// ErrSecretRequired means the auth method needs a secret but none was given.
	ErrSecretRequired = errors.New("auth method requires a secret")
)

// Registry manages the connector catalog: testing candidate connections,
// persisting them with vault-encrypted credentials, and opening live transports
// for attached sessions.
type Registry struct {
	store          store.Store
	vault          *vault.Vault
	logger         *slog.Logger
	connectTimeout time.Duration
}

// New creates a registry backed by the given store and vault.
func New(st store.Store, v *vault.Vault, logger *slog.Logger) *Registry {
	return &Registry{
		store:          st,
		vault:          v,
		logger:         logger.With("component", "registry"),
		connectTimeout: DefaultConnectTimeout,
	}
}

// TestConnection performs a real handshake against the described tool server:
// open the transport, list its tools, close. Nothing is persisted. The attempt
// is bounded by the registry's connect timeout.
func (r *Registry) TestConnection(ctx context.Context, kind connector.Kind, launch connector.LaunchSpec, auth connector.AuthMethod, secret string) ([]connector.Tool, error) {
	if auth != connector.AuthNone && secret == "" {
		return nil, ErrSecretRequired
	}

	ctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	transport, err := connector.Open(ctx, kind, launch, auth, credentialFor(auth, secret))
	if err != nil {
		return nil, err
	}
	defer transport.Close()

	tools, err := transport.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	r.logger.Info("connection test succeeded", "kind", kind, "tools", len(tools))
	return tools, nil
}

// Register tests the connection and, only on success, persists the connector,
// its vault-encrypted credential, and the discovered tools in one transaction.
// The connector is assigned an ID if it has none. Returns the discovered tools.
func (r *Registry) Register(ctx context.Context, conn *connector.Connector, plaintextSecret string) ([]connector.Tool, error) {
	tools, err := r.TestConnection(ctx, conn.Kind, conn.Launch, conn.AuthMethod, plaintextSecret)
	if err != nil {
		return nil, fmt.Errorf("connection test: %w", err)
	}

	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	conn.Active = true

	var cred *store.CredentialRecord
	if conn.AuthMethod != connector.AuthNone {
		plain, err := encodeSecret(conn.AuthMethod, plaintextSecret)
		if err != nil {
			return nil, fmt.Errorf("encoding credential: %w", err)
		}
		encrypted, err := r.vault.Encrypt(plain)
		if err != nil {
			return nil, fmt.Errorf("encrypting credential: %w", err)
		}
		cred = &store.CredentialRecord{
			ConnectorID:     conn.ID,
			EncryptedSecret: encrypted,
			SecretKind:      secretKindFor(conn.AuthMethod),
		}
	}

	if err := r.store.RegisterConnector(ctx, conn, cred, tools); err != nil {
		return nil, fmt.Errorf("persisting connector: %w", err)
	}

	r.logger.Info("connector registered",
		"connector_id", conn.ID,
		"name", conn.Name,
		"kind", conn.Kind,
		"tools", len(tools))
	return tools, nil
}

// Get returns one connector by ID.
func (r *Registry) Get(ctx context.Context, id string) (*connector.Connector, error) {
	return r.store.GetConnector(ctx, id)
}

// ListForUser returns the active connectors visible to a user: system
// connectors plus the user's own.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]*connector.Connector, error) {
	return r.store.ListConnectorsForUser(ctx, userID)
}

// Deactivate marks a connector inactive and removes its stored credential.
// The connector row is kept for history.
func (r *Registry) Deactivate(ctx context.Context, connectorID string) error {
	if err := r.store.DeactivateConnector(ctx, connectorID); err != nil {
		return err
	}
	if err := r.store.DeleteCredential(ctx, connectorID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("removing credential: %w", err)
	}
	r.logger.Info("connector deactivated", "connector_id", connectorID)
	return nil
}

// SaveOAuthCredential vault-encrypts and stores a token handed over by the
// external OAuth layer. The whole pair is serialized so the refresh token
// survives the one hand-off; the plaintext only exists in process memory.
func (r *Registry) SaveOAuthCredential(ctx context.Context, connectorID string, token connector.OAuthToken) error {
	if _, err := r.store.GetConnector(ctx, connectorID); err != nil {
		return err
	}

	plain, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	encrypted, err := r.vault.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting token: %w", err)
	}
	rec := &store.CredentialRecord{
		ConnectorID:     connectorID,
		EncryptedSecret: encrypted,
		SecretKind:      connector.SecretOAuthToken,
		ExpiresAt:       token.ExpiresAt,
	}
	return r.store.SaveCredential(ctx, rec)
}

// Dial decrypts the connector's credential and opens a live transport. The
// caller owns the transport and must Close it.
func (r *Registry) Dial(ctx context.Context, connectorID string) (connector.ToolTransport, error) {
	conn, err := r.store.GetConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if !conn.Active {
		return nil, ErrConnectorInactive
	}

	var cred connector.Credential
	if conn.AuthMethod != connector.AuthNone {
		rec, err := r.store.GetCredential(ctx, connectorID)
		if err != nil {
			return nil, fmt.Errorf("loading credential: %w", err)
		}
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(time.Now()) {
			return nil, connector.NewConnectError(connector.AuthRejected, ErrCredentialExpired)
		}
		plaintext, err := r.vault.Decrypt(rec.EncryptedSecret)
		if err != nil {
			return nil, fmt.Errorf("decrypting credential: %w", err)
		}
		secret, err := decodeSecret(rec.SecretKind, plaintext)
		if err != nil {
			return nil, fmt.Errorf("decoding credential: %w", err)
		}
		cred = connector.Credential{Kind: rec.SecretKind, Secret: secret}
	}

	return connector.Open(ctx, conn.Kind, conn.Launch, conn.AuthMethod, cred)
}

func credentialFor(auth connector.AuthMethod, secret string) connector.Credential {
	if auth == connector.AuthNone {
		return connector.Credential{}
	}
	return connector.Credential{Kind: secretKindFor(auth), Secret: secret}
}

// encodeSecret renders the plaintext that goes to the vault. OAuth credentials
// are stored as a serialized token pair; everything else is the raw secret.
func encodeSecret(auth connector.AuthMethod, secret string) ([]byte, error) {
	if auth == connector.AuthOAuth2 {
		return json.Marshal(connector.OAuthToken{AccessToken: secret})
	}
	return []byte(secret), nil
}

// decodeSecret recovers the bearer secret from decrypted vault plaintext.
// OAuth records hold a serialized token pair; the access token is what goes on
// the wire.
func decodeSecret(kind connector.SecretKind, plaintext []byte) (string, error) {
	if kind != connector.SecretOAuthToken {
		return string(plaintext), nil
	}
	var token connector.OAuthToken
	if err := json.Unmarshal(plaintext, &token); err != nil {
		return "", fmt.Errorf("stored oauth token is not a serialized pair: %w", err)
	}
	return token.AccessToken, nil
}

func secretKindFor(auth connector.AuthMethod) connector.SecretKind {
	if auth == connector.AuthOAuth2 {
		return connector.SecretOAuthToken
	}
	return connector.SecretAPIKey
}
