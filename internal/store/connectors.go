// ABOUTME: Connector, credential, and discovered-tool persistence.
// ABOUTME: Registration writes connector + credential + tools in one transaction.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/toolgate/internal/connector"
)

// RegisterConnector persists a tested connector, its encrypted credential, and
// its discovered tools atomically. Nothing is written if any part fails.
func (s *SQLiteStore) RegisterConnector(ctx context.Context, conn *connector.Connector, cred *CredentialRecord, tools []connector.Tool) error {
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}

	launchJSON, err := json.Marshal(conn.Launch)
	if err != nil {
		return fmt.Errorf("encoding launch spec: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO connectors (id, owner_user_id, name, kind, launch_json, auth_method, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`,
		conn.ID,
		conn.OwnerUserID,
		conn.Name,
		string(conn.Kind),
		string(launchJSON),
		string(conn.AuthMethod),
		conn.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("connector %s: %w", conn.ID, ErrDuplicate)
		}
		return fmt.Errorf("inserting connector: %w", err)
	}

	if cred != nil {
		if err := insertCredential(ctx, tx, cred); err != nil {
			return err
		}
	}

	if err := replaceToolsTx(ctx, tx, conn.ID, tools); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing registration: %w", err)
	}

	s.logger.Debug("registered connector",
		"connector_id", conn.ID,
		"kind", conn.Kind,
		"tools", len(tools),
	)
	return nil
}

// GetConnector retrieves a connector by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetConnector(ctx context.Context, id string) (*connector.Connector, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, kind, launch_json, auth_method, active, created_at
		FROM connectors
		WHERE id = ?
	`, id)

	conn, err := scanConnector(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connector: %w", err)
	}
	return conn, nil
}

// ListConnectorsForUser returns the active connectors visible to a user:
// system connectors plus the user's own.
func (s *SQLiteStore) ListConnectorsForUser(ctx context.Context, userID string) ([]*connector.Connector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, name, kind, launch_json, auth_method, active, created_at
		FROM connectors
		WHERE active = 1 AND (owner_user_id = '' OR owner_user_id = ?)
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying connectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conns []*connector.Connector
	for rows.Next() {
		conn, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connector row: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connector rows: %w", err)
	}
	return conns, nil
}

// DeactivateConnector marks a connector inactive. Its rows are kept so that
// historical stream events remain interpretable.
func (s *SQLiteStore) DeactivateConnector(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE connectors SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating connector: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deactivated connector", "connector_id", id)
	return nil
}

// UpsertSystemConnector inserts or refreshes a built-in system connector row.
// System connectors are re-asserted from the catalog on every startup.
func (s *SQLiteStore) UpsertSystemConnector(ctx context.Context, conn *connector.Connector) error {
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}

	launchJSON, err := json.Marshal(conn.Launch)
	if err != nil {
		return fmt.Errorf("encoding launch spec: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connectors (id, owner_user_id, name, kind, launch_json, auth_method, active, created_at)
		VALUES (?, '', ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			launch_json = excluded.launch_json,
			auth_method = excluded.auth_method,
			active = 1
	`,
		conn.ID,
		conn.Name,
		string(conn.Kind),
		string(launchJSON),
		string(conn.AuthMethod),
		conn.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting system connector: %w", err)
	}
	return nil
}

// SaveCredential upserts the encrypted credential for a connector.
func (s *SQLiteStore) SaveCredential(ctx context.Context, rec *CredentialRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertCredential(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing credential: %w", err)
	}

	s.logger.Debug("saved credential", "connector_id", rec.ConnectorID, "kind", rec.SecretKind)
	return nil
}

func insertCredential(ctx context.Context, tx *sql.Tx, rec *CredentialRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	var expires sql.NullString
	if rec.ExpiresAt != nil {
		expires = sql.NullString{String: rec.ExpiresAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO credentials (connector_id, encrypted_secret, secret_kind, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connector_id) DO UPDATE SET
			encrypted_secret = excluded.encrypted_secret,
			secret_kind = excluded.secret_kind,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`,
		rec.ConnectorID,
		rec.EncryptedSecret,
		string(rec.SecretKind),
		expires,
		rec.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// GetCredential retrieves the encrypted credential for a connector.
func (s *SQLiteStore) GetCredential(ctx context.Context, connectorID string) (*CredentialRecord, error) {
	var rec CredentialRecord
	var secretKind string
	var expires sql.NullString
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT connector_id, encrypted_secret, secret_kind, expires_at, updated_at
		FROM credentials
		WHERE connector_id = ?
	`, connectorID).Scan(&rec.ConnectorID, &rec.EncryptedSecret, &secretKind, &expires, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	rec.SecretKind = connector.SecretKind(secretKind)
	if expires.Valid {
		if parsed, err := time.Parse(time.RFC3339, expires.String); err == nil {
			rec.ExpiresAt = &parsed
		}
	}
	if parsed, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rec.UpdatedAt = parsed
	}
	return &rec, nil
}

// DeleteCredential removes a connector's credential.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, connectorID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE connector_id = ?`, connectorID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceTools swaps the stored tool list for a connector.
func (s *SQLiteStore) ReplaceTools(ctx context.Context, connectorID string, tools []connector.Tool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := replaceToolsTx(ctx, tx, connectorID, tools); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tools: %w", err)
	}
	return nil
}

func replaceToolsTx(ctx context.Context, tx *sql.Tx, connectorID string, tools []connector.Tool) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM discovered_tools WHERE connector_id = ?`, connectorID); err != nil {
		return fmt.Errorf("clearing tools: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, tool := range tools {
		var schema sql.NullString
		if len(tool.JSONSchema) > 0 {
			schema = sql.NullString{String: string(tool.JSONSchema), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO discovered_tools (connector_id, tool_name, description, json_schema, discovered_at)
			VALUES (?, ?, ?, ?, ?)
		`, connectorID, tool.Name, tool.Description, schema, now)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("tool %q on connector %s: %w", tool.Name, connectorID, ErrDuplicate)
			}
			return fmt.Errorf("inserting tool: %w", err)
		}
	}
	return nil
}

// GetTools returns the stored tool list for a connector.
func (s *SQLiteStore) GetTools(ctx context.Context, connectorID string) ([]DiscoveredTool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connector_id, tool_name, description, json_schema, discovered_at
		FROM discovered_tools
		WHERE connector_id = ?
		ORDER BY tool_name ASC
	`, connectorID)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tools []DiscoveredTool
	for rows.Next() {
		var tool DiscoveredTool
		var schema sql.NullString
		var discoveredAt string

		if err := rows.Scan(&tool.ConnectorID, &tool.Name, &tool.Description, &schema, &discoveredAt); err != nil {
			return nil, fmt.Errorf("scanning tool row: %w", err)
		}
		if schema.Valid {
			tool.JSONSchema = json.RawMessage(schema.String)
		}
		if parsed, err := time.Parse(time.RFC3339, discoveredAt); err == nil {
			tool.DiscoveredAt = parsed
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool rows: %w", err)
	}
	return tools, nil
}

// rowScanner abstracts sql.Row and sql.Rows for scanConnector.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnector(row rowScanner) (*connector.Connector, error) {
	var conn connector.Connector
	var kind, authMethod, launchJSON, createdAt string
	var active int

	if err := row.Scan(
		&conn.ID,
		&conn.OwnerUserID,
		&conn.Name,
		&kind,
		&launchJSON,
		&authMethod,
		&active,
		&createdAt,
	); err != nil {
		return nil, err
	}

	conn.Kind = connector.Kind(kind)
	conn.AuthMethod = connector.AuthMethod(authMethod)
	conn.Active = active != 0
	if err := json.Unmarshal([]byte(launchJSON), &conn.Launch); err != nil {
		return nil, fmt.Errorf("parsing launch spec: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
		conn.CreatedAt = parsed
	}
	return &conn, nil
}
