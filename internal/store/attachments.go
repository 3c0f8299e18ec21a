// ABOUTME: Session attachment persistence, the durable record of which
// ABOUTME: connectors a session has attached, upserted by (session_id, connector_id).

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveAttachment upserts the attachment record for (session_id, connector_id).
func (s *SQLiteStore) SaveAttachment(ctx context.Context, att *SessionAttachment) error {
	att.UpdatedAt = time.Now().UTC()

	toolNames := att.ToolNames
	if toolNames == nil {
		toolNames = []string{}
	}
	toolsJSON, err := json.Marshal(toolNames)
	if err != nil {
		return fmt.Errorf("encoding tool names: %w", err)
	}

	var healthCheck sql.NullString
	if !att.LastHealthCheckAt.IsZero() {
		healthCheck = sql.NullString{String: att.LastHealthCheckAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_attachments (session_id, connector_id, status, tool_names_json, last_health_check_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, connector_id) DO UPDATE SET
			status = excluded.status,
			tool_names_json = excluded.tool_names_json,
			last_health_check_at = excluded.last_health_check_at,
			updated_at = excluded.updated_at
	`,
		att.SessionID,
		att.ConnectorID,
		string(att.Status),
		string(toolsJSON),
		healthCheck,
		att.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting attachment: %w", err)
	}

	s.logger.Debug("saved attachment",
		"session_id", att.SessionID,
		"connector_id", att.ConnectorID,
		"status", att.Status,
	)
	return nil
}

// LoadActiveAttachments returns the attachments for a session that a new
// process instance should reattach: everything except detached ones.
func (s *SQLiteStore) LoadActiveAttachments(ctx context.Context, sessionID string) ([]*SessionAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, connector_id, status, tool_names_json, last_health_check_at, updated_at
		FROM session_attachments
		WHERE session_id = ? AND status != 'detached'
		ORDER BY connector_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var atts []*SessionAttachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attachment rows: %w", err)
	}
	return atts, nil
}

// GetAttachment retrieves one attachment record. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetAttachment(ctx context.Context, sessionID, connectorID string) (*SessionAttachment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, connector_id, status, tool_names_json, last_health_check_at, updated_at
		FROM session_attachments
		WHERE session_id = ? AND connector_id = ?
	`, sessionID, connectorID)

	att, err := scanAttachment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return att, nil
}

// ClearAttachment removes the persisted record. Called only on explicit detach.
func (s *SQLiteStore) ClearAttachment(ctx context.Context, sessionID, connectorID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_attachments WHERE session_id = ? AND connector_id = ?
	`, sessionID, connectorID)
	if err != nil {
		return fmt.Errorf("clearing attachment: %w", err)
	}

	s.logger.Debug("cleared attachment", "session_id", sessionID, "connector_id", connectorID)
	return nil
}

func scanAttachment(row rowScanner) (*SessionAttachment, error) {
	var att SessionAttachment
	var status, toolsJSON, updatedAt string
	var healthCheck sql.NullString

	if err := row.Scan(
		&att.SessionID,
		&att.ConnectorID,
		&status,
		&toolsJSON,
		&healthCheck,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	att.Status = AttachmentStatus(status)
	if err := json.Unmarshal([]byte(toolsJSON), &att.ToolNames); err != nil {
		return nil, fmt.Errorf("parsing tool names: %w", err)
	}
	if healthCheck.Valid {
		if parsed, err := time.Parse(time.RFC3339, healthCheck.String); err == nil {
			att.LastHealthCheckAt = parsed
		}
	}
	if parsed, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		att.UpdatedAt = parsed
	}
	return &att, nil
}
