// ABOUTME: Append-only stream-event log with per-session sequence numbers.
// ABOUTME: Rows are never mutated; reads are by sequence range for resume-after-reconnect.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// emittedAtLayout is fixed-width (zero-padded nanoseconds, UTC) so the TEXT
// column orders lexicographically the same as chronologically; variable-width
// fractions would misorder within a second.
const emittedAtLayout = "2006-01-02T15:04:05.000000000Z"

// AppendStreamEvent allocates the next sequence number for the session and
// inserts the event in a single statement, so concurrent appends can never
// produce duplicates or gaps.
func (s *SQLiteStore) AppendStreamEvent(ctx context.Context, sessionID string, kind StreamEventKind, payload json.RawMessage) (*StreamEvent, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	emittedAt := time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO stream_events (session_id, sequence_no, kind, payload, emitted_at)
		SELECT ?, COALESCE(MAX(sequence_no), 0) + 1, ?, ?, ?
		FROM stream_events
		WHERE session_id = ?
		RETURNING sequence_no
	`,
		sessionID,
		string(kind),
		string(payload),
		emittedAt.Format(emittedAtLayout),
		sessionID,
	)

	var seq int64
	if err := row.Scan(&seq); err != nil {
		return nil, fmt.Errorf("appending stream event: %w", err)
	}

	return &StreamEvent{
		SessionID:  sessionID,
		SequenceNo: seq,
		Kind:       kind,
		Payload:    payload,
		EmittedAt:  emittedAt,
	}, nil
}

// GetStreamEvents returns the session's events in [fromSeq, toSeq], ordered by
// sequence number. toSeq <= 0 means "to the end"; fromSeq <= 0 means "from the
// beginning".
func (s *SQLiteStore) GetStreamEvents(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]*StreamEvent, error) {
	if fromSeq <= 0 {
		fromSeq = 1
	}

	query := `
		SELECT session_id, sequence_no, kind, payload, emitted_at
		FROM stream_events
		WHERE session_id = ? AND sequence_no >= ?
	`
	args := []any{sessionID, fromSeq}

	if toSeq > 0 {
		query += ` AND sequence_no <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY sequence_no ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying stream events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*StreamEvent
	for rows.Next() {
		var event StreamEvent
		var kind, payload, emittedAt string

		if err := rows.Scan(&event.SessionID, &event.SequenceNo, &kind, &payload, &emittedAt); err != nil {
			return nil, fmt.Errorf("scanning stream event row: %w", err)
		}

		event.Kind = StreamEventKind(kind)
		event.Payload = json.RawMessage(payload)
		if parsed, err := time.Parse(emittedAtLayout, emittedAt); err == nil {
			event.EmittedAt = parsed
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stream event rows: %w", err)
	}
	return events, nil
}

// PruneStreamEvents deletes events emitted before the cutoff. Pruning is the
// only deletion path for the log; it never touches sequence numbering.
func (s *SQLiteStore) PruneStreamEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM stream_events WHERE emitted_at < ?
	`, olderThan.UTC().Format(emittedAtLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning stream events: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if pruned > 0 {
		s.logger.Info("pruned stream events", "count", pruned, "older_than", olderThan)
	}
	return pruned, nil
}
