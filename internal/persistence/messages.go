package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/sessiond/internal/bus"
)

// insertMessageTx resolves the optional instance ordinal to its surrogate
// row id inside the same transaction as the insert.
func insertMessageTx(ctx context.Context, tx *sql.Tx, sessionID string, msg *ChatMessage) error {
	var instanceRef any
	if msg.InstanceOrdinal != nil {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM instances WHERE session_id = ? AND ordinal = ?;
		`, sessionID, *msg.InstanceOrdinal).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return validationf("message %s: instance %d is not part of session %s", msg.ID, *msg.InstanceOrdinal, sessionID)
		case err != nil:
			return fmt.Errorf("resolve instance ordinal: %w", err)
		}
		instanceRef = id
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, instance_ref, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?);
	`, msg.ID, sessionID, instanceRef, msg.Role, msg.Content, msg.Timestamp)
	if err != nil {
		if isConstraintErr(err) {
			return validationf("message %s: %v", msg.ID, err)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// loadMessages batch-loads messages for the given session ids, grouped by
// session, ordered by timestamp with rowid breaking ties. The instance
// reference is resolved back to an ordinal; a reference nulled by an
// instance deletion comes back as nil.
func (s *Store) loadMessages(ctx context.Context, sessionIDs []string) (map[string][]ChatMessage, error) {
	out := make(map[string][]ChatMessage, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?, ", len(sessionIDs)-1) + "?"
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.session_id, m.id, m.role, m.content, m.timestamp, i.ordinal
		FROM chat_messages m
		LEFT JOIN instances i ON i.id = m.instance_ref
		WHERE m.session_id IN (`+placeholders+`)
		ORDER BY m.session_id, m.timestamp, m.rowid;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg       ChatMessage
			sessionID string
			ordinal   sql.NullInt64
		)
		if err := rows.Scan(&sessionID, &msg.ID, &msg.Role, &msg.Content, &msg.Timestamp, &ordinal); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.InstanceOrdinal = nullToIntPtr(ordinal)
		out[sessionID] = append(out[sessionID], msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages rows: %w", err)
	}
	return out, nil
}

// AppendChatMessage inserts one message and bumps the parent session's
// updated_at and message counter, all in one transaction.
func (s *Store) AppendChatMessage(ctx context.Context, sessionID string, msg *ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?;`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return notFoundf("session %s", sessionID)
		}
		if err := insertMessageTx(ctx, tx, sessionID, msg); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET updated_at = ?, message_count = message_count + 1 WHERE id = ?;
		`, NowUTC(), sessionID); err != nil {
			return fmt.Errorf("bump session: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicMessageAppended, bus.MessageEvent{
		SessionID: sessionID,
		MessageID: msg.ID,
		Role:      string(msg.Role),
	})
	return nil
}
