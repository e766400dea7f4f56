package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/sessiond/internal/bus"
)

const writeRetries = 5

// withWriteTx runs fn inside one transaction, retrying the whole
// transaction on lock contention. Partial state never becomes visible:
// any error rolls the transaction back.
func (s *Store) withWriteTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	return retryOnBusy(ctx, writeRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func encodeRuntimeMix(mix []string) (any, error) {
	if mix == nil {
		return nil, nil
	}
	b, err := json.Marshal(mix)
	if err != nil {
		return nil, fmt.Errorf("encode runtime mix: %w", err)
	}
	return string(b), nil
}

func decodeRuntimeMix(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var mix []string
	if err := json.Unmarshal([]byte(raw.String), &mix); err != nil {
		return nil
	}
	return mix
}

// CreateSession inserts the session row and all of its instances and
// messages atomically. A duplicate session id, an enum outside its set,
// or a duplicated instance ordinal rejects the whole write.
func (s *Store) CreateSession(ctx context.Context, workspacePath string, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	hash := WorkspaceHash(workspacePath)
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if err := upsertWorkspaceTx(ctx, tx, hash, workspacePath); err != nil {
			return err
		}
		if err := insertSessionTx(ctx, tx, hash, sess, false); err != nil {
			return err
		}
		if err := insertChildrenTx(ctx, tx, sess); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicSessionCreated, bus.SessionEvent{
		SessionID:     sess.ID,
		WorkspaceHash: hash,
		Status:        string(sess.Status),
	})
	return nil
}

// UpsertSession is the importer's write path: insert if absent, replace
// in place if present, keyed by session id. Timestamps are preserved as
// given so re-running an import never rewrites history.
func (s *Store) UpsertSession(ctx context.Context, workspacePath string, sess *Session) error {
	return s.UpsertSessionByHash(ctx, WorkspaceHash(workspacePath), workspacePath, sess)
}

// UpsertSessionByHash is UpsertSession with the workspace hash supplied
// by the caller. The importer uses it so sessions stay keyed by the
// legacy file's hash even when the resolved path no longer canonicalizes
// back to that hash.
func (s *Store) UpsertSessionByHash(ctx context.Context, hash, workspacePath string, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if err := upsertWorkspaceTx(ctx, tx, hash, workspacePath); err != nil {
			return err
		}
		if err := insertSessionTx(ctx, tx, hash, sess, true); err != nil {
			return err
		}
		if err := deleteChildrenTx(ctx, tx, sess.ID); err != nil {
			return err
		}
		return insertChildrenTx(ctx, tx, sess)
	})
}

// UpdateSession replaces the session's mutable fields and fully replaces
// its instance set. Messages survive: a message referencing a removed
// instance keeps the message with its reference cleared (FK SET NULL),
// while a reference to a retained ordinal stays intact. A winner
// referencing a removed ordinal is cleared, not rejected.
func (s *Store) UpdateSession(ctx context.Context, workspacePath string, sess *Session) error {
	ordinals := make(map[int]bool, len(sess.Instances))
	for _, inst := range sess.Instances {
		ordinals[inst.Ordinal] = true
	}
	if sess.WinnerID != nil && !ordinals[*sess.WinnerID] {
		sess.WinnerID = nil
	}
	// Validate against the header and instances only; stored messages may
	// legitimately reference instances that this update removes.
	header := *sess
	header.ChatHistory = nil
	if err := header.Validate(); err != nil {
		return err
	}
	sess.UpdatedAt = NowUTC()

	hash := WorkspaceHash(workspacePath)
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		mixVal, err := encodeRuntimeMix(sess.RuntimeMix)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				session_type = ?, task = ?, status = ?, updated_at = ?,
				completed_at = ?, model = ?, timeout_seconds = ?,
				preserve_worktrees = ?, winner_id = ?, runtime_mix = ?,
				total_duration = ?, total_files_changed = ?,
				total_lines_added = ?, total_lines_deleted = ?,
				instance_count = ?
			WHERE workspace_hash = ? AND id = ?;
		`, sess.Kind, sess.Task, sess.Status, sess.UpdatedAt,
			sess.CompletedAt, sess.Model, sess.TimeoutSeconds,
			boolPtrToInt(sess.PreserveWorktrees), sess.WinnerID, mixVal,
			sess.TotalDuration, sess.TotalFilesChanged,
			sess.TotalLinesAdded, sess.TotalLinesDeleted,
			len(sess.Instances), hash, sess.ID)
		if err != nil {
			if isConstraintErr(err) {
				return validationf("update session %s: %v", sess.ID, err)
			}
			return fmt.Errorf("update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session rows: %w", err)
		}
		if n == 0 {
			return notFoundf("session %s", sess.ID)
		}

		// Diff the instance sets by ordinal. Retained ordinals update in
		// place so their surrogate ids survive and messages referencing
		// them keep their reference; only removed ordinals are deleted,
		// which is what ON DELETE SET NULL is for.
		existing, err := sessionOrdinalsTx(ctx, tx, sess.ID)
		if err != nil {
			return err
		}
		for ord := range existing {
			if ordinals[ord] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE session_id = ? AND ordinal = ?;`, sess.ID, ord); err != nil {
				return fmt.Errorf("delete instance %d: %w", ord, err)
			}
		}
		for i := range sess.Instances {
			inst := &sess.Instances[i]
			if existing[inst.Ordinal] {
				if err := updateInstanceTx(ctx, tx, sess.ID, inst); err != nil {
					return err
				}
				continue
			}
			if err := insertInstanceTx(ctx, tx, sess.ID, inst); err != nil {
				return err
			}
		}
		if err := bumpWorkspaceTx(ctx, tx, hash); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicSessionUpdated, bus.SessionEvent{
		SessionID:     sess.ID,
		WorkspaceHash: hash,
		Status:        string(sess.Status),
	})
	return nil
}

// GetSession loads the session row plus instances (ordinal order) and
// messages (timestamp order, rowid breaking ties).
func (s *Store) GetSession(ctx context.Context, workspacePath, id string) (*Session, error) {
	hash := WorkspaceHash(workspacePath)
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE workspace_hash = ? AND id = ?;`, hash, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("session %s", id)
	}
	if err != nil {
		return nil, err
	}

	instances, err := s.loadInstances(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	messages, err := s.loadMessages(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	sess.Instances = instances[id]
	sess.ChatHistory = messages[id]
	return sess, nil
}

// ListFilter narrows ListSessions. Zero values mean "any".
type ListFilter struct {
	Kind           SessionKind
	Status         SessionStatus
	CreatedAfter   string // inclusive ISO-8601 bound
	CreatedBefore  string // exclusive ISO-8601 bound
	Search         string // substring match on the task description
	IncludeDetails bool   // eagerly load instances and messages
	Limit          int
}

// ListSessions returns the workspace's sessions ordered most recently
// updated first. Without IncludeDetails only lightweight rows return:
// instance/message counts come from the maintained counter columns.
func (s *Store) ListSessions(ctx context.Context, workspacePath string, f ListFilter) ([]*Session, error) {
	hash := WorkspaceHash(workspacePath)

	var sb strings.Builder
	sb.WriteString(sessionSelect)
	sb.WriteString(` WHERE workspace_hash = ?`)
	args := []any{hash}

	if f.Kind != "" {
		if !validKind(f.Kind) {
			return nil, validationf("unknown kind filter %q", f.Kind)
		}
		sb.WriteString(` AND session_type = ?`)
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		if !validSessionStatus(f.Status) {
			return nil, validationf("unknown status filter %q", f.Status)
		}
		sb.WriteString(` AND status = ?`)
		args = append(args, f.Status)
	}
	if f.CreatedAfter != "" {
		sb.WriteString(` AND created_at >= ?`)
		args = append(args, f.CreatedAfter)
	}
	if f.CreatedBefore != "" {
		sb.WriteString(` AND created_at < ?`)
		args = append(args, f.CreatedBefore)
	}
	if f.Search != "" {
		sb.WriteString(` AND task LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	sb.WriteString(` ORDER BY updated_at DESC, id`)
	if f.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}
	sb.WriteString(`;`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		// Cooperative cancellation between rows, never mid-transaction.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions rows: %w", err)
	}

	if f.IncludeDetails && len(out) > 0 {
		ids := make([]string, len(out))
		for i, sess := range out {
			ids[i] = sess.ID
		}
		// One IN-clause query per child table instead of 2N point queries.
		instances, err := s.loadInstances(ctx, ids)
		if err != nil {
			return nil, err
		}
		messages, err := s.loadMessages(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, sess := range out {
			sess.Instances = instances[sess.ID]
			sess.ChatHistory = messages[sess.ID]
		}
	}
	return out, nil
}

// DeleteSession removes the session with its instances and messages.
// Absent sessions report ErrNotFound so retries stay safe.
func (s *Store) DeleteSession(ctx context.Context, workspacePath, id string) error {
	hash := WorkspaceHash(workspacePath)
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE workspace_hash = ? AND id = ?;`, hash, id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete session rows: %w", err)
		}
		if n == 0 {
			return notFoundf("session %s", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicSessionDeleted, bus.SessionEvent{SessionID: id, WorkspaceHash: hash})
	return nil
}

const sessionSelect = `
	SELECT id, workspace_hash, session_type, task, status,
		created_at, updated_at, completed_at, model,
		timeout_seconds, preserve_worktrees, winner_id, runtime_mix,
		total_duration, total_files_changed, total_lines_added,
		total_lines_deleted, instance_count, message_count
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess          Session
		workspaceHash string
		completedAt   sql.NullString
		model         sql.NullString
		timeout       sql.NullInt64
		preserve      sql.NullInt64
		winner        sql.NullInt64
		mix           sql.NullString
		duration      sql.NullInt64
		files         sql.NullInt64
		added         sql.NullInt64
		deleted       sql.NullInt64
	)
	err := row.Scan(&sess.ID, &workspaceHash, &sess.Kind, &sess.Task, &sess.Status,
		&sess.CreatedAt, &sess.UpdatedAt, &completedAt, &model,
		&timeout, &preserve, &winner, &mix,
		&duration, &files, &added, &deleted,
		&sess.InstanceCount, &sess.MessageCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.CompletedAt = nullToStrPtr(completedAt)
	sess.Model = nullToStrPtr(model)
	sess.TimeoutSeconds = nullToIntPtr(timeout)
	if preserve.Valid {
		v := preserve.Int64 != 0
		sess.PreserveWorktrees = &v
	}
	sess.WinnerID = nullToIntPtr(winner)
	sess.RuntimeMix = decodeRuntimeMix(mix)
	if duration.Valid {
		v := duration.Int64
		sess.TotalDuration = &v
	}
	sess.TotalFilesChanged = nullToIntPtr(files)
	sess.TotalLinesAdded = nullToIntPtr(added)
	sess.TotalLinesDeleted = nullToIntPtr(deleted)
	return &sess, nil
}

func insertSessionTx(ctx context.Context, tx *sql.Tx, workspaceHash string, sess *Session, upsert bool) error {
	mixVal, err := encodeRuntimeMix(sess.RuntimeMix)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO sessions (
			id, workspace_hash, session_type, task, status,
			created_at, updated_at, completed_at, model,
			timeout_seconds, preserve_worktrees, winner_id, runtime_mix,
			total_duration, total_files_changed, total_lines_added,
			total_lines_deleted, instance_count, message_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		query += `
		ON CONFLICT(id) DO UPDATE SET
			workspace_hash = excluded.workspace_hash,
			session_type = excluded.session_type,
			task = excluded.task,
			status = excluded.status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			model = excluded.model,
			timeout_seconds = excluded.timeout_seconds,
			preserve_worktrees = excluded.preserve_worktrees,
			winner_id = excluded.winner_id,
			runtime_mix = excluded.runtime_mix,
			total_duration = excluded.total_duration,
			total_files_changed = excluded.total_files_changed,
			total_lines_added = excluded.total_lines_added,
			total_lines_deleted = excluded.total_lines_deleted,
			instance_count = excluded.instance_count,
			message_count = excluded.message_count`
	}
	query += `;`

	_, err = tx.ExecContext(ctx, query,
		sess.ID, workspaceHash, sess.Kind, sess.Task, sess.Status,
		sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt, sess.Model,
		sess.TimeoutSeconds, boolPtrToInt(sess.PreserveWorktrees),
		sess.WinnerID, mixVal,
		sess.TotalDuration, sess.TotalFilesChanged, sess.TotalLinesAdded,
		sess.TotalLinesDeleted, len(sess.Instances), len(sess.ChatHistory))
	if err != nil {
		if isConstraintErr(err) {
			return validationf("session %s already exists or violates schema: %v", sess.ID, err)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func insertChildrenTx(ctx context.Context, tx *sql.Tx, sess *Session) error {
	for i := range sess.Instances {
		if err := insertInstanceTx(ctx, tx, sess.ID, &sess.Instances[i]); err != nil {
			return err
		}
	}
	for i := range sess.ChatHistory {
		if err := insertMessageTx(ctx, tx, sess.ID, &sess.ChatHistory[i]); err != nil {
			return err
		}
	}
	return nil
}

func deleteChildrenTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?;`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE session_id = ?;`, sessionID); err != nil {
		return fmt.Errorf("delete instances: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func boolPtrToInt(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func nullToStrPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullToIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
