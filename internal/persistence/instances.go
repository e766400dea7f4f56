package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/basket/sessiond/internal/bus"
)

func insertInstanceTx(ctx context.Context, tx *sql.Tx, sessionID string, inst *Instance) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO instances (
			session_id, ordinal, worktree_path, branch, agent_name,
			status, tmux_session_id, output, start_time, end_time,
			files_changed, lines_added, lines_deleted,
			runtime, model, runtime_label
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, sessionID, inst.Ordinal, inst.WorktreePath, inst.Branch, inst.AgentName,
		inst.Status, inst.TmuxSessionID, inst.Output, inst.StartTime, inst.EndTime,
		inst.FilesChanged, inst.LinesAdded, inst.LinesDeleted,
		inst.Runtime, inst.Model, inst.RuntimeLabel)
	if err != nil {
		if isConstraintErr(err) {
			return validationf("session %s instance %d: %v", sessionID, inst.Ordinal, err)
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// updateInstanceTx rewrites one instance row in place, keyed by
// (session, ordinal). The surrogate id stays stable, which is what
// keeps chat message references alive across an instance-set update.
func updateInstanceTx(ctx context.Context, tx *sql.Tx, sessionID string, inst *Instance) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE instances SET
			worktree_path = ?, branch = ?, agent_name = ?, status = ?,
			tmux_session_id = ?, output = ?, start_time = ?, end_time = ?,
			files_changed = ?, lines_added = ?, lines_deleted = ?,
			runtime = ?, model = ?, runtime_label = ?
		WHERE session_id = ? AND ordinal = ?;
	`, inst.WorktreePath, inst.Branch, inst.AgentName, inst.Status,
		inst.TmuxSessionID, inst.Output, inst.StartTime, inst.EndTime,
		inst.FilesChanged, inst.LinesAdded, inst.LinesDeleted,
		inst.Runtime, inst.Model, inst.RuntimeLabel,
		sessionID, inst.Ordinal)
	if err != nil {
		if isConstraintErr(err) {
			return validationf("session %s instance %d: %v", sessionID, inst.Ordinal, err)
		}
		return fmt.Errorf("update instance: %w", err)
	}
	return nil
}

func sessionOrdinalsTx(ctx context.Context, tx *sql.Tx, sessionID string) (map[int]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT ordinal FROM instances WHERE session_id = ?;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read instance ordinals: %w", err)
	}
	defer rows.Close()
	out := map[int]bool{}
	for rows.Next() {
		var ord int
		if err := rows.Scan(&ord); err != nil {
			return nil, fmt.Errorf("scan ordinal: %w", err)
		}
		out[ord] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ordinal rows: %w", err)
	}
	return out, nil
}

// loadInstances batch-loads instances for the given session ids, grouped
// by session, ordered by ordinal.
func (s *Store) loadInstances(ctx context.Context, sessionIDs []string) (map[string][]Instance, error) {
	out := make(map[string][]Instance, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?, ", len(sessionIDs)-1) + "?"
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, ordinal, worktree_path, branch, agent_name,
			status, tmux_session_id, output, start_time, end_time,
			files_changed, lines_added, lines_deleted,
			runtime, model, runtime_label
		FROM instances
		WHERE session_id IN (`+placeholders+`)
		ORDER BY session_id, ordinal;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			inst      Instance
			sessionID string
			output    sql.NullString
			start     sql.NullString
			end       sql.NullString
			files     sql.NullInt64
			added     sql.NullInt64
			deleted   sql.NullInt64
			runtime   sql.NullString
			model     sql.NullString
			label     sql.NullString
		)
		if err := rows.Scan(&sessionID, &inst.Ordinal, &inst.WorktreePath, &inst.Branch, &inst.AgentName,
			&inst.Status, &inst.TmuxSessionID, &output, &start, &end,
			&files, &added, &deleted, &runtime, &model, &label); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst.Output = nullToStrPtr(output)
		inst.StartTime = nullToStrPtr(start)
		inst.EndTime = nullToStrPtr(end)
		inst.FilesChanged = nullToIntPtr(files)
		inst.LinesAdded = nullToIntPtr(added)
		inst.LinesDeleted = nullToIntPtr(deleted)
		inst.Runtime = nullToStrPtr(runtime)
		inst.Model = nullToStrPtr(model)
		inst.RuntimeLabel = nullToStrPtr(label)
		out[sessionID] = append(out[sessionID], inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("instances rows: %w", err)
	}
	return out, nil
}

// UpdateInstanceStatus updates one instance row and bumps the parent's
// updated_at in the same transaction. An unknown (session, ordinal) pair
// reports ErrNotFound.
func (s *Store) UpdateInstanceStatus(ctx context.Context, sessionID string, ordinal int, status InstanceStatus) error {
	if !validInstanceStatus(status) {
		return validationf("unknown instance status %q", status)
	}
	var oldStatus string
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM instances WHERE session_id = ? AND ordinal = ?;
		`, sessionID, ordinal).Scan(&oldStatus)
		if err == sql.ErrNoRows {
			return notFoundf("instance %d in session %s", ordinal, sessionID)
		}
		if err != nil {
			return fmt.Errorf("read instance status: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE instances SET status = ? WHERE session_id = ? AND ordinal = ?;
		`, status, sessionID, ordinal); err != nil {
			return fmt.Errorf("update instance status: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET updated_at = ? WHERE id = ?;
		`, NowUTC(), sessionID); err != nil {
			return fmt.Errorf("bump session updated_at: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicInstanceStatusChanged, bus.InstanceStatusEvent{
		SessionID: sessionID,
		Ordinal:   ordinal,
		OldStatus: oldStatus,
		NewStatus: string(status),
	})
	return nil
}
