package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func upsertWorkspaceTx(ctx context.Context, tx *sql.Tx, hash, path string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (hash, path, last_accessed)
		VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET path = excluded.path, last_accessed = excluded.last_accessed;
	`, hash, path, NowUTC())
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

func bumpWorkspaceTx(ctx context.Context, tx *sql.Tx, hash string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE workspaces SET last_accessed = ? WHERE hash = ?;
	`, NowUTC(), hash); err != nil {
		return fmt.Errorf("bump workspace: %w", err)
	}
	return nil
}

// GetWorkspace resolves a workspace hash back to its recorded path.
func (s *Store) GetWorkspace(ctx context.Context, hash string) (*Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, path, last_accessed FROM workspaces WHERE hash = ?;
	`, hash).Scan(&ws.Hash, &ws.Path, &ws.LastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("workspace %s", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &ws, nil
}

// ListWorkspaces returns all known workspaces, most recently used first.
func (s *Store) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, path, last_accessed FROM workspaces ORDER BY last_accessed DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.Hash, &ws.Path, &ws.LastAccessed); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workspaces rows: %w", err)
	}
	return out, nil
}
