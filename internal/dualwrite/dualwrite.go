// Package dualwrite layers the legacy JSON mirror over the SQLite
// store for the transition window. Every write lands in SQLite first
// and is then mirrored to the workspace's JSON file; the mirror is
// best-effort, so a mirror failure is logged and swallowed while a
// store failure is returned to the caller. Reads never touch the
// mirror.
package dualwrite

import (
	"context"
	"log/slog"
	"reflect"
	"sort"

	"github.com/basket/sessiond/internal/legacy"
	"github.com/basket/sessiond/internal/persistence"
)

type Adapter struct {
	store  *persistence.Store
	mirror *legacy.Store
	logger *slog.Logger
}

func New(store *persistence.Store, mirror *legacy.Store, logger *slog.Logger) *Adapter {
	return &Adapter{store: store, mirror: mirror, logger: logger}
}

// Store exposes the authoritative store for read paths and maintenance.
func (a *Adapter) Store() *persistence.Store { return a.store }

func (a *Adapter) mirrorErr(op, workspacePath, sessionID string, err error) {
	if err == nil {
		return
	}
	a.logger.Error("legacy mirror write failed",
		"op", op, "workspace", workspacePath, "session", sessionID, "error", err)
}

func (a *Adapter) CreateSession(ctx context.Context, workspacePath string, sess *persistence.Session) error {
	if err := a.store.CreateSession(ctx, workspacePath, sess); err != nil {
		return err
	}
	a.mirrorErr("create", workspacePath, sess.ID, a.mirror.Upsert(workspacePath, sess))
	return nil
}

func (a *Adapter) UpdateSession(ctx context.Context, workspacePath string, sess *persistence.Session) error {
	if err := a.store.UpdateSession(ctx, workspacePath, sess); err != nil {
		return err
	}
	a.mirrorPersisted(ctx, "update", workspacePath, sess.ID)
	return nil
}

// mirrorPersisted re-reads the session from the store and upserts that
// form into the mirror. The store stamps updated_at and may clear a
// dangling winner, so mirroring the caller's draft (or letting the
// mirror stamp its own clock) would make the two stores diverge on
// every write.
func (a *Adapter) mirrorPersisted(ctx context.Context, op, workspacePath, sessionID string) {
	persisted, err := a.store.GetSession(ctx, workspacePath, sessionID)
	if err != nil {
		a.mirrorErr(op, workspacePath, sessionID, err)
		return
	}
	a.mirrorErr(op, workspacePath, sessionID, a.mirror.Upsert(workspacePath, persisted))
}

func (a *Adapter) DeleteSession(ctx context.Context, workspacePath, sessionID string) error {
	if err := a.store.DeleteSession(ctx, workspacePath, sessionID); err != nil {
		return err
	}
	a.mirrorErr("delete", workspacePath, sessionID, a.mirror.Delete(workspacePath, sessionID))
	return nil
}

func (a *Adapter) AppendChatMessage(ctx context.Context, workspacePath, sessionID string, msg *persistence.ChatMessage) error {
	if err := a.store.AppendChatMessage(ctx, sessionID, msg); err != nil {
		return err
	}
	a.mirrorPersisted(ctx, "append_message", workspacePath, sessionID)
	return nil
}

func (a *Adapter) UpdateInstanceStatus(ctx context.Context, workspacePath, sessionID string, ordinal int, status persistence.InstanceStatus) error {
	if err := a.store.UpdateInstanceStatus(ctx, sessionID, ordinal, status); err != nil {
		return err
	}
	a.mirrorPersisted(ctx, "instance_status", workspacePath, sessionID)
	return nil
}

func (a *Adapter) GetSession(ctx context.Context, workspacePath, sessionID string) (*persistence.Session, error) {
	return a.store.GetSession(ctx, workspacePath, sessionID)
}

func (a *Adapter) ListSessions(ctx context.Context, workspacePath string, filter persistence.ListFilter) ([]*persistence.Session, error) {
	return a.store.ListSessions(ctx, workspacePath, filter)
}

// ConsistencyReport compares one workspace's sessions across the two
// stores by ID and full structural equality.
type ConsistencyReport struct {
	Matched    []string `json:"matched"`
	Mismatched []string `json:"mismatched"`
	LegacyOnly []string `json:"legacy_only"`
	NewOnly    []string `json:"new_only"`
}

func (r *ConsistencyReport) Clean() bool {
	return len(r.Mismatched) == 0 && len(r.LegacyOnly) == 0 && len(r.NewOnly) == 0
}

// CheckConsistency diffs the mirror against the store for a workspace.
// Sessions present on both sides are compared field by field, including
// their instances and messages, so a content divergence is caught even
// when updatedAt happens to agree.
func (a *Adapter) CheckConsistency(ctx context.Context, workspacePath string) (*ConsistencyReport, error) {
	stored, err := a.store.ListSessions(ctx, workspacePath, persistence.ListFilter{IncludeDetails: true})
	if err != nil {
		return nil, err
	}
	mirrored, err := a.mirror.Load(workspacePath)
	if err != nil {
		return nil, err
	}

	storedByID := make(map[string]persistence.Session, len(stored))
	for _, sess := range stored {
		storedByID[sess.ID] = normalizeForCompare(*sess)
	}

	report := &ConsistencyReport{}
	seen := make(map[string]bool, len(mirrored))
	for _, sess := range mirrored {
		seen[sess.ID] = true
		want, ok := storedByID[sess.ID]
		switch {
		case !ok:
			report.LegacyOnly = append(report.LegacyOnly, sess.ID)
		case !reflect.DeepEqual(normalizeForCompare(sess), want):
			report.Mismatched = append(report.Mismatched, sess.ID)
		default:
			report.Matched = append(report.Matched, sess.ID)
		}
	}
	for id := range storedByID {
		if !seen[id] {
			report.NewOnly = append(report.NewOnly, id)
		}
	}
	sort.Strings(report.Matched)
	sort.Strings(report.Mismatched)
	sort.Strings(report.LegacyOnly)
	sort.Strings(report.NewOnly)
	return report, nil
}

// normalizeForCompare reduces a session to a canonical value so the
// JSON mirror and a relational load compare equal when they hold the
// same data: children are cloned and sorted, empty slices fold to nil,
// and the maintained counters are recomputed from the children.
func normalizeForCompare(sess persistence.Session) persistence.Session {
	sess.Instances = append([]persistence.Instance(nil), sess.Instances...)
	sess.ChatHistory = append([]persistence.ChatMessage(nil), sess.ChatHistory...)
	sort.Slice(sess.Instances, func(i, j int) bool {
		return sess.Instances[i].Ordinal < sess.Instances[j].Ordinal
	})
	sort.SliceStable(sess.ChatHistory, func(i, j int) bool {
		if sess.ChatHistory[i].Timestamp != sess.ChatHistory[j].Timestamp {
			return sess.ChatHistory[i].Timestamp < sess.ChatHistory[j].Timestamp
		}
		return sess.ChatHistory[i].ID < sess.ChatHistory[j].ID
	})
	if len(sess.Instances) == 0 {
		sess.Instances = nil
	}
	if len(sess.ChatHistory) == 0 {
		sess.ChatHistory = nil
	}
	if len(sess.RuntimeMix) == 0 {
		sess.RuntimeMix = nil
	}
	sess.InstanceCount = len(sess.Instances)
	sess.MessageCount = len(sess.ChatHistory)
	return sess
}
