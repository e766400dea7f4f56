package dualwrite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/sessiond/internal/legacy"
	"github.com/basket/sessiond/internal/persistence"
)

func newAdapter(t *testing.T) (*Adapter, *legacy.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "sessions.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	mirror := legacy.NewStore(filepath.Join(dir, "sessions"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, mirror, logger), mirror
}

func makeSession(id string) *persistence.Session {
	now := "2026-06-01T10:00:00Z"
	return &persistence.Session{
		ID:        id,
		Kind:      persistence.KindDebate,
		Task:      "debate " + id,
		Status:    persistence.SessionRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Instances: []persistence.Instance{
			{Ordinal: 1, Status: persistence.InstanceRunning},
		},
	}
}

func TestCreate_WritesBothStores(t *testing.T) {
	a, mirror := newAdapter(t)
	ctx := context.Background()

	if err := a.CreateSession(ctx, "/tmp/ws", makeSession("d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := a.GetSession(ctx, "/tmp/ws", "d1"); err != nil {
		t.Fatalf("store missing session: %v", err)
	}
	mirrored, err := mirror.Load("/tmp/ws")
	if err != nil {
		t.Fatalf("mirror load: %v", err)
	}
	if len(mirrored) != 1 || mirrored[0].ID != "d1" {
		t.Fatalf("mirror missing session: %+v", mirrored)
	}
}

func TestCreate_StoreFailureIsFatal(t *testing.T) {
	a, mirror := newAdapter(t)
	ctx := context.Background()

	bad := makeSession("d1")
	bad.Status = "nope"
	err := a.CreateSession(ctx, "/tmp/ws", bad)
	if !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	mirrored, _ := mirror.Load("/tmp/ws")
	if len(mirrored) != 0 {
		t.Fatal("failed store write must not reach the mirror")
	}
}

func TestCreate_MirrorFailureIsSwallowed(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "sessions.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// Point the mirror's directory at a plain file so every mirror write
	// fails.
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	mirror := legacy.NewStore(filepath.Join(blocked, "sessions"))
	a := New(store, mirror, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := a.CreateSession(context.Background(), "/tmp/ws", makeSession("d1")); err != nil {
		t.Fatalf("mirror failure must not surface: %v", err)
	}
	if _, err := a.GetSession(context.Background(), "/tmp/ws", "d1"); err != nil {
		t.Fatalf("store write must survive mirror failure: %v", err)
	}
}

func TestUpdate_MirrorsPersistedForm(t *testing.T) {
	a, mirror := newAdapter(t)
	ctx := context.Background()

	if err := a.CreateSession(ctx, "/tmp/ws", makeSession("d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// WinnerID references a dropped instance; the store clears it and the
	// mirror must see the cleared form.
	updated := makeSession("d1")
	updated.Task = "updated task"
	winner := 9
	updated.WinnerID = &winner
	if err := a.UpdateSession(ctx, "/tmp/ws", updated); err != nil {
		t.Fatalf("update: %v", err)
	}

	mirrored, _ := mirror.Load("/tmp/ws")
	if len(mirrored) != 1 || mirrored[0].Task != "updated task" {
		t.Fatalf("mirror not updated: %+v", mirrored)
	}
	if mirrored[0].WinnerID != nil {
		t.Fatal("mirror must carry the persisted form with winner cleared")
	}
	stored, _ := a.GetSession(ctx, "/tmp/ws", "d1")
	if mirrored[0].UpdatedAt != stored.UpdatedAt {
		t.Fatalf("mirror updatedAt diverges: %s vs %s", mirrored[0].UpdatedAt, stored.UpdatedAt)
	}
}

func TestDelete_RemovesFromBoth(t *testing.T) {
	a, mirror := newAdapter(t)
	ctx := context.Background()

	_ = a.CreateSession(ctx, "/tmp/ws", makeSession("d1"))
	if err := a.DeleteSession(ctx, "/tmp/ws", "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := a.GetSession(ctx, "/tmp/ws", "d1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("store still has session: %v", err)
	}
	mirrored, _ := mirror.Load("/tmp/ws")
	if len(mirrored) != 0 {
		t.Fatalf("mirror still has session: %+v", mirrored)
	}
}

func TestAppendAndInstanceStatus_Mirrored(t *testing.T) {
	a, mirror := newAdapter(t)
	ctx := context.Background()

	_ = a.CreateSession(ctx, "/tmp/ws", makeSession("d1"))

	msg := &persistence.ChatMessage{
		ID: "m1", Role: persistence.RoleUser, Content: "hello",
		Timestamp: persistence.NowUTC(),
	}
	if err := a.AppendChatMessage(ctx, "/tmp/ws", "d1", msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.UpdateInstanceStatus(ctx, "/tmp/ws", "d1", 1, persistence.InstanceCompleted); err != nil {
		t.Fatalf("instance status: %v", err)
	}

	mirrored, _ := mirror.Load("/tmp/ws")
	if len(mirrored[0].ChatHistory) != 1 {
		t.Fatalf("message not mirrored: %+v", mirrored[0].ChatHistory)
	}
	if mirrored[0].Instances[0].Status != persistence.InstanceCompleted {
		t.Fatalf("instance status not mirrored: %s", mirrored[0].Instances[0].Status)
	}
}

func TestListSessions_ForwardsToStore(t *testing.T) {
	a, _ := newAdapter(t)
	ctx := context.Background()

	_ = a.CreateSession(ctx, "/tmp/ws", makeSession("d1"))
	_ = a.CreateSession(ctx, "/tmp/ws", makeSession("d2"))

	rows, err := a.ListSessions(ctx, "/tmp/ws", persistence.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(rows))
	}
	filtered, err := a.ListSessions(ctx, "/tmp/ws", persistence.ListFilter{Search: "d2"})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "d2" {
		t.Fatalf("filter not forwarded: %+v", filtered)
	}
}

func TestCheckConsistency(t *testing.T) {
	a, mirror := newAdapter(t)
	ctx := context.Background()

	// One session in both, written through the adapter.
	_ = a.CreateSession(ctx, "/tmp/ws", makeSession("both"))

	// One only in the store.
	if err := a.Store().CreateSession(ctx, "/tmp/ws", makeSession("store-only")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// One only in the mirror, and one diverged.
	_ = mirror.Upsert("/tmp/ws", makeSession("mirror-only"))
	diverged := makeSession("both")
	diverged.UpdatedAt = "2026-06-09T00:00:00Z"

	report, err := a.CheckConsistency(ctx, "/tmp/ws")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.Matched) != 1 || report.Matched[0] != "both" {
		t.Fatalf("matched wrong: %+v", report)
	}
	if len(report.NewOnly) != 1 || report.NewOnly[0] != "store-only" {
		t.Fatalf("new-only wrong: %+v", report)
	}
	if len(report.LegacyOnly) != 1 || report.LegacyOnly[0] != "mirror-only" {
		t.Fatalf("legacy-only wrong: %+v", report)
	}
	if report.Clean() {
		t.Fatal("report with strays must not be clean")
	}

	// Now diverge the mirrored copy of "both".
	_ = mirror.Upsert("/tmp/ws", diverged)
	report, err = a.CheckConsistency(ctx, "/tmp/ws")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.Mismatched) != 1 || report.Mismatched[0] != "both" {
		t.Fatalf("mismatched wrong: %+v", report)
	}
}

func TestCheckConsistency_CatchesContentDivergence(t *testing.T) {
	a, mirror := newAdapter(t)
	ctx := context.Background()

	_ = a.CreateSession(ctx, "/tmp/ws", makeSession("d1"))
	stored, err := a.GetSession(ctx, "/tmp/ws", "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Same updatedAt, different content. A timestamp-only comparison
	// would wave this through.
	diverged := *stored
	diverged.Task = "silently rewritten"
	if err := mirror.Upsert("/tmp/ws", &diverged); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	report, err := a.CheckConsistency(ctx, "/tmp/ws")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.Mismatched) != 1 || report.Mismatched[0] != "d1" {
		t.Fatalf("content divergence not reported: %+v", report)
	}
}

func TestCheckConsistency_CleanAfterAdapterWrites(t *testing.T) {
	a, _ := newAdapter(t)
	ctx := context.Background()

	_ = a.CreateSession(ctx, "/tmp/ws", makeSession("d1"))
	if err := a.AppendChatMessage(ctx, "/tmp/ws", "d1", &persistence.ChatMessage{
		ID: "m1", Role: persistence.RoleUser, Content: "hi",
		Timestamp: persistence.NowUTC(),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.UpdateInstanceStatus(ctx, "/tmp/ws", "d1", 1, persistence.InstanceCompleted); err != nil {
		t.Fatalf("instance status: %v", err)
	}

	// The mirror carries the persisted form, so routine writes must not
	// drift the two copies apart.
	report, err := a.CheckConsistency(ctx, "/tmp/ws")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Clean() || len(report.Matched) != 1 {
		t.Fatalf("adapter writes must stay consistent: %+v", report)
	}
}
