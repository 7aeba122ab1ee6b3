package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/ghost"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestIndexGhostAndList(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for i, room := range []string{"abc", "def"} {
		entry := ghost.IndexEntry{
			RoomID:     room,
			RelPath:    "2023-11-14/" + ghost.FileName(room),
			CreatedAt:  base,
			ClosedAt:   base.Add(time.Duration(i+1) * time.Minute),
			DurationMS: int64(i * 1000),
			EventCount: i + 1,
			SizeBytes:  100,
		}
		if err := st.IndexGhost(ctx, entry); err != nil {
			t.Fatalf("index ghost %s: %v", room, err)
		}
	}

	rows, err := st.ListGhosts(ctx, 10)
	if err != nil {
		t.Fatalf("list ghosts: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].RoomID != "def" || rows[1].RoomID != "abc" {
		t.Fatalf("expected newest first, got %s then %s", rows[0].RoomID, rows[1].RoomID)
	}
	if !rows[1].CreatedAt.Equal(base) {
		t.Fatalf("created_at = %s, want %s", rows[1].CreatedAt, base)
	}

	got, err := st.GhostByPath(ctx, "2023-11-14/ghost_abc.json")
	if err != nil {
		t.Fatalf("ghost by path: %v", err)
	}
	if got.RoomID != "abc" || got.EventCount != 1 {
		t.Fatalf("unexpected row: %+v", got)
	}

	if _, err := st.GhostByPath(ctx, "missing.json"); !errors.Is(err, ErrGhostNotFound) {
		t.Fatalf("expected ErrGhostNotFound, got %v", err)
	}
}

func TestIndexGhostRequiresPath(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	if err := st.IndexGhost(context.Background(), ghost.IndexEntry{RoomID: "x"}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAuditEntries(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	st.now = func() time.Time { return time.UnixMilli(42).UTC() }
	ctx := context.Background()

	if err := st.LogAudit(ctx, "RELAY", "ghost recorded for room:abc (duration: 00:01)"); err != nil {
		t.Fatalf("log audit: %v", err)
	}
	if err := st.LogAudit(ctx, "RELAY", "second"); err != nil {
		t.Fatalf("log audit: %v", err)
	}

	rows, err := st.AuditEntries(ctx, 1)
	if err != nil {
		t.Fatalf("audit entries: %v", err)
	}
	if len(rows) != 1 || rows[0].Message != "second" || rows[0].Tag != "RELAY" {
		t.Fatalf("unexpected audit rows: %+v", rows)
	}
	if rows[0].CreatedAt.UnixMilli() != 42 {
		t.Fatalf("created_at = %d, want 42", rows[0].CreatedAt.UnixMilli())
	}
}
