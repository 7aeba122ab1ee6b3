package ghost

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeRoomID(t *testing.T) {
	assert.Equal(t, "abc-DEF_123", SanitizeRoomID("abc-DEF_123"))
	assert.Equal(t, "room_1_2", SanitizeRoomID("room/1.2"))
	assert.Equal(t, "__", SanitizeRoomID("ü!"))
	assert.Equal(t, "", SanitizeRoomID(""))
	assert.Equal(t, "ghost_.json", FileName(""))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", FormatDuration(0))
	assert.Equal(t, "00:01", FormatDuration(500))
	assert.Equal(t, "01:05", FormatDuration(65_000))
	assert.Equal(t, "61:00", FormatDuration(3_660_000))
	assert.Equal(t, "00:00", FormatDuration(-3000))
}

func TestSnapshotRecording(t *testing.T) {
	created := time.Date(2026, 1, 2, 23, 59, 0, 0, time.UTC)
	snap := Snapshot{
		RoomID:    "abc",
		CreatedAt: created,
		ClosedAt:  created.Add(10 * time.Minute),
		Events: []Event{
			{"t_ms": 1, FieldReceivedAt: created.Add(90 * time.Second).UnixMilli()},
			{"t_ms": 2, FieldReceivedAt: created.Add(95 * time.Second).UnixMilli()},
		},
	}

	rec := snap.Recording()
	assert.Equal(t, "abc", rec.RoomID)
	assert.Equal(t, "2026-01-02T23:59:00.000Z", rec.CreatedAt)
	assert.Equal(t, int64(5000), rec.DurationMS)
	assert.Equal(t, "2026-01-03/ghost_abc.json", snap.RelPath())
}

type recordingAudit struct{ lines []string }

func (r *recordingAudit) LogAudit(_ context.Context, tag, message string) error {
	r.lines = append(r.lines, "["+tag+"] "+message)
	return nil
}

type recordingIndex struct{ entries []IndexEntry }

func (r *recordingIndex) IndexGhost(_ context.Context, e IndexEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

type failingMirror struct{ calls int }

func (f *failingMirror) MirrorGhost(context.Context, string, []byte) error {
	f.calls++
	return errors.New("bucket unreachable")
}

func TestFlusherWritesOnceWithSideEffects(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "ghosts"))
	require.NoError(t, err)

	auditLog := &recordingAudit{}
	index := &recordingIndex{}
	mirror := &failingMirror{}
	f := NewFlusher(store, WithAudit(auditLog), WithIndex(index), WithMirror(mirror))

	created := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	snap := Snapshot{
		RoomID:    "abc",
		CreatedAt: created,
		ClosedAt:  created.Add(time.Minute),
		Events: []Event{{
			"t_ms":          100,
			FieldReceivedAt: created.Add(time.Second).UnixMilli(),
			FieldSenderID:   "client-1",
			FieldPingAvgMS:  0,
		}},
	}
	require.NoError(t, f.Flush(context.Background(), snap))

	path := filepath.Join(store.Root(), "2026-05-06", "ghost_abc.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "}\n"))

	var rec Recording
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "abc", rec.RoomID)
	assert.Len(t, rec.Events, 1)
	assert.Equal(t, int64(0), rec.DurationMS)

	require.Len(t, auditLog.lines, 1)
	assert.Equal(t, "[RELAY] ghost recorded for room:abc (duration: 00:00)", auditLog.lines[0])
	require.Len(t, index.entries, 1)
	assert.Equal(t, "2026-05-06/ghost_abc.json", index.entries[0].RelPath)
	assert.Equal(t, 1, index.entries[0].EventCount)
	assert.Equal(t, 1, mirror.calls, "mirror failure must not fail the flush")

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not remain next to the recording")
}

func TestFlusherSkipsEmptySnapshot(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	auditLog := &recordingAudit{}

	err = NewFlusher(store, WithAudit(auditLog)).Flush(context.Background(), Snapshot{RoomID: "empty"})
	require.NoError(t, err)

	entries, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, auditLog.lines)
}

func TestFlusherReportsWriteFailure(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	// A regular file where the date directory should go makes the write fail.
	require.NoError(t, os.WriteFile(filepath.Join(root, "1970-01-01"), []byte("x"), 0o644))

	snap := Snapshot{RoomID: "r", Events: []Event{{FieldReceivedAt: int64(1)}}}
	assert.Error(t, NewFlusher(store).Flush(context.Background(), snap))
}

func TestStoreLoadResolvesIdentifiers(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, room := range []string{"alpha", "beta"} {
		data, err := Encode(Recording{RoomID: room, Events: []Event{}})
		require.NoError(t, err)
		_, err = store.Write(context.Background(), "2026-02-01/"+FileName(room), data)
		require.NoError(t, err)
	}

	rec, _, err := store.Load("2026-02-01/ghost_alpha.json")
	require.NoError(t, err)
	assert.Equal(t, "alpha", rec.RoomID)

	rec, path, err := store.Load("beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", rec.RoomID)
	assert.True(t, filepath.IsAbs(path) || strings.Contains(path, "ghost_beta.json"))

	rec, _, err = store.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "beta", rec.RoomID)

	_, _, err = store.Load("gamma")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err = store.Get("2026-02-01", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", rec.RoomID)

	_, err = store.Get("2026-02-02", "alpha")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get("..", "alpha")
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	a := Recording{Events: []Event{
		{"t_ms": json.Number("1000"), "position": map[string]any{"speed": json.Number("3.0")}},
		{"t_ms": json.Number("2000"), "velocity": 2.0},
	}}
	b := Recording{Events: []Event{
		{"stride": 3.2},
		{"velocity": 2.9},
		{"velocity": 1.0},
	}}

	rows := Compare(a, b)
	require.Len(t, rows, 3)

	assert.InDelta(t, 1.0, rows[0].TimeSec, 1e-9)
	assert.False(t, rows[0].Diverged())
	assert.Equal(t, "[t=1.0s] ghostA: 3.00 m/s   ghostB: 3.20 m/s", rows[0].String())

	assert.True(t, rows[1].Diverged())
	assert.Equal(t, "[t=2.0s] ghostA: 2.00 m/s   ghostB: 2.90 m/s divergence > 0.90 m/s", rows[1].String())

	assert.Nil(t, rows[2].SpeedA)
	assert.InDelta(t, 2.0, rows[2].TimeSec, 1e-9)
	assert.Equal(t, "[t=2.0s] ghostA: n/a   ghostB: 1.00 m/s", rows[2].String())
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "2026-01-01/ghost_a.json", ObjectKey("", "2026-01-01/ghost_a.json"))
	assert.Equal(t, "ghosts/2026-01-01/ghost_a.json", ObjectKey("/ghosts/", "/2026-01-01/ghost_a.json"))
}
