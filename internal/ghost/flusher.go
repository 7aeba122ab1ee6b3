package ghost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/audit"
)

// AuditTag is the audit category used for ghost entries.
const AuditTag = "RELAY"

// IndexEntry summarises one flushed recording for the metadata index.
type IndexEntry struct {
	RoomID     string
	RelPath    string
	CreatedAt  time.Time
	ClosedAt   time.Time
	DurationMS int64
	EventCount int
	SizeBytes  int64
}

// Index records flushed recordings, e.g. in sqlite.
type Index interface {
	IndexGhost(ctx context.Context, entry IndexEntry) error
}

// Mirror copies a flushed recording to secondary storage.
type Mirror interface {
	MirrorGhost(ctx context.Context, relPath string, data []byte) error
}

// Flusher writes a room's snapshot once at teardown and then notifies the
// audit log, the index and the mirror. Only the file write can fail a flush;
// the follow-up steps are logged and skipped on error.
type Flusher struct {
	store  *Store
	audit  audit.Logger
	index  Index
	mirror Mirror
}

// FlusherOption configures optional Flusher collaborators.
type FlusherOption func(*Flusher)

// WithAudit sets the audit logger.
func WithAudit(l audit.Logger) FlusherOption { return func(f *Flusher) { f.audit = l } }

// WithIndex sets the metadata index.
func WithIndex(i Index) FlusherOption { return func(f *Flusher) { f.index = i } }

// WithMirror sets the secondary copy target.
func WithMirror(m Mirror) FlusherOption { return func(f *Flusher) { f.mirror = m } }

// NewFlusher returns a Flusher writing into store.
func NewFlusher(store *Store, opts ...FlusherOption) *Flusher {
	f := &Flusher{store: store}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Flush persists snap. Empty snapshots are skipped without error.
func (f *Flusher) Flush(ctx context.Context, snap Snapshot) error {
	if len(snap.Events) == 0 {
		slog.Debug("ghost flush skipped, no events", "room_id", snap.RoomID)
		return nil
	}

	rec := snap.Recording()
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	relPath := snap.RelPath()
	path, err := f.store.Write(ctx, relPath, data)
	if err != nil {
		return fmt.Errorf("write ghost for room %q: %w", snap.RoomID, err)
	}

	if f.audit != nil {
		msg := fmt.Sprintf("ghost recorded for room:%s (duration: %s)", snap.RoomID, FormatDuration(rec.DurationMS))
		if err := f.audit.LogAudit(ctx, AuditTag, msg); err != nil {
			slog.Warn("ghost audit entry failed", "room_id", snap.RoomID, "err", err)
		}
	}
	if f.index != nil {
		entry := IndexEntry{
			RoomID:     snap.RoomID,
			RelPath:    relPath,
			CreatedAt:  snap.CreatedAt,
			ClosedAt:   snap.ClosedAt,
			DurationMS: rec.DurationMS,
			EventCount: len(rec.Events),
			SizeBytes:  int64(len(data)),
		}
		if err := f.index.IndexGhost(ctx, entry); err != nil {
			slog.Warn("ghost index insert failed", "room_id", snap.RoomID, "err", err)
		}
	}
	if f.mirror != nil {
		if err := f.mirror.MirrorGhost(ctx, relPath, data); err != nil {
			slog.Warn("ghost mirror upload failed", "room_id", snap.RoomID, "err", err)
		}
	}

	slog.Info("persisted ghost recording", "room_id", snap.RoomID, "path", path, "events", len(rec.Events), "duration_ms", rec.DurationMS)
	return nil
}
