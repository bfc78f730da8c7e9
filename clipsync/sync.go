// Package clipsync pulls a broadcaster's clip catalog from Helix into
// Postgres. Runs are serialized per owner through a status row, mirror the
// platform exactly (upsert then prune), and can be debounced.
package clipsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/clipdash/backend/twitchapi"
)

var (
	// ErrSyncInProgress means another run holds the owner's sync slot.
	ErrSyncInProgress = errors.New("clip sync already in progress")
	// ErrSyncDebounced means the previous run finished too recently.
	ErrSyncDebounced = errors.New("clip sync debounced")
)

// ClipLister is the Helix surface the syncer needs.
type ClipLister interface {
	ListClips(ctx context.Context, broadcasterID, after string, first int) ([]twitchapi.Clip, string, error)
}

// Status is one owner's clip_sync_status row.
type Status struct {
	OwnerID    string     `json:"owner_id"`
	Status     string     `json:"status"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	ClipCount  int        `json:"clip_count"`
	LastError  string     `json:"last_error,omitempty"`
}

// Syncer runs full clip synchronizations. Safe for concurrent use; per-owner
// mutual exclusion lives in the database, so it holds across replicas too.
type Syncer struct {
	DB          *sql.DB
	Client      ClipLister
	PageSize    int           // clips per Helix page, 1..100
	MinInterval time.Duration // 0 disables debouncing

	// Observability hooks, wired to metrics.
	OnRun         func(outcome string)
	OnClipsSynced func(n int)
	OnDuration    func(d time.Duration)
}

func (s *Syncer) pageSize() int {
	if s.PageSize >= 1 && s.PageSize <= 100 {
		return s.PageSize
	}
	return 100
}

// Sync performs one full synchronization of ownerID's clips for
// broadcasterID. Returns ErrSyncInProgress or ErrSyncDebounced when the run
// does not start; any other error means the run started and failed, leaving
// status 'failed' with the message recorded.
func (s *Syncer) Sync(ctx context.Context, ownerID, broadcasterID string) error {
	if err := s.checkDebounce(ctx, ownerID); err != nil {
		return err
	}
	if err := s.acquire(ctx, ownerID); err != nil {
		return err
	}

	start := time.Now().UTC()
	count, err := s.run(ctx, ownerID, broadcasterID, start)
	if s.OnDuration != nil {
		s.OnDuration(time.Since(start))
	}
	if err != nil {
		s.finishFailed(ownerID, err)
		if s.OnRun != nil {
			s.OnRun("failed")
		}
		return err
	}

	s.finishOK(ctx, ownerID, count)
	if s.OnRun != nil {
		s.OnRun("success")
	}
	if s.OnClipsSynced != nil {
		s.OnClipsSynced(count)
	}
	slog.Info("clip sync complete",
		slog.String("owner", ownerID),
		slog.String("broadcaster_id", broadcasterID),
		slog.Int("clips", count),
		slog.Duration("took", time.Since(start)))
	return nil
}

func (s *Syncer) checkDebounce(ctx context.Context, ownerID string) error {
	if s.MinInterval <= 0 {
		return nil
	}
	var last sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT last_sync_at FROM clip_sync_status WHERE owner_id = $1`, ownerID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read sync status: %w", err)
	}
	if last.Valid && time.Since(last.Time) < s.MinInterval {
		return ErrSyncDebounced
	}
	return nil
}

// acquire flips the owner's status row to 'syncing'. The conditional upsert is
// the mutual exclusion: exactly one contender gets a row back.
func (s *Syncer) acquire(ctx context.Context, ownerID string) error {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO clip_sync_status (owner_id, status, updated_at)
		VALUES ($1, 'syncing', NOW())
		ON CONFLICT (owner_id) DO UPDATE
			SET status = 'syncing', updated_at = NOW()
			WHERE clip_sync_status.status <> 'syncing'`, ownerID)
	if err != nil {
		return fmt.Errorf("acquire sync slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire sync slot: %w", err)
	}
	if n == 0 {
		return ErrSyncInProgress
	}
	return nil
}

func (s *Syncer) run(ctx context.Context, ownerID, broadcasterID string, start time.Time) (int, error) {
	ctx = twitchapi.WithOwner(ctx, ownerID)
	count := 0
	cursor := ""
	for {
		clips, next, err := s.Client.ListClips(ctx, broadcasterID, cursor, s.pageSize())
		if err != nil {
			return count, fmt.Errorf("list clips: %w", err)
		}
		for i := range clips {
			if err := s.upsertClip(ctx, ownerID, broadcasterID, &clips[i], start); err != nil {
				return count, err
			}
			count++
		}
		// An empty page ends the run even when a cursor comes with it;
		// Helix can hand back a cursor on its final page.
		if len(clips) == 0 || next == "" {
			break
		}
		cursor = next
	}

	// Clips the platform no longer returns keep their pre-run synced_at and
	// get swept here, so deletions on Twitch propagate.
	if _, err := s.DB.ExecContext(ctx, `
		DELETE FROM clips
		WHERE owner_id = $1 AND broadcaster_id = $2
		  AND (synced_at IS NULL OR synced_at < $3)`,
		ownerID, broadcasterID, start); err != nil {
		return count, fmt.Errorf("prune stale clips: %w", err)
	}
	return count, nil
}

func (s *Syncer) upsertClip(ctx context.Context, ownerID, broadcasterID string, c *twitchapi.Clip, syncedAt time.Time) error {
	var createdAt any
	if t, err := time.Parse(time.RFC3339, c.CreatedAt); err == nil {
		createdAt = t
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO clips (
			twitch_clip_id, owner_id, broadcaster_id, title, url, embed_url,
			creator_name, game_id, language, view_count, duration_seconds,
			vod_id, vod_offset_seconds, is_featured, thumbnail_url,
			clip_created_at, synced_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (twitch_clip_id) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			embed_url = EXCLUDED.embed_url,
			view_count = EXCLUDED.view_count,
			duration_seconds = EXCLUDED.duration_seconds,
			vod_id = EXCLUDED.vod_id,
			vod_offset_seconds = EXCLUDED.vod_offset_seconds,
			is_featured = EXCLUDED.is_featured,
			thumbnail_url = EXCLUDED.thumbnail_url,
			synced_at = EXCLUDED.synced_at`,
		c.ID, ownerID, broadcasterID, c.Title, c.URL, c.EmbedURL,
		c.CreatorName, c.GameID, c.Language, c.ViewCount, c.Duration,
		c.VideoID, c.VODOffset, c.IsFeatured, c.ThumbnailURL,
		createdAt, syncedAt)
	if err != nil {
		return fmt.Errorf("upsert clip %s: %w", c.ID, err)
	}
	return nil
}

func (s *Syncer) finishOK(ctx context.Context, ownerID string, count int) {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE clip_sync_status
		SET status = 'success', last_sync_at = NOW(), clip_count = $2,
		    last_error = NULL, updated_at = NOW()
		WHERE owner_id = $1`, ownerID, count)
	if err != nil {
		slog.Error("sync status update failed", slog.String("owner", ownerID), slog.Any("err", err))
	}
}

// finishFailed releases the slot even when the triggering context is dead.
func (s *Syncer) finishFailed(ownerID string, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE clip_sync_status
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE owner_id = $1`, ownerID, runErr.Error())
	if err != nil {
		slog.Error("sync status update failed", slog.String("owner", ownerID), slog.Any("err", err))
	}
}

// GetStatus reads one owner's sync status. A missing row reports as idle.
func GetStatus(ctx context.Context, dbx *sql.DB, ownerID string) (*Status, error) {
	st := &Status{OwnerID: ownerID, Status: "idle"}
	var last sql.NullTime
	var lastErr sql.NullString
	err := dbx.QueryRowContext(ctx, `
		SELECT status, last_sync_at, clip_count, last_error
		FROM clip_sync_status WHERE owner_id = $1`, ownerID).
		Scan(&st.Status, &last, &st.ClipCount, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sync status: %w", err)
	}
	if last.Valid {
		st.LastSyncAt = &last.Time
	}
	st.LastError = lastErr.String
	return st, nil
}
