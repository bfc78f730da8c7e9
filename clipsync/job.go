package clipsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/onnwee/clipdash/backend/eventsub"
)

// Trigger runs one sync for an owner/broadcaster pair, skipping the benign
// not-started cases so callers can fire and forget.
func (s *Syncer) Trigger(ctx context.Context, ownerID, broadcasterID, reason string) {
	err := s.Sync(ctx, ownerID, broadcasterID)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrSyncDebounced):
		slog.Debug("clip sync skipped",
			slog.String("owner", ownerID),
			slog.String("reason", reason),
			slog.Any("err", err))
	default:
		slog.Error("clip sync failed",
			slog.String("owner", ownerID),
			slog.String("reason", reason),
			slog.Any("err", err))
	}
}

// StreamOfflineHandler returns the EventSub handler that syncs clips when a
// broadcaster's stream ends, honoring the owner's sync_on_stream_end
// preference. The sync runs in its own goroutine so the webhook ack is not
// held up by pagination.
func StreamOfflineHandler(dbx *sql.DB, s *Syncer) eventsub.Handler {
	return func(n *eventsub.Notification) {
		var ev struct {
			BroadcasterUserID string `json:"broadcaster_user_id"`
		}
		if err := json.Unmarshal(n.Event, &ev); err != nil || ev.BroadcasterUserID == "" {
			slog.Warn("stream.offline event unreadable", slog.Any("err", err))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ownerID, err := ownerForBroadcaster(ctx, dbx, ev.BroadcasterUserID)
		if err != nil {
			cancel()
			slog.Warn("no owner for broadcaster",
				slog.String("broadcaster_id", ev.BroadcasterUserID), slog.Any("err", err))
			return
		}
		enabled, err := syncOnStreamEnd(ctx, dbx, ownerID)
		cancel()
		if err != nil {
			slog.Warn("sync preference lookup failed", slog.String("owner", ownerID), slog.Any("err", err))
			return
		}
		if !enabled {
			slog.Debug("stream-end sync disabled", slog.String("owner", ownerID))
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			s.Trigger(ctx, ownerID, ev.BroadcasterUserID, "stream.offline")
		}()
	}
}

func ownerForBroadcaster(ctx context.Context, dbx *sql.DB, broadcasterID string) (string, error) {
	var ownerID string
	err := dbx.QueryRowContext(ctx,
		`SELECT owner_id FROM broadcaster_credentials WHERE broadcaster_id = $1`,
		broadcasterID).Scan(&ownerID)
	if err != nil {
		return "", err
	}
	return ownerID, nil
}

func syncOnStreamEnd(ctx context.Context, dbx *sql.DB, ownerID string) (bool, error) {
	var enabled bool
	err := dbx.QueryRowContext(ctx,
		`SELECT sync_on_stream_end FROM sync_preferences WHERE owner_id = $1`,
		ownerID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}

// ScheduleAll registers a cron entry that syncs every connected broadcaster on
// the given schedule ("@hourly", "0 3 * * *", ...). The returned cron is not
// started; the caller owns Start/Stop.
func ScheduleAll(c *cron.Cron, dbx *sql.DB, s *Syncer, schedule string) error {
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := SyncAll(ctx, dbx, s); err != nil {
			slog.Error("scheduled clip sync failed", slog.Any("err", err))
		}
	})
	if err != nil {
		return fmt.Errorf("register clip sync schedule %q: %w", schedule, err)
	}
	slog.Info("clip sync scheduled", slog.String("schedule", schedule))
	return nil
}

// SyncAll runs a sync for every owner with stored credentials, sequentially.
// Individual failures are logged and do not stop the sweep.
func SyncAll(ctx context.Context, dbx *sql.DB, s *Syncer) error {
	rows, err := dbx.QueryContext(ctx,
		`SELECT owner_id, broadcaster_id FROM broadcaster_credentials ORDER BY owner_id`)
	if err != nil {
		return fmt.Errorf("list connected broadcasters: %w", err)
	}
	defer rows.Close()

	type pair struct{ owner, broadcaster string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.owner, &p.broadcaster); err != nil {
			return fmt.Errorf("scan broadcaster row: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range pairs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Trigger(ctx, p.owner, p.broadcaster, "schedule")
	}
	return nil
}
