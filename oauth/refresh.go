// Package oauth provides background credential refresh scheduling. It
// performs jittered sweeps over stored broadcaster credentials and refreshes
// any whose tokens have aged past a configured window, so user tokens stay
// warm between dashboard visits instead of only recovering on a 401.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/clipdash/backend/twitchapi"
)

// StartRefresher launches a goroutine that periodically sweeps the stored
// broadcaster credentials and refreshes any not updated within maxAge.
// interval: how often to wake up and sweep.
// maxAge: refresh when a credential's last update is older than this.
func StartRefresher(ctx context.Context, db *sql.DB, store twitchapi.BroadcasterCredentialStore, refresher twitchapi.UserRefresher, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 3 * time.Hour
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			SweepOnce(ctx, db, store, refresher, maxAge)
		}
	}()
}

// SweepOnce refreshes every credential older than maxAge. Failures are logged
// per owner and do not stop the sweep.
func SweepOnce(ctx context.Context, db *sql.DB, store twitchapi.BroadcasterCredentialStore, refresher twitchapi.UserRefresher, maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	rows, err := db.QueryContext(ctx,
		`SELECT owner_id FROM broadcaster_credentials WHERE updated_at < $1 ORDER BY updated_at`, cutoff)
	if err != nil {
		slog.Warn("credential sweep query failed", slog.Any("err", err))
		return
	}
	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			rows.Close()
			slog.Warn("credential sweep scan failed", slog.Any("err", err))
			return
		}
		owners = append(owners, owner)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		slog.Warn("credential sweep failed", slog.Any("err", err))
		return
	}

	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		_, _, refreshToken, _, err := store.GetBroadcasterCredential(ctx, owner)
		if err != nil {
			slog.Warn("credential read failed", slog.String("owner", owner), slog.Any("err", err))
			continue
		}
		if refreshToken == "" {
			continue
		}
		// Small pre-refresh jitter to avoid stampedes when many pods see the
		// same stale set.
		//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
		pre := time.Duration(rand.Int63n(int64(2 * time.Second)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(pre):
		}
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, ok := refresher.Refresh(ctx2, owner, refreshToken)
		cancel()
		if !ok {
			slog.Warn("scheduled credential refresh failed", slog.String("owner", owner))
		}
	}
}
