package eventsub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/clipdash/backend/twitchapi"
)

// ConduitAPI is the Helix surface the conduit manager needs.
type ConduitAPI interface {
	GetConduits(ctx context.Context) ([]twitchapi.Conduit, error)
	CreateConduit(ctx context.Context, shardCount int) (*twitchapi.Conduit, error)
	UpdateConduitShards(ctx context.Context, conduitID string, shards []twitchapi.ConduitShard) error
	DeleteConduit(ctx context.Context, conduitID string) error
}

// ConduitManager owns the single conduit this service delivers through. Setup
// finds or creates it and points shard 0 at the webhook callback; a preferred
// id from config wins when it still exists.
type ConduitManager struct {
	Client      ConduitAPI
	PreferredID string
	CallbackURL string
	Secret      string
}

// Setup ensures a usable conduit exists and its shard 0 transport is current.
// Returns the conduit id to hand to subscription creation.
func (m *ConduitManager) Setup(ctx context.Context) (string, error) {
	conduits, err := m.Client.GetConduits(ctx)
	if err != nil {
		return "", fmt.Errorf("list conduits: %w", err)
	}

	id := ""
	for _, c := range conduits {
		if m.PreferredID != "" && c.ID == m.PreferredID {
			id = c.ID
			break
		}
	}
	if id == "" && m.PreferredID == "" && len(conduits) > 0 {
		id = conduits[0].ID
	}

	if id == "" {
		created, err := m.Client.CreateConduit(ctx, 1)
		if err != nil {
			return "", fmt.Errorf("create conduit: %w", err)
		}
		id = created.ID
		slog.Info("conduit created", slog.String("conduit_id", id))
	} else {
		slog.Info("reusing existing conduit", slog.String("conduit_id", id))
	}

	if err := m.configureShard(ctx, id); err != nil {
		// The stored id can refer to a conduit Twitch has since expired.
		// Recreate once and repoint the shard.
		slog.Warn("shard configuration failed, recreating conduit", slog.String("conduit_id", id), slog.Any("err", err))
		created, cerr := m.Client.CreateConduit(ctx, 1)
		if cerr != nil {
			return "", fmt.Errorf("recreate conduit: %w", cerr)
		}
		id = created.ID
		if err := m.configureShard(ctx, id); err != nil {
			return "", fmt.Errorf("configure shard: %w", err)
		}
	}

	return id, nil
}

func (m *ConduitManager) configureShard(ctx context.Context, conduitID string) error {
	return m.Client.UpdateConduitShards(ctx, conduitID, []twitchapi.ConduitShard{{
		ID: "0",
		Transport: twitchapi.Transport{
			Method:   "webhook",
			Callback: m.CallbackURL,
			Secret:   m.Secret,
		},
	}})
}

// Cleanup deletes the conduit. Used on controlled teardown only; restarts keep
// the conduit so subscriptions survive.
func (m *ConduitManager) Cleanup(ctx context.Context, conduitID string) {
	if conduitID == "" {
		return
	}
	if err := m.Client.DeleteConduit(ctx, conduitID); err != nil {
		slog.Warn("conduit cleanup failed", slog.String("conduit_id", conduitID), slog.Any("err", err))
		return
	}
	slog.Info("conduit deleted", slog.String("conduit_id", conduitID))
}
