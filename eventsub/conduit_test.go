package eventsub

import (
	"context"
	"errors"
	"testing"

	"github.com/onnwee/clipdash/backend/twitchapi"
)

type fakeConduitAPI struct {
	conduits    []twitchapi.Conduit
	nextID      int
	shardCalls  []string // conduit ids passed to UpdateConduitShards
	staleShards map[string]bool
	deleted     []string
}

func (f *fakeConduitAPI) GetConduits(ctx context.Context) ([]twitchapi.Conduit, error) {
	return f.conduits, nil
}

func (f *fakeConduitAPI) CreateConduit(ctx context.Context, shardCount int) (*twitchapi.Conduit, error) {
	f.nextID++
	c := twitchapi.Conduit{ID: "new-" + string(rune('a'+f.nextID-1)), ShardCount: shardCount}
	f.conduits = append(f.conduits, c)
	return &c, nil
}

func (f *fakeConduitAPI) UpdateConduitShards(ctx context.Context, conduitID string, shards []twitchapi.ConduitShard) error {
	f.shardCalls = append(f.shardCalls, conduitID)
	if f.staleShards[conduitID] {
		return &twitchapi.APIError{StatusCode: 404, Message: "conduit not found"}
	}
	if len(shards) != 1 || shards[0].Transport.Method != "webhook" {
		return errors.New("unexpected shard config")
	}
	return nil
}

func (f *fakeConduitAPI) DeleteConduit(ctx context.Context, conduitID string) error {
	f.deleted = append(f.deleted, conduitID)
	return nil
}

func newConduitManager(api ConduitAPI) *ConduitManager {
	return &ConduitManager{
		Client:      api,
		CallbackURL: "https://example.com/eventsub/webhook",
		Secret:      "s",
	}
}

func TestConduitManager_CreatesWhenNoneExist(t *testing.T) {
	api := &fakeConduitAPI{}
	m := newConduitManager(api)

	id, err := m.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if id == "" {
		t.Fatal("empty conduit id")
	}
	if len(api.shardCalls) != 1 || api.shardCalls[0] != id {
		t.Errorf("shard calls = %v", api.shardCalls)
	}
}

func TestConduitManager_ReusesExisting(t *testing.T) {
	api := &fakeConduitAPI{conduits: []twitchapi.Conduit{{ID: "c1", ShardCount: 1}}}
	m := newConduitManager(api)

	id, err := m.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if id != "c1" {
		t.Errorf("id = %q, want c1", id)
	}
}

func TestConduitManager_PrefersConfiguredID(t *testing.T) {
	api := &fakeConduitAPI{conduits: []twitchapi.Conduit{
		{ID: "c1", ShardCount: 1},
		{ID: "c2", ShardCount: 1},
	}}
	m := newConduitManager(api)
	m.PreferredID = "c2"

	id, err := m.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if id != "c2" {
		t.Errorf("id = %q, want c2", id)
	}
}

func TestConduitManager_RecreatesWhenPreferredMissing(t *testing.T) {
	api := &fakeConduitAPI{conduits: []twitchapi.Conduit{{ID: "c1", ShardCount: 1}}}
	m := newConduitManager(api)
	m.PreferredID = "gone"

	id, err := m.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if id == "c1" || id == "" {
		t.Errorf("id = %q, want a newly created conduit", id)
	}
}

func TestConduitManager_RecreatesOnStaleShard(t *testing.T) {
	api := &fakeConduitAPI{
		conduits:    []twitchapi.Conduit{{ID: "stale", ShardCount: 1}},
		staleShards: map[string]bool{"stale": true},
	}
	m := newConduitManager(api)

	id, err := m.Setup(context.Background())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if id == "stale" {
		t.Error("stale conduit not replaced")
	}
	if len(api.shardCalls) != 2 {
		t.Errorf("shard calls = %v, want stale then replacement", api.shardCalls)
	}
}

func TestConduitManager_Cleanup(t *testing.T) {
	api := &fakeConduitAPI{}
	m := newConduitManager(api)
	m.Cleanup(context.Background(), "c1")
	if len(api.deleted) != 1 || api.deleted[0] != "c1" {
		t.Errorf("deleted = %v", api.deleted)
	}
	m.Cleanup(context.Background(), "")
	if len(api.deleted) != 1 {
		t.Error("empty id triggered a delete")
	}
}
