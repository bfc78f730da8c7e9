package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticTokenSource struct{ token string }

func (s staticTokenSource) Get(ctx context.Context) (string, error) { return s.token, nil }

func TestHelixClient_ListClipsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clips" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Client-Id"); got != "cid" {
			t.Errorf("Client-Id = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer app-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("broadcaster_id"); got != "b1" {
			t.Errorf("broadcaster_id = %q", got)
		}
		offset := 42
		switch r.URL.Query().Get("after") {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"id": "clip1", "view_count": 100, "duration": 30.5, "vod_offset": offset, "is_featured": true},
					{"id": "clip2", "view_count": 5, "vod_offset": nil},
				},
				"pagination": map[string]string{"cursor": "page2"},
			})
		case "page2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":       []map[string]any{{"id": "clip3"}},
				"pagination": map[string]string{},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	}))
	defer srv.Close()

	hc := &HelixClient{ClientID: "cid", AppTokenSource: staticTokenSource{"app-token"}, BaseURL: srv.URL}

	clips, cursor, err := hc.ListClips(context.Background(), "b1", "", 100)
	if err != nil {
		t.Fatalf("ListClips: %v", err)
	}
	if len(clips) != 2 || cursor != "page2" {
		t.Fatalf("page 1: %d clips, cursor %q", len(clips), cursor)
	}
	if clips[0].VODOffset == nil || *clips[0].VODOffset != 42 {
		t.Errorf("clip1 vod_offset = %v, want 42", clips[0].VODOffset)
	}
	if clips[1].VODOffset != nil {
		t.Errorf("clip2 vod_offset = %v, want nil", clips[1].VODOffset)
	}
	if !clips[0].IsFeatured || clips[0].Duration != 30.5 {
		t.Errorf("clip1 featured/duration = %v/%v", clips[0].IsFeatured, clips[0].Duration)
	}

	clips, cursor, err = hc.ListClips(context.Background(), "b1", "page2", 100)
	if err != nil {
		t.Fatalf("ListClips page 2: %v", err)
	}
	if len(clips) != 1 || cursor != "" {
		t.Fatalf("page 2: %d clips, cursor %q", len(clips), cursor)
	}
}

func TestHelixClient_UserBearerForOwner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"data":[],"pagination":{}}`)
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("Authorization = %q, want Bearer user-token", got)
		}
	}))
	defer srv.Close()

	hc := &HelixClient{
		ClientID:       "cid",
		AppTokenSource: staticTokenSource{"app-token"},
		Credentials:    &memCredentialStore{broadcasterID: "b1", access: "user-token"},
		BaseURL:        srv.URL,
	}
	ctx := WithOwner(context.Background(), "owner1")
	if _, _, err := hc.ListClips(ctx, "b1", "", 20); err != nil {
		t.Fatalf("ListClips: %v", err)
	}
}

func TestHelixClient_APIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"Conflict","status":409,"message":"subscription already exists"}`))
	}))
	defer srv.Close()

	hc := &HelixClient{ClientID: "cid", AppTokenSource: staticTokenSource{"app-token"}, BaseURL: srv.URL}
	_, err := hc.CreateSubscription(context.Background(), "stream.online", "1",
		map[string]string{"broadcaster_user_id": "b1"}, Transport{Method: "conduit", ConduitID: "c1"})
	if err == nil {
		t.Fatal("want error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %T, want *APIError", err)
	}
	if apiErr.StatusCode != 409 || apiErr.Message != "subscription already exists" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !IsConflict(err) {
		t.Error("IsConflict = false, want true")
	}
}

func TestHelixClient_CreateSubscriptionPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type      string            `json:"type"`
			Version   string            `json:"version"`
			Condition map[string]string `json:"condition"`
			Transport Transport         `json:"transport"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if body.Type != "stream.offline" || body.Version != "1" {
			t.Errorf("type/version = %s/%s", body.Type, body.Version)
		}
		if body.Condition["broadcaster_user_id"] != "b1" {
			t.Errorf("condition = %v", body.Condition)
		}
		if body.Transport.Method != "webhook" || body.Transport.Callback == "" || body.Transport.Secret == "" {
			t.Errorf("transport = %+v", body.Transport)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "sub1", "status": "webhook_callback_verification_pending", "type": body.Type, "version": body.Version}},
		})
	}))
	defer srv.Close()

	hc := &HelixClient{ClientID: "cid", AppTokenSource: staticTokenSource{"app-token"}, BaseURL: srv.URL}
	sub, err := hc.CreateSubscription(context.Background(), "stream.offline", "1",
		map[string]string{"broadcaster_user_id": "b1"},
		Transport{Method: "webhook", Callback: "https://example.com/eventsub/webhook", Secret: "s3cret"})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.ID != "sub1" {
		t.Errorf("sub.ID = %q", sub.ID)
	}
}

func TestHelixClient_Conduits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/eventsub/conduits" && r.Method == http.MethodGet:
			_, _ = fmt.Fprint(w, `{"data":[{"id":"c1","shard_count":1}]}`)
		case r.URL.Path == "/eventsub/conduits" && r.Method == http.MethodPost:
			_, _ = fmt.Fprint(w, `{"data":[{"id":"c2","shard_count":1}]}`)
		case r.URL.Path == "/eventsub/conduits/shards" && r.Method == http.MethodPatch:
			var body struct {
				ConduitID string         `json:"conduit_id"`
				Shards    []ConduitShard `json:"shards"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode shards: %v", err)
			}
			if body.ConduitID != "c2" || len(body.Shards) != 1 || body.Shards[0].Transport.Method != "webhook" {
				t.Errorf("shard update = %+v", body)
			}
			_, _ = fmt.Fprint(w, `{"data":[]}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	hc := &HelixClient{ClientID: "cid", AppTokenSource: staticTokenSource{"app-token"}, BaseURL: srv.URL}
	ctx := context.Background()

	conduits, err := hc.GetConduits(ctx)
	if err != nil {
		t.Fatalf("GetConduits: %v", err)
	}
	if len(conduits) != 1 || conduits[0].ID != "c1" {
		t.Errorf("conduits = %+v", conduits)
	}

	created, err := hc.CreateConduit(ctx, 1)
	if err != nil {
		t.Fatalf("CreateConduit: %v", err)
	}
	if created.ID != "c2" {
		t.Errorf("created.ID = %q", created.ID)
	}

	err = hc.UpdateConduitShards(ctx, "c2", []ConduitShard{{
		ID:        "0",
		Transport: Transport{Method: "webhook", Callback: "https://example.com/eventsub/webhook", Secret: "s"},
	}})
	if err != nil {
		t.Fatalf("UpdateConduitShards: %v", err)
	}
}

func TestHelixClient_GetUserByLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("login"); got != "somestreamer" {
			t.Errorf("login = %q", got)
		}
		_, _ = fmt.Fprint(w, `{"data":[{"id":"b1","login":"somestreamer","display_name":"SomeStreamer"}]}`)
	}))
	defer srv.Close()

	hc := &HelixClient{ClientID: "cid", AppTokenSource: staticTokenSource{"app-token"}, BaseURL: srv.URL}
	u, err := hc.GetUserByLogin(context.Background(), "somestreamer")
	if err != nil {
		t.Fatalf("GetUserByLogin: %v", err)
	}
	if u.ID != "b1" || u.DisplayName != "SomeStreamer" {
		t.Errorf("user = %+v", u)
	}
}
