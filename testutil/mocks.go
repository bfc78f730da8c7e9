package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUserResponse adds a handler for the /users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login, "display_name": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockClipsResponse adds a handler for the /clips endpoint serving pages keyed
// by cursor. pages[""] is the first page; each entry returns its clips and the
// next cursor ("" terminates).
func (m *MockTwitchServer) MockClipsResponse(pages map[string]ClipsPage) {
	m.Handlers["/clips"] = func(w http.ResponseWriter, r *http.Request) {
		page, ok := pages[r.URL.Query().Get("after")]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		response := map[string]interface{}{
			"data":       page.Clips,
			"pagination": map[string]string{"cursor": page.Next},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// ClipsPage is one page of a mocked /clips listing.
type ClipsPage struct {
	Clips []map[string]interface{}
	Next  string
}

// MockSubscriptionsResponse adds handlers for the /eventsub/subscriptions
// endpoint: GET serves the given list, POST accepts everything with 202.
func (m *MockTwitchServer) MockSubscriptionsResponse(subs []map[string]interface{}) {
	m.Handlers["/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
				"data": []map[string]string{{"id": "mock-sub", "status": "enabled"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": subs}) //nolint:errcheck // test mock response
	}
}

// MockConduitsResponse adds a handler for the /eventsub/conduits endpoint
func (m *MockTwitchServer) MockConduitsResponse(conduitID string) {
	m.Handlers["/eventsub/conduits"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"data": []map[string]interface{}{{"id": conduitID, "shard_count": 1}},
		})
	}
	m.Handlers["/eventsub/conduits/shards"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}}) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
