// Package server exposes the HTTP API: health, status, metrics, the OAuth
// connect flow, the EventSub webhook, and sync triggers used by the frontend.
// It includes permissive CORS for development and injects correlation IDs into
// request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/clipdash/backend/clipsync"
	"github.com/onnwee/clipdash/backend/config"
	"github.com/onnwee/clipdash/backend/eventsub"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// oauthState tracks one in-flight connect attempt.
type oauthState struct {
	expiry time.Time
	owner  string // explicit owner override; "" means owner = platform user id
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	cfg        *config.Config
	oauth      *oauth2.Config
	syncer     *clipsync.Syncer
	reconciler *eventsub.Reconciler
	webhook    http.Handler

	// helixBaseURL and httpClient override the identity lookup for tests.
	helixBaseURL string
	httpClient   *http.Client

	ctx        context.Context
	stateStore map[string]oauthState
	stateMu    sync.RWMutex
}

// Deps bundles what NewHandlers needs.
type Deps struct {
	DB         *sql.DB
	Config     *config.Config
	OAuth      *oauth2.Config
	Syncer     *clipsync.Syncer
	Reconciler *eventsub.Reconciler
	Webhook    http.Handler

	HelixBaseURL string
	HTTPClient   *http.Client
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, d Deps) *Handlers {
	return &Handlers{
		db:           d.DB,
		cfg:          d.Config,
		oauth:        d.OAuth,
		syncer:       d.Syncer,
		reconciler:   d.Reconciler,
		webhook:      d.Webhook,
		helixBaseURL: d.HelixBaseURL,
		httpClient:   d.HTTPClient,
		ctx:          ctx,
		stateStore:   make(map[string]oauthState),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, entry := range h.stateStore {
		if now.After(entry.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state, owner string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Don't add the state - this will cause the OAuth flow to fail
		// which is better than a memory exhaustion attack
		return
	}

	h.stateStore[state] = oauthState{expiry: expiry, owner: owner}
}

// takeOAuthState consumes a state, returning its owner override and whether it
// was valid. States are single use.
func (h *Handlers) takeOAuthState(state string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	entry, ok := h.stateStore[state]
	if !ok {
		return "", false
	}
	delete(h.stateStore, state)
	if time.Now().After(entry.expiry) {
		return "", false
	}
	return entry.owner, true
}
