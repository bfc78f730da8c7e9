package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	dbpkg "github.com/onnwee/clipdash/backend/db"
	"github.com/onnwee/clipdash/backend/twitchapi"
)

// HandleOAuthStart initiates the broadcaster connect flow by redirecting to
// the platform's authorize page. An optional ?owner= query pins the dashboard
// owner the credential will be stored under; by default the owner is the
// connecting user's platform id.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil || h.oauth.ClientID == "" || h.oauth.RedirectURL == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	// generate state
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, r.URL.Query().Get("owner"), time.Now().Add(10*time.Minute))
	http.Redirect(w, r, h.oauth.AuthCodeURL(st), http.StatusFound)
}

// HandleOAuthCallback finishes the connect flow: code exchange, identity
// lookup, credential persistence, then a first subscription reconcile and clip
// sync for the new broadcaster.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	ownerOverride, ok := h.takeOAuthState(st)
	if !ok {
		http.Error(w, "invalid state", 400)
		return
	}

	ctx := r.Context()
	tok, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	user, err := twitchapi.GetTokenUser(ctx, h.httpClient, h.helixBaseURL, h.oauth.ClientID, tok.AccessToken)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	ownerID := ownerOverride
	if ownerID == "" {
		ownerID = user.ID
	}
	scopes := ""
	if h.cfg != nil {
		scopes = h.cfg.TwitchScopes
	}
	if err := dbpkg.UpsertBroadcasterCredential(ctx, h.db, ownerID, user.ID, tok.AccessToken, tok.RefreshToken, scopes); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	slog.Info("broadcaster connected",
		slog.String("owner", ownerID),
		slog.String("broadcaster_id", user.ID),
		slog.String("login", user.Login))

	// Converge subscriptions and warm the clip catalog in the background so
	// the redirect lands immediately.
	if h.reconciler != nil {
		go func() {
			ctx, cancel := contextWithTimeout(h.ctx, time.Minute)
			defer cancel()
			if err := h.reconciler.Reconcile(ctx, user.ID); err != nil {
				slog.Warn("post-connect reconcile failed", slog.String("broadcaster_id", user.ID), slog.Any("err", err))
			}
		}()
	}
	if h.syncer != nil {
		go func() {
			ctx, cancel := contextWithTimeout(h.ctx, 10*time.Minute)
			defer cancel()
			h.syncer.Trigger(ctx, ownerID, user.ID, "connect")
		}()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"success":        true,
		"owner_id":       ownerID,
		"broadcaster_id": user.ID,
		"login":          user.Login,
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
