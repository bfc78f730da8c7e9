package twitchapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// BroadcasterCredentialStore is the persistence contract for per-broadcaster
// user tokens, keyed by the dashboard owner. Zero values with a nil error mean
// no credential is stored for that owner.
type BroadcasterCredentialStore interface {
	GetBroadcasterCredential(ctx context.Context, ownerID string) (broadcasterID, access, refresh, scopes string, err error)
	PutBroadcasterCredential(ctx context.Context, ownerID, broadcasterID, access, refresh, scopes string) error
}

// UserTokenRefresher exchanges refresh tokens for new access/refresh pairs and
// persists them. Failures are reported as a sentinel (ok=false), not an error:
// callers decide whether the original failure should propagate.
type UserTokenRefresher struct {
	ClientID     string
	ClientSecret string
	Store        BroadcasterCredentialStore
	HTTPClient   *http.Client
	AuthBaseURL  string

	// OnRefresh is invoked after each successfully persisted refresh.
	OnRefresh func()
}

func (r *UserTokenRefresher) http() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *UserTokenRefresher) authBase() string {
	if r.AuthBaseURL != "" {
		return r.AuthBaseURL
	}
	return defaultAuthBaseURL
}

// Refresh exchanges refreshToken for a new token pair on behalf of ownerID and
// persists both. Returns the new access token and ok=true, or ("", false) when
// the exchange or persistence fails.
func (r *UserTokenRefresher) Refresh(ctx context.Context, ownerID, refreshToken string) (string, bool) {
	if refreshToken == "" {
		return "", false
	}

	access, newRefresh, scope, err := r.exchange(ctx, refreshToken)
	if err != nil {
		slog.Warn("user token refresh failed", slog.String("owner", ownerID), slog.Any("err", err))
		return "", false
	}
	if newRefresh == "" {
		// Twitch usually rotates the refresh token; keep the old one if not.
		newRefresh = refreshToken
	}

	broadcasterID, _, _, storedScopes, err := r.Store.GetBroadcasterCredential(ctx, ownerID)
	if err != nil {
		slog.Warn("credential lookup failed during refresh", slog.String("owner", ownerID), slog.Any("err", err))
		return "", false
	}
	if scope == "" {
		scope = storedScopes
	}

	if err := r.Store.PutBroadcasterCredential(ctx, ownerID, broadcasterID, access, newRefresh, scope); err != nil {
		slog.Warn("credential persist failed during refresh", slog.String("owner", ownerID), slog.Any("err", err))
		return "", false
	}

	if r.OnRefresh != nil {
		r.OnRefresh()
	}
	slog.Info("broadcaster token refreshed", slog.String("owner", ownerID))
	return access, true
}

func (r *UserTokenRefresher) exchange(ctx context.Context, refreshToken string) (access, refresh, scope string, err error) {
	form := url.Values{}
	form.Set("client_id", r.ClientID)
	form.Set("client_secret", r.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.authBase()+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.http().Do(req)
	if err != nil {
		return "", "", "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", "", "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	var res struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		Scope        []string `json:"scope"`
		ExpiresIn    int      `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", "", "", err
	}
	return res.AccessToken, res.RefreshToken, strings.Join(res.Scope, " "), nil
}
