package twitchapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

type ownerKeyType struct{}

var ownerKey ownerKeyType

// WithOwner tags ctx with the dashboard owner (tenant) on whose behalf
// outbound platform calls are made. The retry transport uses it to find the
// right refresh token after a 401.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey, ownerID)
}

// OwnerFromContext returns the tagged owner id or "".
func OwnerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok {
		return v
	}
	return ""
}

// UserRefresher is the subset of UserTokenRefresher the transport needs.
type UserRefresher interface {
	Refresh(ctx context.Context, ownerID, refreshToken string) (string, bool)
}

// RetryTransport makes outbound platform calls resilient to expired user
// credentials. On a 401 it looks up the request's owner, refreshes their
// token, substitutes the new bearer, and replays the request exactly once.
// No backoff: the triggering cause is a stale token, not a flaky network.
//
// Known limitation: concurrent 401s for the same owner each trigger an
// independent refresh; there is no cross-request coalescing. Refresh results
// are idempotent (a newer token always supersedes), so this only costs
// redundant grants.
type RetryTransport struct {
	Base        http.RoundTripper
	Credentials BroadcasterCredentialStore
	Refresher   UserRefresher
	Limiter     *rate.Limiter // optional outbound rate limit shared across calls
}

func (t *RetryTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// 401: attempt a single token refresh + replay. Every bail-out path
	// returns the original response untouched.
	ownerID := OwnerFromContext(ctx)
	if ownerID == "" {
		return resp, nil
	}
	if t.Credentials == nil || t.Refresher == nil {
		return resp, nil
	}

	_, _, refreshToken, _, lookupErr := t.Credentials.GetBroadcasterCredential(ctx, ownerID)
	if lookupErr != nil || refreshToken == "" {
		if lookupErr != nil {
			slog.Warn("credential lookup failed after 401", slog.String("owner", ownerID), slog.Any("err", lookupErr))
		}
		return resp, nil
	}

	newToken, ok := t.Refresher.Refresh(ctx, ownerID, refreshToken)
	if !ok {
		return resp, nil
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+newToken)

	// Discard the 401 body before replaying.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	slog.Debug("replaying request after token refresh", slog.String("owner", ownerID), slog.String("path", req.URL.Path))
	return t.base().RoundTrip(retry)
}
