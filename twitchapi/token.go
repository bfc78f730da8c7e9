// Package twitchapi contains the Twitch platform integration: app and user
// token lifecycle, the 401-refresh retry transport, and a minimal Helix client
// for clips, users, conduits, and EventSub subscriptions.
package twitchapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/clipdash/backend/crypto"
)

const defaultAuthBaseURL = "https://id.twitch.tv"

// AppTokenStore is the persistence contract for the encrypted app token row.
// Zero values with a nil error mean no token has been stored yet.
type AppTokenStore interface {
	GetAppToken(ctx context.Context) (ciphertext, iv, authTag string, expiresIn int, updatedAt time.Time, err error)
	PutAppToken(ctx context.Context, ciphertext, iv, authTag string, expiresIn int) error
}

// AppTokenManager issues app access (client credentials) tokens and persists
// them encrypted with AES-256-GCM. Without a store or encryptor it degrades to
// fetch-only (no persistence), which is fine for local development.
type AppTokenManager struct {
	ClientID     string
	ClientSecret string
	Store        AppTokenStore
	Encryptor    *crypto.AESEncryptor
	HTTPClient   *http.Client
	AuthBaseURL  string // OAuth token endpoint base (overridable for tests)

	// OnRefresh is invoked after each successful client-credentials grant.
	OnRefresh func()
}

func (m *AppTokenManager) http() *http.Client {
	if m.HTTPClient != nil {
		return m.HTTPClient
	}
	return http.DefaultClient
}

func (m *AppTokenManager) authBase() string {
	if m.AuthBaseURL != "" {
		return m.AuthBaseURL
	}
	return defaultAuthBaseURL
}

// Token returns a valid app access token and its absolute expiry. The stored
// token is reused until `now > updated_at + expires_in`; the boundary instant
// itself still counts as valid.
func (m *AppTokenManager) Token(ctx context.Context) (string, time.Time, error) {
	if m.Store != nil && m.Encryptor != nil {
		ciphertext, iv, tag, expiresIn, updatedAt, err := m.Store.GetAppToken(ctx)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("read app token: %w", err)
		}
		if ciphertext != "" {
			expiresAt := updatedAt.Add(time.Duration(expiresIn) * time.Second)
			if !time.Now().After(expiresAt) {
				tok, err := m.decrypt(ciphertext, iv, tag)
				if err != nil {
					return "", time.Time{}, err
				}
				return tok, expiresAt, nil
			}
		}
	}

	tok, expiresIn, err := m.fetch(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
	if m.OnRefresh != nil {
		m.OnRefresh()
	}

	if m.Store != nil && m.Encryptor != nil {
		ciphertext, iv, tag, err := m.Encryptor.EncryptParts([]byte(tok))
		if err != nil {
			return "", time.Time{}, fmt.Errorf("encrypt app token: %w", err)
		}
		err = m.Store.PutAppToken(ctx,
			base64.StdEncoding.EncodeToString(ciphertext),
			base64.StdEncoding.EncodeToString(iv),
			base64.StdEncoding.EncodeToString(tag),
			expiresIn)
		if err != nil {
			// The token itself is good; persistence failure only costs an
			// extra grant on the next process start.
			slog.Warn("app token persist failed", slog.Any("err", err))
		}
	}

	return tok, expiresAt, nil
}

func (m *AppTokenManager) decrypt(ciphertext, iv, tag string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode app token ciphertext: %w", err)
	}
	ivb, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("decode app token iv: %w", err)
	}
	tagb, err := base64.StdEncoding.DecodeString(tag)
	if err != nil {
		return "", fmt.Errorf("decode app token auth tag: %w", err)
	}
	plain, err := m.Encryptor.DecryptParts(ct, ivb, tagb)
	if err != nil {
		return "", fmt.Errorf("decrypt app token: %w", err)
	}
	return string(plain), nil
}

// fetch performs the client-credentials grant.
func (m *AppTokenManager) fetch(ctx context.Context) (string, int, error) {
	if m.ClientID == "" || m.ClientSecret == "" {
		return "", 0, errors.New("missing client id/secret for twitch app token")
	}
	form := url.Values{}
	form.Set("client_id", m.ClientID)
	form.Set("client_secret", m.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.authBase()+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := m.http().Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("twitch token request failed: %s: %s", resp.Status, string(b))
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return "", 0, err
	}
	if at.AccessToken == "" {
		return "", 0, errors.New("empty access_token in twitch response")
	}
	return at.AccessToken, at.ExpiresIn, nil
}

// CachedAppTokenSource is a process-local memoization layer in front of an
// AppTokenManager. It refetches once the remaining lifetime drops below Buffer,
// so most calls never touch storage or the network. Constructed once and shared;
// safe for concurrent use.
type CachedAppTokenSource struct {
	Manager *AppTokenManager
	Buffer  time.Duration // refresh headroom; defaults to 5 minutes

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func (s *CachedAppTokenSource) buffer() time.Duration {
	if s.Buffer > 0 {
		return s.Buffer
	}
	return 5 * time.Minute
}

// Get returns a valid (fresh or cached) app access token.
func (s *CachedAppTokenSource) Get(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.token != "" && time.Until(s.expiresAt) > s.buffer() {
		tok := s.token
		s.mu.RUnlock()
		return tok, nil
	}
	s.mu.RUnlock()
	return s.refresh(ctx)
}

func (s *CachedAppTokenSource) refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expiresAt) > s.buffer() {
		return s.token, nil
	}
	tok, expiresAt, err := s.Manager.Token(ctx)
	if err != nil {
		return "", err
	}
	s.token = tok
	s.expiresAt = expiresAt
	return tok, nil
}
