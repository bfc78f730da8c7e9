package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultHelixBaseURL = "https://api.twitch.tv/helix"
	defaultTimeout      = 15 * time.Second
)

// TokenProvider yields a valid app access token (see CachedAppTokenSource).
type TokenProvider interface {
	Get(ctx context.Context) (string, error)
}

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Clip is a Helix clip record. VODOffset is nil when the clip's VOD linkage is
// unavailable (VOD deleted or still processing).
type Clip struct {
	ID            string  `json:"id"`
	URL           string  `json:"url"`
	EmbedURL      string  `json:"embed_url"`
	BroadcasterID string  `json:"broadcaster_id"`
	CreatorName   string  `json:"creator_name"`
	VideoID       string  `json:"video_id"`
	GameID        string  `json:"game_id"`
	Language      string  `json:"language"`
	Title         string  `json:"title"`
	ViewCount     int     `json:"view_count"`
	CreatedAt     string  `json:"created_at"`
	ThumbnailURL  string  `json:"thumbnail_url"`
	Duration      float64 `json:"duration"`
	VODOffset     *int    `json:"vod_offset"`
	IsFeatured    bool    `json:"is_featured"`
}

// Transport describes where EventSub deliveries go.
type Transport struct {
	Method    string `json:"method"`
	Callback  string `json:"callback,omitempty"`
	Secret    string `json:"secret,omitempty"`
	ConduitID string `json:"conduit_id,omitempty"`
}

// Subscription is a Helix EventSub subscription record.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
	CreatedAt string            `json:"created_at"`
	Cost      int               `json:"cost"`
}

// Conduit is a shared EventSub delivery channel.
type Conduit struct {
	ID         string `json:"id"`
	ShardCount int    `json:"shard_count"`
}

// ConduitShard assigns a transport to one shard of a conduit.
type ConduitShard struct {
	ID        string    `json:"id"`
	Status    string    `json:"status,omitempty"`
	Transport Transport `json:"transport"`
}

// HelixClient provides the Helix API surface needed by the sync core. It is an
// explicit client type: the app token arrives through AppTokenSource, user
// bearers through the credential store keyed by the owner tagged on the
// context, and 401 handling through the RetryTransport installed on HTTPClient.
type HelixClient struct {
	ClientID       string
	AppTokenSource TokenProvider
	Credentials    BroadcasterCredentialStore // optional; enables user-scoped bearers
	BaseURL        string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return defaultHelixBaseURL
}

// bearer picks the user token for the context's owner when one is stored,
// falling back to the app token.
func (hc *HelixClient) bearer(ctx context.Context) (string, error) {
	if owner := OwnerFromContext(ctx); owner != "" && hc.Credentials != nil {
		_, access, _, _, err := hc.Credentials.GetBroadcasterCredential(ctx, owner)
		if err != nil {
			return "", fmt.Errorf("credential lookup for %s: %w", owner, err)
		}
		if access != "" {
			return access, nil
		}
	}
	if hc.AppTokenSource == nil {
		return "", fmt.Errorf("no token source configured")
	}
	return hc.AppTokenSource.Get(ctx)
}

func (hc *HelixClient) do(ctx context.Context, method, path string, query map[string]string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, hc.baseURL()+path, body)
	if err != nil {
		return err
	}
	if query != nil {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	tok, err := hc.bearer(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if b, rerr := io.ReadAll(io.LimitReader(resp.Body, 4096)); rerr == nil {
			if jerr := json.Unmarshal(b, &payload); jerr == nil {
				apiErr.ErrorText = payload.Error
				apiErr.Message = payload.Message
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserByLogin resolves a login name to its user record.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", map[string]string{"login": login}, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &body.Data[0], nil
}

// GetTokenUser returns the user a bearer token belongs to. Used by the OAuth
// callback to learn which broadcaster just connected.
func GetTokenUser(ctx context.Context, httpClient *http.Client, baseURL, clientID, accessToken string) (*User, error) {
	if baseURL == "" {
		baseURL = defaultHelixBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/users", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", clientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("token has no associated user")
	}
	return &body.Data[0], nil
}

// ListClips lists clips for a broadcaster, one page per call. Returns the page
// and the cursor for the next one ("" when exhausted).
func (hc *HelixClient) ListClips(ctx context.Context, broadcasterID, after string, first int) ([]Clip, string, error) {
	if broadcasterID == "" {
		return nil, "", fmt.Errorf("broadcasterID empty")
	}
	if first <= 0 {
		first = 20
	}
	query := map[string]string{
		"broadcaster_id": broadcasterID,
		"first":          strconv.Itoa(first),
	}
	if after != "" {
		query["after"] = after
	}
	var body struct {
		Data       []Clip `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.do(ctx, http.MethodGet, "/clips", query, nil, &body); err != nil {
		return nil, "", err
	}
	return body.Data, body.Pagination.Cursor, nil
}

// ListSubscriptions returns the first page of EventSub subscriptions involving
// the given user. One page is enough for the reconciler's catalog size; deep
// pagination is intentionally not implemented.
func (hc *HelixClient) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	query := map[string]string{}
	if userID != "" {
		query["user_id"] = userID
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/eventsub/subscriptions", query, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// CreateSubscription registers an EventSub subscription.
func (hc *HelixClient) CreateSubscription(ctx context.Context, subType, version string, condition map[string]string, transport Transport) (*Subscription, error) {
	payload := struct {
		Type      string            `json:"type"`
		Version   string            `json:"version"`
		Condition map[string]string `json:"condition"`
		Transport Transport         `json:"transport"`
	}{subType, version, condition, transport}
	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, payload, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("no subscription returned")
	}
	return &body.Data[0], nil
}

// DeleteSubscription removes an EventSub subscription by id.
func (hc *HelixClient) DeleteSubscription(ctx context.Context, id string) error {
	return hc.do(ctx, http.MethodDelete, "/eventsub/subscriptions", map[string]string{"id": id}, nil, nil)
}

// CreateConduit creates a conduit with the given shard count.
func (hc *HelixClient) CreateConduit(ctx context.Context, shardCount int) (*Conduit, error) {
	payload := struct {
		ShardCount int `json:"shard_count"`
	}{shardCount}
	var body struct {
		Data []Conduit `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/eventsub/conduits", nil, payload, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("no conduit returned")
	}
	return &body.Data[0], nil
}

// GetConduits returns all conduits owned by the app.
func (hc *HelixClient) GetConduits(ctx context.Context) ([]Conduit, error) {
	var body struct {
		Data []Conduit `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/eventsub/conduits", nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// UpdateConduitShards configures transports for conduit shards.
func (hc *HelixClient) UpdateConduitShards(ctx context.Context, conduitID string, shards []ConduitShard) error {
	payload := struct {
		ConduitID string         `json:"conduit_id"`
		Shards    []ConduitShard `json:"shards"`
	}{conduitID, shards}
	return hc.do(ctx, http.MethodPatch, "/eventsub/conduits/shards", nil, payload, nil)
}

// DeleteConduit deletes a conduit by id.
func (hc *HelixClient) DeleteConduit(ctx context.Context, conduitID string) error {
	return hc.do(ctx, http.MethodDelete, "/eventsub/conduits", map[string]string{"id": conduitID}, nil, nil)
}
