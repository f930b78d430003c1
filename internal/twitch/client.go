// Package twitch is the HTTP client for the Helix API and its EventSub
// subscription surface, plus the app token cache that gates both.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeStreamOnline  = "stream.online"
	EventTypeStreamOffline = "stream.offline"
	EventTypeChannelUpdate = "channel.update"

	SubscriptionStatusEnabled             = "enabled"
	SubscriptionStatusVerificationPending = "webhook_callback_verification_pending"
)

var (
	// ErrUnknownEntity is returned when a user lookup yields no match.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrConflict maps the 409 returned when an equivalent subscription
	// already exists remotely.
	ErrConflict = errors.New("subscription conflict")
	// ErrNotFound is returned when a lookup yields no resource, e.g. stream
	// info for an entity that is not live.
	ErrNotFound = errors.New("not found")
)

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twitch api: status=%d message=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("twitch api: status=%d", e.StatusCode)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	default:
		return false
	}
}

type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

type Stream struct {
	UserID       string `json:"user_id"`
	UserLogin    string `json:"user_login"`
	GameName     string `json:"game_name"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type SubscriptionCondition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

type Subscription struct {
	ID        string                `json:"id"`
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Status    string                `json:"status"`
	Condition SubscriptionCondition `json:"condition"`
}

type SubscriptionPage struct {
	Subscriptions []Subscription
	Cursor        string
}

// API is the upstream surface consumed by the registry and tracker.
type API interface {
	UserByLogin(ctx context.Context, login string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	StreamByUserID(ctx context.Context, userID string) (Stream, error)
	CreateSubscription(ctx context.Context, broadcasterUserID, eventType string) (Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context, after string) (SubscriptionPage, error)
}

type ClientOptions struct {
	HelixBaseURL   string
	ClientID       string
	Tokens         TokenProvider
	WebhookBaseURL string
	WebhookSecret  string
	HTTPClient     *http.Client
	Logger         *slog.Logger
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

type Client struct {
	helixBaseURL   string
	clientID       string
	tokens         TokenProvider
	webhookBaseURL string
	webhookSecret  string
	httpClient     *http.Client
	logger         *slog.Logger
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
}

func NewClient(opts ClientOptions) *Client {
	helixBaseURL := strings.TrimRight(strings.TrimSpace(opts.HelixBaseURL), "/")
	if helixBaseURL == "" {
		helixBaseURL = "https://api.twitch.tv"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		helixBaseURL:   helixBaseURL,
		clientID:       strings.TrimSpace(opts.ClientID),
		tokens:         opts.Tokens,
		webhookBaseURL: strings.TrimRight(strings.TrimSpace(opts.WebhookBaseURL), "/"),
		webhookSecret:  opts.WebhookSecret,
		httpClient:     httpClient,
		logger:         logger,
		maxRetries:     maxRetries,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
	}
}

func (c *Client) UserByLogin(ctx context.Context, login string) (User, error) {
	return c.user(ctx, url.Values{"login": []string{strings.ToLower(strings.TrimSpace(login))}})
}

func (c *Client) UserByID(ctx context.Context, id string) (User, error) {
	return c.user(ctx, url.Values{"id": []string{strings.TrimSpace(id)}})
}

func (c *Client) user(ctx context.Context, query url.Values) (User, error) {
	var out struct {
		Data []User `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/helix/users", query, nil, &out); err != nil {
		return User{}, err
	}
	if len(out.Data) == 0 {
		return User{}, ErrUnknownEntity
	}
	return out.Data[0], nil
}

func (c *Client) StreamByUserID(ctx context.Context, userID string) (Stream, error) {
	var out struct {
		Data []Stream `json:"data"`
	}
	query := url.Values{"user_id": []string{strings.TrimSpace(userID)}}
	if err := c.doJSON(ctx, http.MethodGet, "/helix/streams", query, nil, &out); err != nil {
		return Stream{}, err
	}
	if len(out.Data) == 0 {
		return Stream{}, ErrNotFound
	}
	return out.Data[0], nil
}

func (c *Client) CreateSubscription(ctx context.Context, broadcasterUserID, eventType string) (Subscription, error) {
	body := map[string]any{
		"type":    eventType,
		"version": subscriptionVersion(eventType),
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterUserID,
		},
		"transport": map[string]string{
			"method":   "webhook",
			"callback": c.webhookBaseURL + CallbackPath(eventType),
			"secret":   c.webhookSecret,
		},
	}
	var out struct {
		Data []Subscription `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/helix/eventsub/subscriptions", nil, body, &out); err != nil {
		return Subscription{}, err
	}
	if len(out.Data) == 0 {
		return Subscription{}, fmt.Errorf("subscription create returned empty data")
	}
	return out.Data[0], nil
}

// DeleteSubscription removes a remote subscription. Deleting one that is
// already gone is not an error.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	query := url.Values{"id": []string{strings.TrimSpace(id)}}
	err := c.doJSON(ctx, http.MethodDelete, "/helix/eventsub/subscriptions", query, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) ListSubscriptions(ctx context.Context, after string) (SubscriptionPage, error) {
	query := url.Values{}
	if strings.TrimSpace(after) != "" {
		query.Set("after", strings.TrimSpace(after))
	}
	var out struct {
		Data       []Subscription `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/helix/eventsub/subscriptions", query, nil, &out); err != nil {
		return SubscriptionPage{}, err
	}
	return SubscriptionPage{Subscriptions: out.Data, Cursor: out.Pagination.Cursor}, nil
}

// CallbackPath maps an event type to its webhook route.
func CallbackPath(eventType string) string {
	switch eventType {
	case EventTypeStreamOnline:
		return "/online"
	case EventTypeStreamOffline:
		return "/offline"
	case EventTypeChannelUpdate:
		return "/update"
	default:
		return "/" + strings.ReplaceAll(eventType, ".", "-")
	}
}

func subscriptionVersion(eventType string) string {
	if eventType == EventTypeChannelUpdate {
		return "2"
	}
	return "1"
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.tokens == nil {
		return fmt.Errorf("twitch token provider is required")
	}
	var bodyBytes []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyBytes = data
	}
	requestURL := c.helixBaseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}
	correlationID := uuid.NewString()

	refreshed := false
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx, refreshed)
		if err != nil {
			return err
		}
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Client-Id", c.clientID)
		req.Header.Set("X-Request-Id", correlationID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, backoffDelay(c.baseDelay, c.maxDelay, attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		// One forced token refresh per call, then give up on auth errors.
		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			refreshed = true
			c.logger.Info("twitch call rejected with 401, refreshing app token", "path", path, "request_id", correlationID)
			continue
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, backoffDelay(c.baseDelay, c.maxDelay, attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusConflict {
			c.logger.Warn("twitch call failed",
				"method", method,
				"path", path,
				"status", resp.StatusCode,
				"body", apiErr.Message,
				"request_id", correlationID,
			)
		}
		return apiErr
	}
}

func backoffDelay(baseDelay, maxDelay time.Duration, attempt int) time.Duration {
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
