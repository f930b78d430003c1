package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/streamherald/streamherald/internal/statestore"
)

const (
	tokenStoreNamespace = "auth"
	tokenStoreKey       = "app_token"
)

// TokenProvider yields an app access token. When forceValidate is set the
// provider must confirm the token against the validation endpoint and mint a
// fresh one if it is no longer accepted.
type TokenProvider interface {
	Token(ctx context.Context, forceValidate bool) (string, error)
}

type TokenCacheOptions struct {
	AuthBaseURL  string
	ClientID     string
	ClientSecret string
	Store        *statestore.Store
	HTTPClient   *http.Client
	Logger       *slog.Logger
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// TokenCache caches the app access token in the state store and refreshes it
// via the client-credentials grant. Tokens carry no local expiry; staleness is
// discovered reactively through validation or a 401 from the API.
type TokenCache struct {
	authBaseURL  string
	clientID     string
	clientSecret string
	store        *statestore.Store
	httpClient   *http.Client
	logger       *slog.Logger
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration

	mu sync.Mutex
}

func NewTokenCache(opts TokenCacheOptions) *TokenCache {
	authBaseURL := strings.TrimRight(strings.TrimSpace(opts.AuthBaseURL), "/")
	if authBaseURL == "" {
		authBaseURL = "https://id.twitch.tv"
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
	return &TokenCache{
		authBaseURL:  authBaseURL,
		clientID:     strings.TrimSpace(opts.ClientID),
		clientSecret: strings.TrimSpace(opts.ClientSecret),
		store:        opts.Store,
		httpClient:   httpClient,
		logger:       logger,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
	}
}

func (c *TokenCache) Token(ctx context.Context, forceValidate bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached := c.cachedToken()
	if cached != "" && !forceValidate {
		return cached, nil
	}
	if cached != "" {
		valid, err := c.validate(ctx, cached)
		if err != nil {
			c.logger.Warn("token validation failed, minting new token", "error", err)
		}
		if valid {
			return cached, nil
		}
	}
	token, err := c.exchange(ctx)
	if err != nil {
		return "", err
	}
	if c.store != nil {
		if err := c.store.Put(tokenStoreNamespace, tokenStoreKey, token); err != nil {
			c.logger.Error("token persist failed", "error", err)
		}
	}
	return token, nil
}

func (c *TokenCache) cachedToken() string {
	if c.store == nil {
		return ""
	}
	token, _ := c.store.Get(tokenStoreNamespace, tokenStoreKey)
	return strings.TrimSpace(token)
}

func (c *TokenCache) validate(ctx context.Context, token string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authBaseURL+"/oauth2/validate", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "OAuth "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return false, nil
	default:
		return false, &APIError{StatusCode: resp.StatusCode, Message: "token validation"}
	}
}

func (c *TokenCache) exchange(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "client_credentials")
	body := form.Encode()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBaseURL+"/oauth2/token", strings.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, backoffDelay(c.baseDelay, c.maxDelay, attempt+1)); waitErr != nil {
					return "", waitErr
				}
				continue
			}
			return "", err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return "", readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			var parsed struct {
				AccessToken string `json:"access_token"`
			}
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return "", err
			}
			if strings.TrimSpace(parsed.AccessToken) == "" {
				return "", fmt.Errorf("token exchange returned empty access_token")
			}
			return parsed.AccessToken, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, backoffDelay(c.baseDelay, c.maxDelay, attempt+1)); waitErr != nil {
				return "", waitErr
			}
			continue
		}
		return "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
}
