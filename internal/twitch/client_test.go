package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type staticTokens struct {
	token         string
	refreshCalls  int32
	tokenPerforce string
}

func (s *staticTokens) Token(ctx context.Context, forceValidate bool) (string, error) {
	if forceValidate {
		atomic.AddInt32(&s.refreshCalls, 1)
		if s.tokenPerforce != "" {
			return s.tokenPerforce, nil
		}
	}
	return s.token, nil
}

func newTestClient(serverURL string, httpClient *http.Client, tokens TokenProvider) *Client {
	return NewClient(ClientOptions{
		HelixBaseURL:   serverURL,
		ClientID:       "cid",
		Tokens:         tokens,
		WebhookBaseURL: "https://herald.example.com",
		WebhookSecret:  "shh",
		HTTPClient:     httpClient,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		MaxRetries:     2,
	})
}

func TestUserByLoginResolvesAndSendsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/users" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Client-Id") != "cid" {
			t.Errorf("missing Client-Id header")
		}
		if r.Header.Get("Authorization") != "Bearer tok_1" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Errorf("missing X-Request-Id header")
		}
		if r.URL.Query().Get("login") != "foo" {
			t.Errorf("expected login=foo, got %q", r.URL.Query().Get("login"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[{"id":"123","login":"foo","display_name":"Foo"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), &staticTokens{token: "tok_1"})
	user, err := client.UserByLogin(context.Background(), "Foo")
	if err != nil {
		t.Fatalf("user by login: %v", err)
	}
	if user.ID != "123" || user.DisplayName != "Foo" {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestUserByLoginUnknownEntity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), &staticTokens{token: "tok_1"})
	if _, err := client.UserByLogin(context.Background(), "ghost"); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestUnauthorizedTriggersSingleTokenRefresh(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok_fresh" {
			t.Errorf("expected refreshed token on retry, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[{"id":"123","login":"foo","display_name":"Foo"}]}`))
	}))
	defer server.Close()

	tokens := &staticTokens{token: "tok_stale", tokenPerforce: "tok_fresh"}
	client := newTestClient(server.URL, server.Client(), tokens)
	if _, err := client.UserByLogin(context.Background(), "foo"); err != nil {
		t.Fatalf("expected 401 to recover via refresh, got %v", err)
	}
	if atomic.LoadInt32(&tokens.refreshCalls) != 1 {
		t.Fatalf("expected exactly one forced refresh, got %d", tokens.refreshCalls)
	}
}

func TestRepeatedUnauthorizedSurfacesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), &staticTokens{token: "tok"})
	_, err := client.UserByLogin(context.Background(), "foo")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError after one refresh, got %v", err)
	}
}

func TestCreateSubscriptionBuildsTransportAndMapsConflict(t *testing.T) {
	var captured map[string]any
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			_ = json.NewDecoder(r.Body).Decode(&captured)
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"data":[{"id":"sub_1","type":"channel.update","version":"2","status":"webhook_callback_verification_pending","condition":{"broadcaster_user_id":"123"}}]}`))
			return
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"subscription already exists"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), &staticTokens{token: "tok"})
	sub, err := client.CreateSubscription(context.Background(), "123", EventTypeChannelUpdate)
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub.ID != "sub_1" || sub.Status != SubscriptionStatusVerificationPending {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if captured["version"] != "2" {
		t.Fatalf("channel.update must use version 2, got %v", captured["version"])
	}
	transport, _ := captured["transport"].(map[string]any)
	if transport["callback"] != "https://herald.example.com/update" {
		t.Fatalf("unexpected callback %v", transport["callback"])
	}
	if transport["secret"] != "shh" {
		t.Fatalf("expected webhook secret in transport")
	}

	_, err = client.CreateSubscription(context.Background(), "123", EventTypeChannelUpdate)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on 409, got %v", err)
	}
}

func TestDeleteSubscriptionSwallowsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), &staticTokens{token: "tok"})
	if err := client.DeleteSubscription(context.Background(), "sub_gone"); err != nil {
		t.Fatalf("delete of missing subscription must not error, got %v", err)
	}
}

func TestListSubscriptionsPassesCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("after") {
		case "":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":[{"id":"sub_1","type":"stream.online","status":"enabled","condition":{"broadcaster_user_id":"123"}}],"pagination":{"cursor":"page2"}}`))
		case "page2":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":[{"id":"sub_2","type":"stream.offline","status":"enabled","condition":{"broadcaster_user_id":"123"}}],"pagination":{}}`))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), &staticTokens{token: "tok"})
	page, err := client.ListSubscriptions(context.Background(), "")
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if len(page.Subscriptions) != 1 || page.Cursor != "page2" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = client.ListSubscriptions(context.Background(), page.Cursor)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page.Subscriptions) != 1 || page.Cursor != "" {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestTransientServerErrorIsRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[{"id":"123","login":"foo","display_name":"Foo"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), &staticTokens{token: "tok"})
	if _, err := client.UserByLogin(context.Background(), "foo"); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
}
