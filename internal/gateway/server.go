// Package gateway terminates the EventSub webhook callbacks and exposes the
// authenticated admin surface. Signature verification happens against the raw
// request body before any parsing.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/streamherald/streamherald/internal/metrics"
	"github.com/streamherald/streamherald/internal/registry"
	"github.com/streamherald/streamherald/internal/tracker"
	"github.com/streamherald/streamherald/internal/twitch"
)

const (
	messageTypeNotification = "notification"
	messageTypeVerification = "webhook_callback_verification"
	messageTypeRevocation   = "revocation"
)

// Dispatcher receives verified notifications. Handler errors are logged, not
// surfaced to the webhook caller.
type Dispatcher interface {
	HandleOnline(ctx context.Context, ev tracker.OnlineEvent) error
	HandleOffline(ctx context.Context, ev tracker.OfflineEvent) error
	HandleUpdate(ctx context.Context, ev tracker.UpdateEvent) error
}

// SubscriptionAdmin is the registry surface behind the admin routes.
type SubscriptionAdmin interface {
	EnsureSubscribed(ctx context.Context, login string) error
	UnsubscribeAll(ctx context.Context, login string) error
	ListAll(ctx context.Context, refreshCache, resolveNames bool) (map[string]registry.EntitySubscriptions, error)
}

type ServerConfig struct {
	WebhookSecret string
	JWTSecret     string
	MaxSkew       time.Duration
	MaxBodyBytes  int64
}

type Server struct {
	dispatcher Dispatcher
	admin      SubscriptionAdmin
	cfg        ServerConfig
	logger     *slog.Logger

	// runAsync runs notification dispatch after the ack; replaced in tests.
	runAsync func(func())
}

func NewServer(dispatcher Dispatcher, admin SubscriptionAdmin, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 10 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dispatcher: dispatcher,
		admin:      admin,
		cfg:        cfg,
		logger:     logger,
	}
	s.runAsync = func(fn func()) { go fn() }
	return s
}

type notificationPayload struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"subscription"`
	Event struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		BroadcasterUserName  string `json:"broadcaster_user_name"`
		CategoryName         string `json:"category_name"`
		Title                string `json:"title"`
	} `json:"event"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.Method == http.MethodPost {
		switch r.URL.Path {
		case "/online":
			s.handleWebhook(w, r, "online", twitch.EventTypeStreamOnline)
			return
		case "/offline":
			s.handleWebhook(w, r, "offline", twitch.EventTypeStreamOffline)
			return
		case "/update":
			s.handleWebhook(w, r, "update", twitch.EventTypeChannelUpdate)
			return
		}
	}

	if r.URL.Path == "/v1/admin/subscriptions" && r.Method == http.MethodGet {
		s.handleAdminSubscriptions(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/broadcasters" && r.Method == http.MethodPost {
		s.handleAdminAddBroadcaster(w, r)
		return
	}
	if login, ok := strings.CutPrefix(r.URL.Path, "/v1/admin/broadcasters/"); ok && r.Method == http.MethodDelete {
		s.handleAdminRemoveBroadcaster(w, r, login)
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, endpoint, expectedType string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues(endpoint, "rejected").Inc()
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	messageID := r.Header.Get(headerMessageID)
	timestamp := r.Header.Get(headerMessageTimestamp)
	signature := r.Header.Get(headerMessageSignature)
	if !verifySignature(s.cfg.WebhookSecret, messageID, timestamp, body, signature) {
		metrics.SignatureFailuresTotal.Inc()
		metrics.WebhookRequestsTotal.WithLabelValues(endpoint, "rejected").Inc()
		s.logger.Warn("webhook signature verification failed", "endpoint", endpoint, "message_id", messageID)
		writeError(w, http.StatusForbidden, "forbidden", "signature verification failed")
		return
	}
	if !timestampWithinWindow(timestamp, time.Now().UTC(), s.cfg.MaxSkew) {
		metrics.WebhookRequestsTotal.WithLabelValues(endpoint, "rejected").Inc()
		s.logger.Warn("webhook timestamp outside replay window", "endpoint", endpoint, "message_id", messageID, "timestamp", timestamp)
		writeError(w, http.StatusForbidden, "forbidden", "stale message timestamp")
		return
	}

	// Body parsing is per message type: a signature-valid delivery is never
	// rejected for its body shape.
	switch r.Header.Get(headerMessageType) {
	case messageTypeVerification:
		var payload notificationPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			metrics.WebhookRequestsTotal.WithLabelValues(endpoint, "rejected").Inc()
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
			return
		}
		metrics.WebhookRequestsTotal.WithLabelValues(endpoint, "challenge").Inc()
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(payload.Challenge))
	case messageTypeNotification:
		metrics.WebhookRequestsTotal.WithLabelValues(endpoint, "accepted").Inc()
		metrics.NotificationsTotal.WithLabelValues(expectedType).Inc()
		// Acknowledge first; parsing and dispatch run after the response so
		// downstream latency or failure never changes what the upstream sees.
		w.WriteHeader(http.StatusOK)
		ctx := context.WithoutCancel(r.Context())
		s.runAsync(func() {
			var payload notificationPayload
			if err := json.Unmarshal(body, &payload); err != nil {
				s.logger.Error("notification body unparsable", "endpoint", endpoint, "message_id", messageID, "error", err)
				return
			}
			s.dispatch(ctx, expectedType, payload)
		})
	case messageTypeRevocation:
		metrics.WebhookRequestsTotal.WithLabelValues(endpoint, "revoked").Inc()
		var payload notificationPayload
		_ = json.Unmarshal(body, &payload)
		s.logger.Warn("subscription revoked by upstream",
			"endpoint", endpoint,
			"subscription_id", payload.Subscription.ID,
			"subscription_type", payload.Subscription.Type)
		w.WriteHeader(http.StatusNoContent)
	default:
		metrics.WebhookRequestsTotal.WithLabelValues(endpoint, "unknown_type").Inc()
		s.logger.Warn("unknown webhook message type", "endpoint", endpoint, "message_type", r.Header.Get(headerMessageType))
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) dispatch(ctx context.Context, eventType string, payload notificationPayload) {
	var err error
	switch eventType {
	case twitch.EventTypeStreamOnline:
		err = s.dispatcher.HandleOnline(ctx, tracker.OnlineEvent{
			EntityID:    payload.Event.BroadcasterUserID,
			Login:       payload.Event.BroadcasterUserLogin,
			DisplayName: payload.Event.BroadcasterUserName,
		})
	case twitch.EventTypeStreamOffline:
		err = s.dispatcher.HandleOffline(ctx, tracker.OfflineEvent{
			EntityID: payload.Event.BroadcasterUserID,
			Login:    payload.Event.BroadcasterUserLogin,
		})
	case twitch.EventTypeChannelUpdate:
		err = s.dispatcher.HandleUpdate(ctx, tracker.UpdateEvent{
			EntityID: payload.Event.BroadcasterUserID,
			Login:    payload.Event.BroadcasterUserLogin,
			Category: payload.Event.CategoryName,
			Title:    payload.Event.Title,
		})
	}
	if err != nil {
		s.logger.Error("notification handler failed",
			"event_type", eventType,
			"login", payload.Event.BroadcasterUserLogin,
			"error", err)
	}
}

func (s *Server) handleAdminSubscriptions(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "admin:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	refresh := r.URL.Query().Get("refresh") == "true"
	subs, err := s.admin.ListAll(r.Context(), refresh, true)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *Server) handleAdminAddBroadcaster(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "admin:manage", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	var body struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	login := strings.ToLower(strings.TrimSpace(body.Login))
	if login == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing login")
		return
	}
	if err := s.admin.EnsureSubscribed(r.Context(), login); err != nil {
		switch {
		case errors.Is(err, twitch.ErrUnknownEntity):
			writeError(w, http.StatusNotFound, "not_found", "no broadcaster with login "+login)
		case errors.Is(err, registry.ErrSubscriptionConflict):
			writeError(w, http.StatusConflict, "conflict", err.Error())
		default:
			writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"login": login, "status": "subscribed"})
}

func (s *Server) handleAdminRemoveBroadcaster(w http.ResponseWriter, r *http.Request, login string) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "admin:manage", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing login")
		return
	}
	if err := s.admin.UnsubscribeAll(r.Context(), login); err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
