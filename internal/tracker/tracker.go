// Package tracker maintains one live-state record per tracked broadcaster and
// converts online/offline/update notifications into alert and role side
// effects. The in-memory table is authoritative while the process runs; the
// persisted alert-id set exists only so a restart can tear everything down.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/streamherald/streamherald/internal/keylock"
	"github.com/streamherald/streamherald/internal/metrics"
	"github.com/streamherald/streamherald/internal/statestore"
	"github.com/streamherald/streamherald/internal/twitch"
)

const alertNamespace = "alerts"

const defaultMessageTemplate = "{{name}} is live: {{title}}"

// Embed is the chat-platform-neutral shape of an alert message.
type Embed struct {
	Title       string
	Description string
	URL         string
	ImageURL    string
}

// ChatClient is the downstream chat platform. DeleteMessage must treat an
// already-deleted message as success.
type ChatClient interface {
	SendEmbed(ctx context.Context, channelID string, embed Embed) (string, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	GrantRole(ctx context.Context, guildID, userID, roleID string) error
	RevokeRole(ctx context.Context, guildID, userID, roleID string) error
}

// StreamSource yields current stream info for an entity.
type StreamSource interface {
	StreamByUserID(ctx context.Context, userID string) (twitch.Stream, error)
}

type Config struct {
	ChannelID       string
	GuildID         string
	RoleID          string
	TargetCategory  string
	MessageTemplate string
	ThumbnailWidth  int
	ThumbnailHeight int
	// Members maps broadcaster login -> chat platform user id for role
	// grant/revoke. A missing entry degrades the role feature only.
	Members map[string]string
}

// StreamEvent is the exported view of one tracked live broadcaster.
type StreamEvent struct {
	DisplayName    string
	Category       string
	AlertMessageID string
}

type streamEvent struct {
	displayName    string
	category       string
	alertMessageID string
}

type OnlineEvent struct {
	EntityID    string
	Login       string
	DisplayName string
}

type OfflineEvent struct {
	EntityID string
	Login    string
}

type UpdateEvent struct {
	EntityID string
	Login    string
	Category string
	Title    string
}

type Tracker struct {
	chat    ChatClient
	streams StreamSource
	store   *statestore.Store
	logger  *slog.Logger
	locks   *keylock.Map

	cfgMu sync.RWMutex
	cfg   Config

	mu   sync.Mutex // guards live; held only for map access
	live map[string]*streamEvent

	// runAsync dispatches fire-and-forget side effects; replaced in tests.
	runAsync func(func())
}

func New(chat ChatClient, streams StreamSource, store *statestore.Store, cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		chat:    chat,
		streams: streams,
		store:   store,
		cfg:     withDefaults(cfg),
		logger:  logger,
		locks:   keylock.New(),
		live:    map[string]*streamEvent{},
	}
	t.runAsync = func(fn func()) { go fn() }
	return t
}

// UpdateConfig swaps in a new configuration. Notifications already in flight
// finish under the snapshot they started with; later ones see the new values.
func (t *Tracker) UpdateConfig(cfg Config) {
	t.cfgMu.Lock()
	t.cfg = withDefaults(cfg)
	t.cfgMu.Unlock()
	t.logger.Info("tracker configuration updated")
}

func (t *Tracker) config() Config {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	return t.cfg
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.MessageTemplate) == "" {
		cfg.MessageTemplate = defaultMessageTemplate
	}
	if cfg.ThumbnailWidth <= 0 {
		cfg.ThumbnailWidth = 640
	}
	if cfg.ThumbnailHeight <= 0 {
		cfg.ThumbnailHeight = 360
	}
	return cfg
}

// HandleOnline processes a verified stream.online notification.
func (t *Tracker) HandleOnline(ctx context.Context, ev OnlineEvent) error {
	t.locks.Lock(ev.EntityID)
	defer t.locks.Unlock(ev.EntityID)

	if existing := t.getLive(ev.EntityID); existing != nil {
		t.logger.Warn("duplicate online notification, tearing down previous state",
			"login", ev.Login, "entity_id", ev.EntityID)
		t.teardown(ctx, ev.Login, existing)
		t.removeLive(ev.EntityID)
	}

	stream, err := t.streams.StreamByUserID(ctx, ev.EntityID)
	if err != nil {
		// Without stream info the entity is treated as not live at all; a
		// later update/offline for it is then a no-op.
		return fmt.Errorf("stream info for %s: %w", ev.Login, err)
	}

	displayName := ev.DisplayName
	if displayName == "" {
		displayName = ev.Login
	}
	event := &streamEvent{displayName: displayName, category: stream.GameName}
	if t.categoryMatches(stream.GameName) {
		if messageID, ok := t.postAlert(ctx, ev.Login, displayName, stream.Title, stream.ThumbnailURL, stream.GameName); ok {
			event.alertMessageID = messageID
			t.grantRoleAsync(ev.Login)
		}
	}
	t.setLive(ev.EntityID, event)
	return nil
}

// HandleOffline processes a verified stream.offline notification.
func (t *Tracker) HandleOffline(ctx context.Context, ev OfflineEvent) error {
	t.locks.Lock(ev.EntityID)
	defer t.locks.Unlock(ev.EntityID)

	event := t.getLive(ev.EntityID)
	if event == nil {
		return nil
	}
	t.teardown(ctx, ev.Login, event)
	t.removeLive(ev.EntityID)
	return nil
}

// HandleUpdate processes a verified channel.update notification. Only
// meaningful while the entity is tracked as live.
func (t *Tracker) HandleUpdate(ctx context.Context, ev UpdateEvent) error {
	t.locks.Lock(ev.EntityID)
	defer t.locks.Unlock(ev.EntityID)

	event := t.getLive(ev.EntityID)
	if event == nil {
		return nil
	}

	matches := t.categoryMatches(ev.Category)
	alerted := event.alertMessageID != ""

	switch {
	case alerted && !matches:
		t.teardown(ctx, ev.Login, event)
		event.alertMessageID = ""
	case !alerted && matches:
		stream, err := t.streams.StreamByUserID(ctx, ev.EntityID)
		if err != nil {
			return fmt.Errorf("stream info for %s: %w", ev.Login, err)
		}
		if messageID, ok := t.postAlert(ctx, ev.Login, event.displayName, stream.Title, stream.ThumbnailURL, ev.Category); ok {
			event.alertMessageID = messageID
			t.grantRoleAsync(ev.Login)
		}
	}
	event.category = ev.Category
	return nil
}

// ReconcileOnStartup tears down every persisted alert from before a restart.
// All prior state is assumed stale; nothing is resumed.
func (t *Tracker) ReconcileOnStartup(ctx context.Context) error {
	cfg := t.config()
	entries := t.store.Entries(alertNamespace)
	for messageID, login := range entries {
		if err := t.chat.DeleteMessage(ctx, cfg.ChannelID, messageID); err != nil {
			t.logger.Warn("startup alert delete failed", "message_id", messageID, "login", login, "error", err)
		} else {
			metrics.AlertsDeletedTotal.Inc()
		}
		t.revokeRole(ctx, login)
	}
	if len(entries) > 0 {
		t.logger.Info("startup reconciliation tore down stale alerts", "count", len(entries))
	}
	return t.store.Clear(alertNamespace)
}

// LiveState reports the tracked state for an entity, if any.
func (t *Tracker) LiveState(entityID string) (StreamEvent, bool) {
	event := t.getLive(entityID)
	if event == nil {
		return StreamEvent{}, false
	}
	return StreamEvent{
		DisplayName:    event.displayName,
		Category:       event.category,
		AlertMessageID: event.alertMessageID,
	}, true
}

func (t *Tracker) categoryMatches(category string) bool {
	return strings.EqualFold(strings.TrimSpace(category), strings.TrimSpace(t.config().TargetCategory))
}

func (t *Tracker) postAlert(ctx context.Context, login, displayName, title, thumbnailURL, category string) (string, bool) {
	cfg := t.config()
	if strings.TrimSpace(cfg.ChannelID) == "" {
		t.logger.Error("no alert channel configured, skipping alert", "login", login)
		return "", false
	}
	embed := Embed{
		Title:       displayName + " is live!",
		Description: renderTemplate(cfg.MessageTemplate, displayName, title, category),
		URL:         "https://twitch.tv/" + login,
		ImageURL:    renderThumbnail(thumbnailURL, cfg.ThumbnailWidth, cfg.ThumbnailHeight),
	}
	messageID, err := t.chat.SendEmbed(ctx, cfg.ChannelID, embed)
	if err != nil {
		t.logger.Error("alert post failed", "login", login, "error", err)
		return "", false
	}
	metrics.AlertsPostedTotal.Inc()
	if err := t.store.Put(alertNamespace, messageID, login); err != nil {
		t.logger.Error("alert id persist failed", "message_id", messageID, "error", err)
	}
	return messageID, true
}

// teardown deletes the posted alert and revokes the role, both best-effort.
// The role follows the alert: it was granted iff an alert was posted.
func (t *Tracker) teardown(ctx context.Context, login string, event *streamEvent) {
	if event.alertMessageID == "" {
		return
	}
	if err := t.chat.DeleteMessage(ctx, t.config().ChannelID, event.alertMessageID); err != nil {
		t.logger.Warn("alert delete failed", "login", login, "message_id", event.alertMessageID, "error", err)
	} else {
		metrics.AlertsDeletedTotal.Inc()
	}
	if err := t.store.Delete(alertNamespace, event.alertMessageID); err != nil {
		t.logger.Warn("alert id evict failed", "message_id", event.alertMessageID, "error", err)
	}
	t.revokeRoleAsync(login)
}

func (t *Tracker) grantRoleAsync(login string) {
	t.runAsync(func() {
		t.grantRole(context.Background(), login)
	})
}

func (t *Tracker) revokeRoleAsync(login string) {
	t.runAsync(func() {
		t.revokeRole(context.Background(), login)
	})
}

func (t *Tracker) grantRole(ctx context.Context, login string) {
	cfg := t.config()
	userID, ok := t.roleTarget(cfg, login)
	if !ok {
		return
	}
	if err := t.chat.GrantRole(ctx, cfg.GuildID, userID, cfg.RoleID); err != nil {
		metrics.RoleOperationsTotal.WithLabelValues("grant", "error").Inc()
		t.logger.Error("role grant failed", "login", login, "user_id", userID, "error", err)
		return
	}
	metrics.RoleOperationsTotal.WithLabelValues("grant", "ok").Inc()
}

func (t *Tracker) revokeRole(ctx context.Context, login string) {
	cfg := t.config()
	userID, ok := t.roleTarget(cfg, login)
	if !ok {
		return
	}
	if err := t.chat.RevokeRole(ctx, cfg.GuildID, userID, cfg.RoleID); err != nil {
		metrics.RoleOperationsTotal.WithLabelValues("revoke", "error").Inc()
		t.logger.Error("role revoke failed", "login", login, "user_id", userID, "error", err)
		return
	}
	metrics.RoleOperationsTotal.WithLabelValues("revoke", "ok").Inc()
}

func (t *Tracker) roleTarget(cfg Config, login string) (string, bool) {
	if strings.TrimSpace(cfg.GuildID) == "" || strings.TrimSpace(cfg.RoleID) == "" {
		t.logger.Warn("role feature not configured, skipping role operation", "login", login)
		return "", false
	}
	userID, ok := cfg.Members[strings.ToLower(login)]
	if !ok || strings.TrimSpace(userID) == "" {
		t.logger.Warn("no member mapping for broadcaster, skipping role operation", "login", login)
		return "", false
	}
	return userID, true
}

func (t *Tracker) getLive(entityID string) *streamEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live[entityID]
}

func (t *Tracker) setLive(entityID string, event *streamEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[entityID] = event
}

func (t *Tracker) removeLive(entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, entityID)
}

func renderTemplate(template, name, title, category string) string {
	out := strings.ReplaceAll(template, "{{name}}", name)
	out = strings.ReplaceAll(out, "{{title}}", title)
	out = strings.ReplaceAll(out, "{{category}}", category)
	return out
}

func renderThumbnail(url string, width, height int) string {
	if strings.TrimSpace(url) == "" {
		return ""
	}
	out := strings.ReplaceAll(url, "{width}", strconv.Itoa(width))
	out = strings.ReplaceAll(out, "{height}", strconv.Itoa(height))
	return out
}
