// Package registry owns the lifecycle of remote EventSub subscriptions and
// keeps the cached view of them reconciled against the remote registry, which
// is the only source of truth for delivery.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/streamherald/streamherald/internal/keylock"
	"github.com/streamherald/streamherald/internal/statestore"
	"github.com/streamherald/streamherald/internal/twitch"
)

const subscriptionNamespace = "subscriptions"

// statusNotExists is the synthetic status for a cached subscription id the
// remote registry no longer knows about.
const statusNotExists = "not_exists"

// ErrSubscriptionConflict is returned when a create still conflicts after the
// full cache refresh and single retry. Conflicts are never retried beyond
// that bound.
var ErrSubscriptionConflict = errors.New("subscription conflict persisted after cache refresh")

// API is the subset of the upstream client the registry drives.
type API interface {
	UserByLogin(ctx context.Context, login string) (twitch.User, error)
	UserByID(ctx context.Context, id string) (twitch.User, error)
	CreateSubscription(ctx context.Context, broadcasterUserID, eventType string) (twitch.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context, after string) (twitch.SubscriptionPage, error)
}

// Record is the cached view of one remote subscription.
type Record struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type entityCache struct {
	Login         string            `json:"login"`
	Subscriptions map[string]Record `json:"subscriptions"`
}

// EntitySubscriptions is the per-entity result of ListAll.
type EntitySubscriptions struct {
	EntityID      string
	Login         string
	Subscriptions map[string]Record
}

type Registry struct {
	api        API
	store      *statestore.Store
	logger     *slog.Logger
	eventTypes []string
	locks      *keylock.Map
}

func New(api API, store *statestore.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		api:    api,
		store:  store,
		logger: logger,
		eventTypes: []string{
			twitch.EventTypeStreamOnline,
			twitch.EventTypeStreamOffline,
			twitch.EventTypeChannelUpdate,
		},
		locks: keylock.New(),
	}
}

// EnsureSubscribed reconciles every event-type subscription for one
// broadcaster against the remote registry, repairing whatever drifted.
func (r *Registry) EnsureSubscribed(ctx context.Context, login string) error {
	user, err := r.api.UserByLogin(ctx, login)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", login, err)
	}

	r.locks.Lock(user.ID)
	defer r.locks.Unlock(user.ID)

	return r.ensureEntity(ctx, user, false)
}

func (r *Registry) ensureEntity(ctx context.Context, user twitch.User, retried bool) error {
	for _, eventType := range r.eventTypes {
		err := r.ensureOne(ctx, user, eventType)
		if err == nil {
			continue
		}
		if !errors.Is(err, twitch.ErrConflict) {
			return err
		}
		if retried {
			return fmt.Errorf("%w: %s %s", ErrSubscriptionConflict, user.Login, eventType)
		}
		// An equivalent subscription exists remotely that the cache never
		// saw. Refresh the whole cache from the remote list, then retry the
		// entity exactly once.
		r.logger.Warn("subscription create conflicted, refreshing cache", "login", user.Login, "type", eventType)
		if _, refreshErr := r.ListAll(ctx, true, false); refreshErr != nil {
			return fmt.Errorf("cache refresh after conflict: %w", refreshErr)
		}
		return r.ensureEntity(ctx, user, true)
	}
	return nil
}

func (r *Registry) ensureOne(ctx context.Context, user twitch.User, eventType string) error {
	cache := r.loadEntityCache(user.ID)
	record, cached := cache.Subscriptions[eventType]

	if cached {
		status, err := r.remoteStatus(ctx, record.ID)
		if err != nil {
			return err
		}
		if status == twitch.SubscriptionStatusEnabled || status == twitch.SubscriptionStatusVerificationPending {
			return nil
		}
		// Stale or dead remotely: clear both sides before recreating. The
		// delete is attempted even when the list says not_exists; it is
		// best-effort either way.
		r.logger.Info("replacing stale subscription",
			"login", user.Login, "type", eventType, "id", record.ID, "remote_status", status)
		if err := r.api.DeleteSubscription(ctx, record.ID); err != nil {
			r.logger.Warn("stale subscription delete failed", "id", record.ID, "error", err)
		}
		delete(cache.Subscriptions, eventType)
		if err := r.saveEntityCache(user.ID, cache); err != nil {
			return err
		}
	}

	sub, err := r.api.CreateSubscription(ctx, user.ID, eventType)
	if err != nil {
		return err
	}
	cache = r.loadEntityCache(user.ID)
	cache.Login = user.Login
	cache.Subscriptions[eventType] = Record{ID: sub.ID, Status: sub.Status}
	return r.saveEntityCache(user.ID, cache)
}

// remoteStatus walks the full remote list until the id is found.
func (r *Registry) remoteStatus(ctx context.Context, subscriptionID string) (string, error) {
	after := ""
	for {
		page, err := r.api.ListSubscriptions(ctx, after)
		if err != nil {
			return "", err
		}
		for _, sub := range page.Subscriptions {
			if sub.ID == subscriptionID {
				return sub.Status, nil
			}
		}
		if page.Cursor == "" {
			return statusNotExists, nil
		}
		after = page.Cursor
	}
}

// UnsubscribeAll deletes every remote subscription cached for a broadcaster,
// best-effort, then evicts the cache entry.
func (r *Registry) UnsubscribeAll(ctx context.Context, login string) error {
	entityID := r.entityIDForLogin(login)
	if entityID == "" {
		user, err := r.api.UserByLogin(ctx, login)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", login, err)
		}
		entityID = user.ID
	}

	r.locks.Lock(entityID)
	defer r.locks.Unlock(entityID)

	cache := r.loadEntityCache(entityID)
	for eventType, record := range cache.Subscriptions {
		if err := r.api.DeleteSubscription(ctx, record.ID); err != nil {
			r.logger.Warn("subscription delete failed", "login", login, "type", eventType, "id", record.ID, "error", err)
		}
	}
	return r.store.Delete(subscriptionNamespace, entityID)
}

// ListAll paginates the full remote subscription list. With refreshCache set
// the local cache is overwritten with the remote snapshot; with resolveNames
// set each entity's login is resolved (memoized per call).
func (r *Registry) ListAll(ctx context.Context, refreshCache, resolveNames bool) (map[string]EntitySubscriptions, error) {
	result := map[string]EntitySubscriptions{}
	logins := map[string]string{}

	after := ""
	for {
		page, err := r.api.ListSubscriptions(ctx, after)
		if err != nil {
			return nil, err
		}
		for _, sub := range page.Subscriptions {
			entityID := sub.Condition.BroadcasterUserID
			if entityID == "" {
				continue
			}
			entry, ok := result[entityID]
			if !ok {
				entry = EntitySubscriptions{EntityID: entityID, Subscriptions: map[string]Record{}}
			}
			entry.Subscriptions[sub.Type] = Record{ID: sub.ID, Status: sub.Status}
			if resolveNames {
				login, known := logins[entityID]
				if !known {
					if user, err := r.api.UserByID(ctx, entityID); err == nil {
						login = user.Login
					} else {
						r.logger.Warn("login resolution failed", "entity_id", entityID, "error", err)
					}
					logins[entityID] = login
				}
				entry.Login = login
			}
			result[entityID] = entry
		}
		if page.Cursor == "" {
			break
		}
		after = page.Cursor
	}

	if refreshCache {
		entries := make(map[string]string, len(result))
		for entityID, entry := range result {
			login := entry.Login
			if login == "" {
				login = r.loadEntityCache(entityID).Login
			}
			payload, err := json.Marshal(entityCache{Login: login, Subscriptions: entry.Subscriptions})
			if err != nil {
				return nil, err
			}
			entries[entityID] = string(payload)
		}
		if err := r.store.Replace(subscriptionNamespace, entries); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *Registry) loadEntityCache(entityID string) entityCache {
	cache := entityCache{Subscriptions: map[string]Record{}}
	raw, ok := r.store.Get(subscriptionNamespace, entityID)
	if !ok {
		return cache
	}
	if err := json.Unmarshal([]byte(raw), &cache); err != nil {
		r.logger.Warn("corrupt subscription cache entry, discarding", "entity_id", entityID, "error", err)
		return entityCache{Subscriptions: map[string]Record{}}
	}
	if cache.Subscriptions == nil {
		cache.Subscriptions = map[string]Record{}
	}
	return cache
}

func (r *Registry) saveEntityCache(entityID string, cache entityCache) error {
	payload, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	return r.store.Put(subscriptionNamespace, entityID, string(payload))
}

func (r *Registry) entityIDForLogin(login string) string {
	login = strings.ToLower(strings.TrimSpace(login))
	for entityID, raw := range r.store.Entries(subscriptionNamespace) {
		var cache entityCache
		if err := json.Unmarshal([]byte(raw), &cache); err != nil {
			continue
		}
		if strings.ToLower(cache.Login) == login {
			return entityID
		}
	}
	return ""
}
