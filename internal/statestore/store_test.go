package statestore

import (
	"path/filepath"
	"testing"
)

func TestStoreNamespaceIsolation(t *testing.T) {
	store, err := Open(NewInMemoryBackend(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Put("alerts", "msg_1", "foo"); err != nil {
		t.Fatalf("put alerts: %v", err)
	}
	if err := store.Put("subscriptions", "msg_1", "bar"); err != nil {
		t.Fatalf("put subscriptions: %v", err)
	}

	value, ok := store.Get("alerts", "msg_1")
	if !ok || value != "foo" {
		t.Fatalf("expected alerts/msg_1=foo, got %q ok=%v", value, ok)
	}
	value, ok = store.Get("subscriptions", "msg_1")
	if !ok || value != "bar" {
		t.Fatalf("expected subscriptions/msg_1=bar, got %q ok=%v", value, ok)
	}

	if err := store.Clear("alerts"); err != nil {
		t.Fatalf("clear alerts: %v", err)
	}
	if _, ok := store.Get("alerts", "msg_1"); ok {
		t.Fatalf("expected alerts namespace cleared")
	}
	if _, ok := store.Get("subscriptions", "msg_1"); !ok {
		t.Fatalf("clearing alerts must not touch subscriptions")
	}
}

func TestStoreDeleteMissingKeyIsNoop(t *testing.T) {
	store, err := Open(NewInMemoryBackend(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Delete("alerts", "missing"); err != nil {
		t.Fatalf("delete of missing key should be a no-op, got %v", err)
	}
}

func TestStoreReplaceSwapsNamespace(t *testing.T) {
	store, err := Open(NewInMemoryBackend(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Put("subscriptions", "user_1", "old"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Replace("subscriptions", map[string]string{"user_2": "new"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, ok := store.Get("subscriptions", "user_1"); ok {
		t.Fatalf("expected user_1 evicted by replace")
	}
	value, ok := store.Get("subscriptions", "user_2")
	if !ok || value != "new" {
		t.Fatalf("expected user_2=new after replace, got %q ok=%v", value, ok)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	store, err := Open(NewJSONFileBackend(path), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Put("alerts", "msg_1", "foo"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(NewJSONFileBackend(path), nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	value, ok := reopened.Get("alerts", "msg_1")
	if !ok || value != "foo" {
		t.Fatalf("expected persisted alerts/msg_1=foo, got %q ok=%v", value, ok)
	}
}

func TestStoreKeysSorted(t *testing.T) {
	store, err := Open(nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, key := range []string{"b", "a", "c"} {
		if err := store.Put("alerts", key, "x"); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	keys := store.Keys("alerts")
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("expected sorted keys [a b c], got %v", keys)
	}
}

func TestPutRejectsEmptyNamespaceOrKey(t *testing.T) {
	store, err := Open(nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Put("", "key", "v"); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput for empty namespace, got %v", err)
	}
	if err := store.Put("ns", " ", "v"); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput for blank key, got %v", err)
	}
}
