package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/sketchrelay/internal/relay/domain"
	"github.com/louisbranch/sketchrelay/internal/relay/storage"
)

var testTime = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func seedUser(t *testing.T, store *Store, id string) domain.User {
	t.Helper()
	user, err := store.UpsertUser(context.Background(), domain.User{
		ID:          id,
		DisplayName: "Player " + id,
		CreatedAt:   testTime,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return user
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestUpsertUserPreservesCreation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertUser(ctx, domain.User{
		ID:          "u1",
		DisplayName: "Ada",
		Notify:      true,
		CreatedAt:   testTime,
	})
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if !first.Notify {
		t.Error("expected notify to be stored")
	}

	second, err := store.UpsertUser(ctx, domain.User{
		ID:          "u1",
		DisplayName: "Ada L.",
		Notify:      false,
		CreatedAt:   testTime.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert user again: %v", err)
	}
	if second.DisplayName != "Ada L." {
		t.Errorf("display name = %q, want %q", second.DisplayName, "Ada L.")
	}
	if second.Notify {
		t.Error("expected notify to be cleared")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created at changed on upsert: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestGetUserNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetUser(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
