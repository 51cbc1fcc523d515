package activitypub

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/herald/domain"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func openMemKeyStore(t *testing.T) *leveldb.DB {
	t.Helper()
	store, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("Failed to open leveldb: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestKeyCache(t *testing.T, remote *remoteServer) (*KeyCache, *WebfingerResolver) {
	t.Helper()
	fetcher := NewFetcher("herald-test")
	wf := NewWebfingerResolver(fetcher, nil)
	wf.Scheme = "http"
	return NewKeyCache(fetcher, wf, openMemKeyStore(t), nil), wf
}

func TestKeyCacheFetchesOnce(t *testing.T) {
	remote := newRemoteServer(t)
	cache, _ := newTestKeyCache(t, remote)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		actor, err := cache.Resolve(ctx, remote.actorURL("bob")+"#main-key")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if actor.ActorURL != remote.actorURL("bob") {
			t.Errorf("Unexpected actor %s", actor.ActorURL)
		}
	}

	if got := remote.actorFetches.Load(); got != 1 {
		t.Errorf("Expected 1 fetch, got %d", got)
	}
}

func TestKeyCacheInvalidateRefetches(t *testing.T) {
	remote := newRemoteServer(t)
	cache, _ := newTestKeyCache(t, remote)
	ctx := context.Background()
	keyId := remote.actorURL("bob") + "#main-key"

	if _, err := cache.Resolve(ctx, keyId); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	cache.Invalidate(remote.actorURL("bob"))

	if _, ok := cache.Get(remote.actorURL("bob")); ok {
		t.Error("Entry should be gone after Invalidate")
	}
	if _, err := cache.Resolve(ctx, keyId); err != nil {
		t.Fatalf("Resolve after invalidate failed: %v", err)
	}
	if got := remote.actorFetches.Load(); got != 2 {
		t.Errorf("Expected 2 fetches, got %d", got)
	}
}

func TestKeyCacheDiskTierSurvivesRestart(t *testing.T) {
	store := openMemKeyStore(t)
	first := NewKeyCache(nil, nil, store, nil)
	first.Put(&domain.CachedActor{
		ActorURL:     "https://remote.example/users/bob",
		PublicKeyPem: "pem",
		InboxURL:     "https://remote.example/users/bob/inbox",
	})

	second := NewKeyCache(nil, nil, store, nil)
	actor, ok := second.Get("https://remote.example/users/bob")
	if !ok {
		t.Fatal("Expected entry from the disk tier")
	}
	if actor.InboxURL != "https://remote.example/users/bob/inbox" {
		t.Errorf("Unexpected inbox %s", actor.InboxURL)
	}

	// the nil fetcher would panic on a miss, so this proves a cache hit
	if _, err := second.Resolve(context.Background(), "https://remote.example/users/bob#main-key"); err != nil {
		t.Errorf("Resolve should hit the cache: %v", err)
	}
}

func TestKeyCacheUnknownActor(t *testing.T) {
	remote := newRemoteServer(t)
	cache, _ := newTestKeyCache(t, remote)

	_, err := cache.Resolve(context.Background(), remote.actorURL("ghost")+"#main-key")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
	if cache.Len() != 0 {
		t.Error("Failed lookups should not be cached")
	}
}

func TestKeyCacheResolvesHandleKeyID(t *testing.T) {
	remote := newRemoteServer(t)
	cache, wf := newTestKeyCache(t, remote)
	host := strings.TrimPrefix(remote.URL, "http://")

	actor, err := cache.Resolve(context.Background(), "acct:dave@"+host)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if actor.ActorURL != remote.actorURL("dave") {
		t.Errorf("Expected %s, got %s", remote.actorURL("dave"), actor.ActorURL)
	}
	if _, ok := wf.Lookup("dave@" + host); !ok {
		t.Error("Expected the webfinger result to be remembered")
	}
}

func TestKeyCacheRejectsEmptyKeyID(t *testing.T) {
	cache := NewKeyCache(nil, nil, nil, nil)
	if _, err := cache.Resolve(context.Background(), ""); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

type fetcherFunc func(ctx context.Context, actorURL string) (*domain.CachedActor, error)

func (f fetcherFunc) FetchActor(ctx context.Context, actorURL string) (*domain.CachedActor, error) {
	return f(ctx, actorURL)
}

func TestKeyCacheIgnoresForeignActorDocument(t *testing.T) {
	impostor := impostorServer(t)
	cache := NewKeyCache(NewFetcher("herald-test"), nil, openMemKeyStore(t), nil)

	_, err := cache.Resolve(context.Background(), impostor.URL+"/users/mallory#main-key")
	if !errors.Is(err, ErrKeyNotFound) || !errors.Is(err, ErrActorMismatch) {
		t.Errorf("Expected a mismatch lookup failure, got %v", err)
	}
	if _, ok := cache.Get("https://victim.example/users/alice"); ok {
		t.Error("The claimed actor must not be cached")
	}
	if cache.Len() != 0 {
		t.Errorf("Expected an empty cache, got %d entries", cache.Len())
	}
}

func TestKeyCacheAliasOnlyForOtherHosts(t *testing.T) {
	actual := &domain.CachedActor{
		ActorURL:     "https://new.example/users/bob",
		PublicKeyPem: "pem",
		InboxURL:     "https://new.example/users/bob/inbox",
	}
	cache := NewKeyCache(fetcherFunc(func(context.Context, string) (*domain.CachedActor, error) {
		return actual, nil
	}), nil, nil, nil)

	if _, err := cache.Resolve(context.Background(), "https://old.example/users/bob#main-key"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, ok := cache.Get("https://old.example/users/bob"); !ok {
		t.Error("Expected the keyId alias to be cached")
	}
	if _, ok := cache.Get("https://new.example/users/bob"); ok {
		t.Error("A document reached from another host must not be cached under its own id")
	}
}

func TestKeyCacheRefetchesStaleEntries(t *testing.T) {
	remote := newRemoteServer(t)
	cache, _ := newTestKeyCache(t, remote)
	clock := time.Now()
	cache.now = func() time.Time { return clock }
	keyID := remote.actorURL("bob") + "#main-key"

	if _, err := cache.Resolve(context.Background(), keyID); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	clock = clock.Add(DefaultMaxAge - time.Minute)
	cache.Resolve(context.Background(), keyID)
	if got := remote.actorFetches.Load(); got != 1 {
		t.Fatalf("Expected a fresh entry to be reused, got %d fetches", got)
	}

	clock = clock.Add(2 * DefaultMaxAge)
	if _, err := cache.Resolve(context.Background(), keyID); err != nil {
		t.Fatalf("Resolve of stale entry failed: %v", err)
	}
	if got := remote.actorFetches.Load(); got != 2 {
		t.Errorf("Expected a refetch of the stale entry, got %d fetches", got)
	}
}

func TestKeyCacheStaleEntryOnFetchFailure(t *testing.T) {
	stale := &domain.CachedActor{
		ActorURL:     "https://remote.example/users/bob",
		PublicKeyPem: "pem",
		FetchedAt:    time.Now().Add(-48 * time.Hour),
	}

	tests := []struct {
		name      string
		fetchErr  error
		keepStale bool
	}{
		{"remote unreachable", errors.New("connection refused"), true},
		{"actor gone", ErrNotFound, false},
		{"document moved host", ErrActorMismatch, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewKeyCache(fetcherFunc(func(context.Context, string) (*domain.CachedActor, error) {
				return nil, tt.fetchErr
			}), nil, nil, nil)
			cache.Put(stale)

			actor, err := cache.Resolve(context.Background(), stale.ActorURL+"#main-key")
			if tt.keepStale {
				if err != nil || actor != stale {
					t.Errorf("Expected the stale entry, got %v %v", actor, err)
				}
				return
			}
			if !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("Expected ErrKeyNotFound, got %v", err)
			}
			if _, ok := cache.Get(stale.ActorURL); ok {
				t.Error("Expected the stale entry to be dropped")
			}
		})
	}
}
