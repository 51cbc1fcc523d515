package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/blocking"
	"github.com/deemkeen/herald/domain"
	"github.com/deemkeen/herald/metrics"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrKeyNotFound means no public key could be obtained for a keyId.
var ErrKeyNotFound = errors.New("actor key not found")

const actorKeyPrefix = "actor:"

// DefaultMaxAge is how long a fetched actor document is trusted before
// Resolve fetches it again.
const DefaultMaxAge = 24 * time.Hour

// ActorFetcher retrieves a remote actor document.
type ActorFetcher interface {
	FetchActor(ctx context.Context, actorURL string) (*domain.CachedActor, error)
}

// KeyCache maps actor URLs to their last fetched document and key. Entries
// live in memory and, when a store is configured, in leveldb so they
// survive restarts. Entries are replaced whole, never edited.
type KeyCache struct {
	mu     sync.RWMutex
	actors map[string]*domain.CachedActor

	store     *leveldb.DB
	fetcher   ActorFetcher
	webfinger *WebfingerResolver
	logger    *log.Logger

	// MaxAge bounds how long a fetched entry is used without refetching.
	// Entries without FetchedAt never expire.
	MaxAge time.Duration
	now    func() time.Time
}

// OpenKeyStore opens the on-disk tier of the cache.
func OpenKeyStore(path string) (*leveldb.DB, error) {
	store, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open key store %s: %w", path, err)
	}
	return store, nil
}

// NewKeyCache wires a cache. store and webfinger may be nil.
func NewKeyCache(fetcher ActorFetcher, webfinger *WebfingerResolver, store *leveldb.DB, logger *log.Logger) *KeyCache {
	if logger == nil {
		logger = log.Default()
	}
	return &KeyCache{
		actors:    make(map[string]*domain.CachedActor),
		store:     store,
		fetcher:   fetcher,
		webfinger: webfinger,
		logger:    logger.WithPrefix("keycache"),
		MaxAge:    DefaultMaxAge,
		now:       time.Now,
	}
}

// Get returns the cached entry for actorURL without any network access.
func (c *KeyCache) Get(actorURL string) (*domain.CachedActor, bool) {
	c.mu.RLock()
	actor, ok := c.actors[actorURL]
	c.mu.RUnlock()
	if ok {
		return actor, true
	}
	if c.store == nil {
		return nil, false
	}

	data, err := c.store.Get([]byte(actorKeyPrefix+actorURL), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			c.logger.Warn("Key store read failed", "actor", actorURL, "err", err)
		}
		return nil, false
	}
	actor = new(domain.CachedActor)
	if err := json.Unmarshal(data, actor); err != nil {
		c.logger.Warn("Dropping corrupt key store entry", "actor", actorURL, "err", err)
		_ = c.store.Delete([]byte(actorKeyPrefix+actorURL), nil)
		return nil, false
	}

	c.mu.Lock()
	c.actors[actorURL] = actor
	c.mu.Unlock()
	return actor, true
}

// Put stores actor under its own URL and under any aliases.
func (c *KeyCache) Put(actor *domain.CachedActor, aliases ...string) {
	c.putKeys(actor, append([]string{actor.ActorURL}, aliases...)...)
}

func (c *KeyCache) putKeys(actor *domain.CachedActor, keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		if k != "" {
			c.actors[k] = actor
		}
	}
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	data, err := json.Marshal(actor)
	if err != nil {
		c.logger.Warn("Failed to encode actor", "actor", actor.ActorURL, "err", err)
		return
	}
	batch := new(leveldb.Batch)
	for _, k := range keys {
		if k != "" {
			batch.Put([]byte(actorKeyPrefix+k), data)
		}
	}
	if err := c.store.Write(batch, nil); err != nil {
		c.logger.Warn("Key store write failed", "actor", actor.ActorURL, "err", err)
	}
}

// Invalidate forgets actorURL so the next lookup refetches it.
func (c *KeyCache) Invalidate(actorURL string) {
	c.mu.Lock()
	delete(c.actors, actorURL)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Delete([]byte(actorKeyPrefix+actorURL), nil); err != nil {
			c.logger.Warn("Key store delete failed", "actor", actorURL, "err", err)
		}
	}
	if c.webfinger != nil {
		if handle := blocking.HandleOf(actorURL); handle != "" {
			c.webfinger.Forget(handle)
		}
	}
}

func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.actors)
}

// Resolve returns the actor owning keyID, fetching it on a miss. keyID may
// be an actor URL with a fragment or an acct: handle.
func (c *KeyCache) Resolve(ctx context.Context, keyID string) (*domain.CachedActor, error) {
	actorURL := ActorFromKeyID(keyID)
	if actorURL == "" {
		return nil, ErrKeyNotFound
	}
	cached, ok := c.Get(actorURL)
	switch {
	case ok && !c.stale(cached):
		metrics.KeyCacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	case ok:
		metrics.KeyCacheLookups.WithLabelValues("stale").Inc()
	default:
		metrics.KeyCacheLookups.WithLabelValues("miss").Inc()
	}

	actor, err := c.fetch(ctx, actorURL)
	if err != nil {
		if ok && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrActorMismatch) {
			c.logger.Debug("Refetch failed, keeping stale entry", "keyId", keyID, "err", err)
			return cached, nil
		}
		if ok {
			c.Invalidate(actorURL)
		}
		metrics.KeyCacheLookups.WithLabelValues("failed").Inc()
		c.logger.Debug("Key lookup failed", "keyId", keyID, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, err)
	}

	if isHTTPURL(actorURL) && !sameHost(actor.ActorURL, actorURL) {
		// reached through webfinger: the keyId only aliases the actor
		c.putKeys(actor, actorURL)
	} else {
		c.Put(actor, actorURL)
	}
	return actor, nil
}

func (c *KeyCache) fetch(ctx context.Context, actorURL string) (*domain.CachedActor, error) {
	if !isHTTPURL(actorURL) {
		if c.webfinger == nil {
			return nil, fmt.Errorf("cannot resolve %s without webfinger", actorURL)
		}
		resolved, err := c.webfinger.Resolve(ctx, actorURL)
		if err != nil {
			return nil, err
		}
		return c.fetcher.FetchActor(ctx, resolved)
	}

	actor, err := c.fetcher.FetchActor(ctx, actorURL)
	if err == nil || c.webfinger == nil || ctx.Err() != nil {
		return actor, err
	}

	// the keyId may be a stale alias; the handle can still point at the
	// current actor document
	handle := blocking.HandleOf(actorURL)
	if handle == "" {
		return nil, err
	}
	resolved, wfErr := c.webfinger.Resolve(ctx, handle)
	if wfErr != nil || resolved == actorURL {
		return nil, err
	}
	return c.fetcher.FetchActor(ctx, resolved)
}

func (c *KeyCache) stale(actor *domain.CachedActor) bool {
	return c.MaxAge > 0 && !actor.FetchedAt.IsZero() && c.now().Sub(actor.FetchedAt) > c.MaxAge
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
