package domain

import (
	"time"

	"github.com/google/uuid"
)

// CachedActor is an immutable snapshot of a remote actor document and its
// signing key. Caches replace entries whole and never mutate them.
type CachedActor struct {
	ActorURL       string
	KeyID          string
	PublicKeyPem   string
	InboxURL       string
	SharedInboxURL string
	FollowersURL   string
	Document       map[string]any
	FetchedAt      time.Time
}

// DeliveryInbox prefers the shared inbox so one POST covers every
// recipient on the same server.
func (a *CachedActor) DeliveryInbox() string {
	if a.SharedInboxURL != "" {
		return a.SharedInboxURL
	}
	return a.InboxURL
}

// WebfingerEntry is a resolved handle, or a negative result when Found is
// false.
type WebfingerEntry struct {
	Handle     string
	ActorURL   string
	Found      bool
	ResolvedAt time.Time
}

// Follower is a remote (or local) actor following a local account.
type Follower struct {
	Id             uuid.UUID
	AccountId      uuid.UUID
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
	FollowURI      string
	CreatedAt      time.Time
	LastSeen       time.Time
}

// Following is a follow request sent by a local account.
type Following struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	ActorURI  string
	FollowURI string
	Accepted  bool
	CreatedAt time.Time
}

// InboxItem is an accepted activity stored for a local account.
type InboxItem struct {
	Id           uuid.UUID
	Nickname     string
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	CreatedAt    time.Time
}

// DeliveryQueueItem is a failed outbound POST waiting for another attempt.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	Nickname     string
	InboxURI     string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

// Block is a moderation entry. Scope is "*" for instance-wide blocks or a
// local nickname. Target is a domain, a handle, an actor URL or a #hashtag.
type Block struct {
	Id        uuid.UUID
	Scope     string
	Target    string
	CreatedAt time.Time
}
