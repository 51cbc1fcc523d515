package activitypub

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SharedInboxNickname marks queue entries that arrived at the shared inbox.
const SharedInboxNickname = "inbox"

// IRIs builds and parses this server's own IRIs.
type IRIs struct {
	BaseURL string
}

func (i IRIs) Actor(nickname string) string {
	return fmt.Sprintf("%s/users/%s", i.BaseURL, nickname)
}

func (i IRIs) KeyID(nickname string) string {
	return i.Actor(nickname) + "#main-key"
}

func (i IRIs) Inbox(nickname string) string {
	return i.Actor(nickname) + "/inbox"
}

func (i IRIs) Outbox(nickname string) string {
	return i.Actor(nickname) + "/outbox"
}

func (i IRIs) Followers(nickname string) string {
	return i.Actor(nickname) + "/followers"
}

func (i IRIs) Following(nickname string) string {
	return i.Actor(nickname) + "/following"
}

func (i IRIs) SharedInbox() string {
	return i.BaseURL + "/inbox"
}

// NewActivityID returns a fresh IRI for an activity published here.
func (i IRIs) NewActivityID() string {
	return fmt.Sprintf("%s/activities/%s", i.BaseURL, uuid.New().String())
}

// Nickname extracts the local nickname from an actor IRI or one of its
// collections. ok is false for remote IRIs.
func (i IRIs) Nickname(iri string) (nickname string, ok bool) {
	prefix := i.BaseURL + "/users/"
	if !strings.HasPrefix(iri, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(iri, prefix)
	if j := strings.IndexAny(rest, "/#?"); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// IsFollowersOf reports whether iri is the followers collection of a local
// account and returns that account.
func (i IRIs) IsFollowersOf(iri string) (string, bool) {
	nick, ok := i.Nickname(iri)
	if !ok || iri != i.Followers(nick) {
		return "", false
	}
	return nick, true
}

// IsPublic matches the special public collection in all its spellings.
func IsPublic(iri string) bool {
	switch iri {
	case PublicCollection, "as:Public", "Public":
		return true
	}
	return false
}
