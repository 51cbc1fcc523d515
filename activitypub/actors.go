package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/herald/domain"
)

const maxDocumentBytes = 1 << 20

var (
	// ErrNotFound is returned when a remote server answers 404 or 410.
	ErrNotFound = errors.New("remote document not found")
	// ErrActorMismatch is returned for a document that claims an identity
	// on another host.
	ErrActorMismatch = errors.New("actor document does not belong to its host")
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox"`
	Followers         string `json:"followers"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`

	// set when the document is a bare key rather than an actor
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Fetcher performs the unauthenticated GETs of federation: actor documents
// and webfinger lookups.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
}

func NewFetcher(userAgent string) *Fetcher {
	return &Fetcher{
		Client:    &http.Client{Timeout: 10 * time.Second},
		UserAgent: userAgent,
	}
}

// GetJSON fetches url with the given Accept header and decodes the body.
func (f *Fetcher) GetJSON(ctx context.Context, url, accept string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%s: %w", url, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("fetch of %s failed with status: %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", url, err)
	}
	return nil
}

// FetchActor retrieves an actor document. A keyId that points at a bare
// key document is followed to its owner once. A document only speaks for
// identities on the host it was served from.
func (f *Fetcher) FetchActor(ctx context.Context, actorURL string) (*domain.CachedActor, error) {
	raw, actor, err := f.fetchDocument(ctx, actorURL)
	if err != nil {
		return nil, err
	}

	source := actorURL
	if actor.Inbox == "" && actor.Owner != "" && actor.Owner != actorURL {
		if !sameHost(actor.Owner, actorURL) {
			return nil, fmt.Errorf("%w: key %s claims owner %s", ErrActorMismatch, actorURL, actor.Owner)
		}
		source = actor.Owner
		if raw, actor, err = f.fetchDocument(ctx, source); err != nil {
			return nil, err
		}
		if actor.PublicKey.ID != actorURL {
			return nil, fmt.Errorf("%w: %s does not publish key %s", ErrActorMismatch, source, actorURL)
		}
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor %s missing required fields", actorURL)
	}
	if !sameHost(actor.ID, source) {
		return nil, fmt.Errorf("%w: %s served a document for %s", ErrActorMismatch, source, actor.ID)
	}

	return &domain.CachedActor{
		ActorURL:       actor.ID,
		KeyID:          actor.PublicKey.ID,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		InboxURL:       actor.Inbox,
		SharedInboxURL: actor.Endpoints.SharedInbox,
		FollowersURL:   actor.Followers,
		Document:       raw,
		FetchedAt:      time.Now(),
	}, nil
}

func (f *Fetcher) fetchDocument(ctx context.Context, docURL string) (map[string]any, *ActorResponse, error) {
	var raw map[string]any
	if err := f.GetJSON(ctx, docURL, ContentType+", "+LDContentType, &raw); err != nil {
		return nil, nil, err
	}
	actor, err := decodeActor(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, actor, nil
}

// sameHost compares the authority of two URLs, port included.
func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil || ub.Host == "" {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

func decodeActor(raw map[string]any) (*ActorResponse, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var actor ActorResponse
	if err := json.Unmarshal(b, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	return &actor, nil
}
