package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/domain"
)

// ErrHandleNotFound is returned for handles that did not resolve, including
// remembered failures.
var ErrHandleNotFound = errors.New("webfinger: handle not found")

// WebfingerLink is one entry of a JRD links array.
type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// WebfingerResponse is a JSON Resource Descriptor.
type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

// SelfLink returns the ActivityPub actor URL advertised by the descriptor.
func (r *WebfingerResponse) SelfLink() string {
	for _, l := range r.Links {
		if l.Rel != "self" {
			continue
		}
		if l.Type == ContentType || strings.HasPrefix(l.Type, "application/ld+json") {
			return l.Href
		}
	}
	return ""
}

// WebfingerResolver turns user@domain handles into actor URLs. Successes
// and definitive failures are kept until Forget is called.
type WebfingerResolver struct {
	fetcher *Fetcher
	// Scheme is used to reach the remote host, "https" unless set.
	Scheme string

	mu      sync.RWMutex
	entries map[string]domain.WebfingerEntry
	logger  *log.Logger
}

func NewWebfingerResolver(fetcher *Fetcher, logger *log.Logger) *WebfingerResolver {
	if logger == nil {
		logger = log.Default()
	}
	return &WebfingerResolver{
		fetcher: fetcher,
		Scheme:  "https",
		entries: make(map[string]domain.WebfingerEntry),
		logger:  logger.WithPrefix("webfinger"),
	}
}

// NormalizeHandle accepts "acct:user@domain", "@user@domain" and
// "user@domain" and returns "user@domain" with the domain lowercased.
func NormalizeHandle(handle string) (string, error) {
	h := strings.TrimSpace(handle)
	h = strings.TrimPrefix(h, "acct:")
	h = strings.TrimPrefix(h, "@")
	at := strings.LastIndexByte(h, '@')
	if at <= 0 || at == len(h)-1 {
		return "", fmt.Errorf("invalid handle %q", handle)
	}
	return h[:at] + "@" + strings.ToLower(h[at+1:]), nil
}

// Lookup returns the memoized result for handle, if any.
func (w *WebfingerResolver) Lookup(handle string) (domain.WebfingerEntry, bool) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return domain.WebfingerEntry{}, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[h]
	return e, ok
}

// Forget drops any memoized result for handle.
func (w *WebfingerResolver) Forget(handle string) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return
	}
	w.mu.Lock()
	delete(w.entries, h)
	w.mu.Unlock()
}

// Resolve returns the actor URL for handle.
func (w *WebfingerResolver) Resolve(ctx context.Context, handle string) (string, error) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return "", err
	}

	if e, ok := w.Lookup(h); ok {
		if !e.Found {
			return "", ErrHandleNotFound
		}
		return e.ActorURL, nil
	}

	domainPart := h[strings.LastIndexByte(h, '@')+1:]
	endpoint := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s",
		w.Scheme, domainPart, url.QueryEscape("acct:"+h))

	var jrd WebfingerResponse
	err = w.fetcher.GetJSON(ctx, endpoint, "application/jrd+json, application/json", &jrd)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.remember(h, "", false)
			return "", ErrHandleNotFound
		}
		// transient failures are not remembered
		return "", fmt.Errorf("webfinger %s: %w", h, err)
	}

	actorURL := jrd.SelfLink()
	if actorURL == "" {
		w.logger.Debug("No self link", "handle", h)
		w.remember(h, "", false)
		return "", ErrHandleNotFound
	}

	w.remember(h, actorURL, true)
	return actorURL, nil
}

func (w *WebfingerResolver) remember(handle, actorURL string, found bool) {
	w.mu.Lock()
	w.entries[handle] = domain.WebfingerEntry{
		Handle:     handle,
		ActorURL:   actorURL,
		Found:      found,
		ResolvedAt: time.Now(),
	}
	w.mu.Unlock()
}
