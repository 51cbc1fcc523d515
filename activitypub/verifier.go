package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/blocking"
	"github.com/deemkeen/herald/domain"
	"github.com/deemkeen/herald/metrics"
)

var (
	ErrNotPermitted  = errors.New("signing domain not permitted")
	ErrDigestInvalid = errors.New("digest missing or does not match body")
)

// Permitter decides whether an actor may talk to this server at all.
type Permitter interface {
	IsPermitted(actorURL string, allowList []string) bool
}

// SignatureVerifier authenticates inbound requests. It is safe for
// concurrent use; all shared state lives in the KeyCache and the filter.
type SignatureVerifier struct {
	keys      *KeyCache
	filter    Permitter
	allowList []string
	logger    *log.Logger
}

func NewSignatureVerifier(keys *KeyCache, filter Permitter, allowList []string, logger *log.Logger) *SignatureVerifier {
	if logger == nil {
		logger = log.Default()
	}
	return &SignatureVerifier{
		keys:      keys,
		filter:    filter,
		allowList: allowList,
		logger:    logger.WithPrefix("httpsig"),
	}
}

// Verify reports whether the request described by its parts carries a
// valid signature. headers must include Host. body is nil for GET.
func (v *SignatureVerifier) Verify(ctx context.Context, method, path string, headers http.Header, body []byte) bool {
	_, err := v.VerifyActor(ctx, method, path, headers, body)
	return err == nil
}

// VerifyActor is Verify returning the authenticated actor.
func (v *SignatureVerifier) VerifyActor(ctx context.Context, method, path string, headers http.Header, body []byte) (*domain.CachedActor, error) {
	actor, err := v.verify(ctx, method, path, headers, body)
	if err != nil {
		metrics.SignatureVerifications.WithLabelValues(failureLabel(err)).Inc()
		v.logger.Debug("Signature rejected", "method", method, "path", path, "err", err)
		return nil, err
	}
	metrics.SignatureVerifications.WithLabelValues("ok").Inc()
	return actor, nil
}

func (v *SignatureVerifier) verify(ctx context.Context, method, path string, headers http.Header, body []byte) (*domain.CachedActor, error) {
	params, err := ParseSignatureHeader(headers.Get("Signature"))
	if err != nil {
		return nil, err
	}

	if !v.filter.IsPermitted(permissionSubject(params.KeyID), v.allowList) {
		return nil, ErrNotPermitted
	}

	if method != http.MethodGet && method != http.MethodHead {
		if !params.Signs("digest") || !digestMatches(headers.Get("Digest"), body) {
			return nil, ErrDigestInvalid
		}
	}

	actor, err := v.keys.Resolve(ctx, params.KeyID)
	if err != nil {
		return nil, err
	}
	pub, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}

	host := headers.Get("Host")
	req, err := http.NewRequestWithContext(ctx, method, "http://"+host+path, nil)
	if err != nil {
		return nil, fmt.Errorf("rebuild request: %w", err)
	}
	req.Header = headers.Clone()
	req.Host = host

	if _, err := VerifyRequest(req, pub); err != nil {
		return nil, err
	}
	return actor, nil
}

// KeyDomain returns the domain a keyId was published on. It works for URL
// keyIds and for acct: handles.
func KeyDomain(keyID string) string {
	return blocking.DomainOf(permissionSubject(keyID))
}

// permissionSubject turns a keyId into something IsPermitted understands.
// Handle-style keyIds are checked by their domain.
func permissionSubject(keyID string) string {
	actor := ActorFromKeyID(keyID)
	if isHTTPURL(actor) {
		return actor
	}
	h, err := NormalizeHandle(actor)
	if err != nil {
		return actor
	}
	return "https://" + h[strings.LastIndexByte(h, '@')+1:] + "/"
}

func digestMatches(header string, body []byte) bool {
	if header == "" {
		return false
	}
	want := Digest(body)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if eq := strings.IndexByte(part, '='); eq > 0 &&
			strings.EqualFold(part[:eq], "SHA-256") && part[eq+1:] == want[len("SHA-256="):] {
			return true
		}
	}
	return false
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, ErrSignatureMissing), errors.Is(err, ErrKeyIDMissing):
		return "missing"
	case errors.Is(err, ErrNotPermitted):
		return "not_permitted"
	case errors.Is(err, ErrDigestInvalid):
		return "digest"
	case errors.Is(err, ErrKeyNotFound):
		return "no_key"
	}
	return "mismatch"
}
