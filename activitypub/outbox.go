package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender POSTs signed activities to remote inboxes.
type Sender struct {
	Client    *http.Client
	UserAgent string
}

func NewSender(userAgent string, timeout time.Duration) *Sender {
	return &Sender{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
	}
}

// Post sends body to inboxURI, signed with privateKey under keyID. The
// signature is computed for this destination only.
func (s *Sender) Post(ctx context.Context, inboxURI string, body []byte, privateKey *rsa.PrivateKey, keyID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", s.UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", Digest(body))

	if err := SignRequest(req, privateKey, keyID); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	return nil
}

// NewAccept builds the Accept answering follow on behalf of actorURI. The
// follow is embedded whole so the remote side can match it without a fetch.
func NewAccept(id, actorURI string, follow map[string]any) map[string]any {
	followActor, _ := follow["actor"].(string)
	return map[string]any{
		"@context": ContextActivityStreams,
		"id":       id,
		"type":     string(KindAccept),
		"actor":    actorURI,
		"to":       []any{followActor},
		"object":   follow,
	}
}

// StripHidden removes bto and bcc, which must never reach a remote server.
// body is returned unchanged when neither is present.
func StripHidden(body []byte, raw map[string]any) ([]byte, error) {
	_, hasBto := raw["bto"]
	_, hasBcc := raw["bcc"]
	if !hasBto && !hasBcc {
		return body, nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != "bto" && k != "bcc" {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// mustMarshal marshals v to JSON, panicking on error
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return b
}
