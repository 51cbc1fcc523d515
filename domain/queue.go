package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignatureHeaders are the request headers captured with a queued entry.
var SignatureHeaders = []string{"Host", "Signature", "Date", "Digest", "Content-Type", "Content-Length"}

// QueueEntry is a validated inbound activity persisted until processed.
type QueueEntry struct {
	Id         string            `json:"id"`
	Path       string            `json:"path"`
	Nickname   string            `json:"nickname"`
	Original   json.RawMessage   `json:"original"`
	Normalized map[string]any    `json:"normalized"`
	Headers    map[string]string `json:"headers"`
	BodyText   string            `json:"bodyText"`
	Received   time.Time         `json:"received"`
}

// NewQueueEntryID returns a file name that sorts in arrival order.
func NewQueueEntryID(now time.Time) string {
	return fmt.Sprintf("%020d-%s.json", now.UnixNano(), uuid.New().String())
}

// CaptureHeaders keeps the signature-relevant subset of h. Host is taken
// from host because net/http strips it from the header map.
func CaptureHeaders(h http.Header, host string) map[string]string {
	out := make(map[string]string, len(SignatureHeaders))
	for _, name := range SignatureHeaders {
		if v := h.Get(name); v != "" {
			out[strings.ToLower(name)] = v
		}
	}
	if host != "" {
		out["host"] = host
	}
	return out
}

// ActorURI returns the normalized activity's actor, if it is a string.
func (e *QueueEntry) ActorURI() string {
	switch v := e.Normalized["actor"].(type) {
	case string:
		return v
	case map[string]any:
		id, _ := v["id"].(string)
		return id
	}
	return ""
}
