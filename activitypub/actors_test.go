package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type receivedPost struct {
	path   string
	header http.Header
	body   []byte
}

// remoteServer plays a remote instance: actor documents, bare key
// documents, webfinger and inboxes. Actor "ghost" does not exist. Actor
// "erin" publishes its key at /keys/erin; everyone else uses #main-key.
type remoteServer struct {
	*httptest.Server
	t *testing.T

	keyMu sync.Mutex
	keys  map[string]*rsa.PrivateKey

	actorFetches atomic.Int32
	webfingers   atomic.Int32
	postStatus   atomic.Int32

	mu    sync.Mutex
	posts []receivedPost
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	s := &remoteServer{t: t, keys: make(map[string]*rsa.PrivateKey)}
	s.postStatus.Store(http.StatusAccepted)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.actorFetches.Add(1)
		name := r.PathValue("name")
		if name == "ghost" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(s.actorDoc(t, name))
	})
	mux.HandleFunc("GET /keys/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(map[string]any{
			"id":           s.URL + "/keys/" + r.PathValue("name"),
			"owner":        s.actorURL(r.PathValue("name")),
			"publicKeyPem": publicKeyToPEM(t, &s.keyFor(r.PathValue("name")).PublicKey),
		})
	})
	mux.HandleFunc("GET /.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) {
		s.webfingers.Add(1)
		resource := strings.TrimPrefix(r.URL.Query().Get("resource"), "acct:")
		name := resource[:strings.IndexByte(resource, '@')]
		if name == "ghost" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/jrd+json")
		json.NewEncoder(w).Encode(WebfingerResponse{
			Subject: "acct:" + resource,
			Links: []WebfingerLink{
				{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: s.URL + "/@" + name},
				{Rel: "self", Type: ContentType, Href: s.actorURL(name)},
			},
		})
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h := r.Header.Clone()
		h.Set("Host", r.Host)
		s.mu.Lock()
		s.posts = append(s.posts, receivedPost{path: r.URL.Path, header: h, body: body})
		s.mu.Unlock()
		w.WriteHeader(int(s.postStatus.Load()))
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// keyFor returns the private key of a remote actor, one per name.
func (s *remoteServer) keyFor(name string) *rsa.PrivateKey {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	key, ok := s.keys[name]
	if !ok {
		key, _ = generateTestKeyPair(s.t)
		s.keys[name] = key
	}
	return key
}

func (s *remoteServer) actorURL(name string) string {
	return s.URL + "/users/" + name
}

func (s *remoteServer) actorDoc(t *testing.T, name string) map[string]any {
	actor := s.actorURL(name)
	keyID := actor + "#main-key"
	if name == "erin" {
		keyID = s.URL + "/keys/erin"
	}
	return map[string]any{
		"@context":          []any{ContextActivityStreams, "https://w3id.org/security/v1"},
		"id":                actor,
		"type":              "Person",
		"preferredUsername": name,
		"inbox":             actor + "/inbox",
		"outbox":            actor + "/outbox",
		"followers":         actor + "/followers",
		"endpoints":         map[string]any{"sharedInbox": s.URL + "/inbox"},
		"publicKey": map[string]any{
			"id":           keyID,
			"owner":        actor,
			"publicKeyPem": publicKeyToPEM(t, &s.keyFor(name).PublicKey),
		},
	}
}

func (s *remoteServer) received() []receivedPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]receivedPost(nil), s.posts...)
}

func TestFetchActor(t *testing.T) {
	remote := newRemoteServer(t)
	f := NewFetcher("herald-test")

	actor, err := f.FetchActor(context.Background(), remote.actorURL("bob"))
	if err != nil {
		t.Fatalf("FetchActor failed: %v", err)
	}

	if actor.ActorURL != remote.actorURL("bob") {
		t.Errorf("Expected actor URL %s, got %s", remote.actorURL("bob"), actor.ActorURL)
	}
	if actor.KeyID != remote.actorURL("bob")+"#main-key" {
		t.Errorf("Unexpected key id %s", actor.KeyID)
	}
	if actor.InboxURL != remote.actorURL("bob")+"/inbox" {
		t.Errorf("Unexpected inbox %s", actor.InboxURL)
	}
	if actor.DeliveryInbox() != remote.URL+"/inbox" {
		t.Errorf("Expected shared inbox to be preferred, got %s", actor.DeliveryInbox())
	}
	if actor.Document["preferredUsername"] != "bob" {
		t.Error("Expected the full document to be kept")
	}
	if _, err := ParsePublicKey(actor.PublicKeyPem); err != nil {
		t.Errorf("Stored key does not parse: %v", err)
	}
}

func TestFetchActorFollowsKeyOwner(t *testing.T) {
	remote := newRemoteServer(t)
	f := NewFetcher("herald-test")

	actor, err := f.FetchActor(context.Background(), remote.URL+"/keys/erin")
	if err != nil {
		t.Fatalf("FetchActor failed: %v", err)
	}
	if actor.ActorURL != remote.actorURL("erin") {
		t.Errorf("Expected owner actor, got %s", actor.ActorURL)
	}
	if actor.KeyID != remote.URL+"/keys/erin" {
		t.Errorf("Unexpected key id %s", actor.KeyID)
	}
}

// impostorServer serves documents whose ids and owners point elsewhere.
func impostorServer(t *testing.T) *httptest.Server {
	t.Helper()
	_, pub := generateTestKeyPair(t)
	pem := publicKeyToPEM(t, pub)
	victim := "https://victim.example/users/alice"

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/mallory", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":    victim,
			"type":  "Person",
			"inbox": victim + "/inbox",
			"publicKey": map[string]any{
				"id":           victim + "#main-key",
				"owner":        victim,
				"publicKeyPem": pem,
			},
		})
	})
	mux.HandleFunc("GET /keys/mallory", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":           "http://" + r.Host + "/keys/mallory",
			"owner":        victim,
			"publicKeyPem": pem,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchActorRejectsForeignDocuments(t *testing.T) {
	remote := newRemoteServer(t)
	impostor := impostorServer(t)
	f := NewFetcher("herald-test")

	tests := []struct {
		name string
		url  string
	}{
		{"actor id on another host", impostor.URL + "/users/mallory"},
		{"key owner on another host", impostor.URL + "/keys/mallory"},
		{"owner does not publish the key", remote.URL + "/keys/carol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.FetchActor(context.Background(), tt.url)
			if !errors.Is(err, ErrActorMismatch) {
				t.Errorf("Expected ErrActorMismatch, got %v", err)
			}
		})
	}
}

func TestFetchActorNotFound(t *testing.T) {
	remote := newRemoteServer(t)
	f := NewFetcher("herald-test")

	_, err := f.FetchActor(context.Background(), remote.actorURL("ghost"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFetchActorMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"https://x.example/users/a","type":"Person"}`))
	}))
	defer srv.Close()

	if _, err := NewFetcher("herald-test").FetchActor(context.Background(), srv.URL); err == nil {
		t.Error("Expected error for actor without inbox and key")
	}
}

func TestActorResponseUnmarshal(t *testing.T) {
	jsonData := `{
		"@context": ["https://www.w3.org/ns/activitystreams"],
		"id": "https://mastodon.example/users/alice",
		"type": "Person",
		"preferredUsername": "alice",
		"inbox": "https://mastodon.example/users/alice/inbox",
		"followers": "https://mastodon.example/users/alice/followers",
		"endpoints": {"sharedInbox": "https://mastodon.example/inbox"},
		"publicKey": {
			"id": "https://mastodon.example/users/alice#main-key",
			"owner": "https://mastodon.example/users/alice",
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----\nMIIB...\n-----END PUBLIC KEY-----"
		}
	}`

	var actor ActorResponse
	if err := json.Unmarshal([]byte(jsonData), &actor); err != nil {
		t.Fatalf("Failed to unmarshal actor: %v", err)
	}

	if actor.Endpoints.SharedInbox != "https://mastodon.example/inbox" {
		t.Errorf("Expected shared inbox, got '%s'", actor.Endpoints.SharedInbox)
	}
	if actor.Followers != "https://mastodon.example/users/alice/followers" {
		t.Errorf("Expected followers, got '%s'", actor.Followers)
	}
	if actor.PublicKey.Owner != actor.ID {
		t.Errorf("Expected key owner to be the actor, got '%s'", actor.PublicKey.Owner)
	}
}
