package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	ContentType            = "application/activity+json"
	LDContentType          = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// Kind is the "type" of an activity.
type Kind string

const (
	KindFollow   Kind = "Follow"
	KindLike     Kind = "Like"
	KindAnnounce Kind = "Announce"
	KindCreate   Kind = "Create"
	KindUpdate   Kind = "Update"
	KindDelete   Kind = "Delete"
	KindUndo     Kind = "Undo"
	KindAccept   Kind = "Accept"
	KindReject   Kind = "Reject"
	KindBlock    Kind = "Block"
)

var ErrNotAnActivity = errors.New("not an activity")

// Activity is one of the concrete activity types below. Unknown carries
// anything this server does not model.
type Activity interface {
	Kind() Kind
	Env() *Envelope
}

// Envelope holds the fields every activity shares plus the raw document.
type Envelope struct {
	ID       string
	Actor    string
	To       []string
	Cc       []string
	Bto      []string
	Bcc      []string
	Audience []string
	Raw      map[string]any
}

func (e *Envelope) Env() *Envelope { return e }

// Recipients returns every addressed IRI in order, without duplicates.
func (e *Envelope) Recipients() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{e.To, e.Cc, e.Bto, e.Bcc, e.Audience} {
		for _, r := range list {
			if _, ok := seen[r]; ok || r == "" {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

type Follow struct {
	Envelope
	Object string
}

type Like struct {
	Envelope
	Object string
}

type Announce struct {
	Envelope
	Object string
}

type Create struct {
	Envelope
	ObjectID string
	Object   map[string]any
}

// Hashtags returns the lowercased names of Hashtag tags on the object.
func (c *Create) Hashtags() []string {
	tags, _ := c.Object["tag"].([]any)
	var out []string
	for _, t := range tags {
		m, ok := t.(map[string]any)
		if !ok || m["type"] != "Hashtag" {
			continue
		}
		if name, ok := m["name"].(string); ok {
			out = append(out, strings.ToLower(strings.TrimPrefix(name, "#")))
		}
	}
	return out
}

type Update struct {
	Envelope
	ObjectID   string
	ObjectType string
	Object     map[string]any
}

type Delete struct {
	Envelope
	ObjectID string
}

type Block struct {
	Envelope
	Object string
}

// Undo, Accept and Reject wrap another activity. When only the inner id is
// known Inner is an *Unknown with that id.
type Undo struct {
	Envelope
	Inner Activity
}

type Accept struct {
	Envelope
	Inner Activity
}

type Reject struct {
	Envelope
	Inner Activity
}

type Unknown struct {
	Envelope
	Type string
}

func (*Follow) Kind() Kind    { return KindFollow }
func (*Like) Kind() Kind      { return KindLike }
func (*Announce) Kind() Kind  { return KindAnnounce }
func (*Create) Kind() Kind    { return KindCreate }
func (*Update) Kind() Kind    { return KindUpdate }
func (*Delete) Kind() Kind    { return KindDelete }
func (*Block) Kind() Kind     { return KindBlock }
func (*Undo) Kind() Kind      { return KindUndo }
func (*Accept) Kind() Kind    { return KindAccept }
func (*Reject) Kind() Kind    { return KindReject }
func (u *Unknown) Kind() Kind { return Kind(u.Type) }

// ParseBytes decodes body and parses it as an activity.
func ParseBytes(body []byte) (Activity, map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to parse activity JSON: %w", err)
	}
	a, err := Parse(raw)
	return a, raw, err
}

// Parse maps a decoded JSON object onto its activity type.
func Parse(raw map[string]any) (Activity, error) {
	typ, _ := raw["type"].(string)
	if typ == "" {
		return nil, ErrNotAnActivity
	}

	env := Envelope{
		ID:       idOf(raw["id"]),
		Actor:    idOf(raw["actor"]),
		To:       idList(raw["to"]),
		Cc:       idList(raw["cc"]),
		Bto:      idList(raw["bto"]),
		Bcc:      idList(raw["bcc"]),
		Audience: idList(raw["audience"]),
		Raw:      raw,
	}
	object := raw["object"]

	switch Kind(typ) {
	case KindFollow:
		return &Follow{Envelope: env, Object: idOf(object)}, nil
	case KindLike:
		return &Like{Envelope: env, Object: idOf(object)}, nil
	case KindAnnounce:
		return &Announce{Envelope: env, Object: idOf(object)}, nil
	case KindBlock:
		return &Block{Envelope: env, Object: idOf(object)}, nil
	case KindCreate:
		obj, _ := object.(map[string]any)
		return &Create{Envelope: env, ObjectID: idOf(object), Object: obj}, nil
	case KindUpdate:
		obj, _ := object.(map[string]any)
		objType, _ := obj["type"].(string)
		return &Update{Envelope: env, ObjectID: idOf(object), ObjectType: objType, Object: obj}, nil
	case KindDelete:
		return &Delete{Envelope: env, ObjectID: idOf(object)}, nil
	case KindUndo:
		return &Undo{Envelope: env, Inner: parseInner(object)}, nil
	case KindAccept:
		return &Accept{Envelope: env, Inner: parseInner(object)}, nil
	case KindReject:
		return &Reject{Envelope: env, Inner: parseInner(object)}, nil
	}
	return &Unknown{Envelope: env, Type: typ}, nil
}

func parseInner(object any) Activity {
	if m, ok := object.(map[string]any); ok {
		if a, err := Parse(m); err == nil {
			return a
		}
	}
	return &Unknown{Envelope: Envelope{ID: idOf(object)}}
}

// idOf reads a value that is either an IRI or an object with an id.
func idOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		id, _ := t["id"].(string)
		return id
	}
	return ""
}

func idList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if id := idOf(item); id != "" {
				out = append(out, id)
			}
		}
		return out
	case map[string]any:
		if id := idOf(t); id != "" {
			return []string{id}
		}
	}
	return nil
}

var recognizedContexts = map[string]struct{}{
	ContextActivityStreams:                          {},
	"https://w3id.org/security/v1":                  {},
	"https://w3id.org/identity/v1":                  {},
	"https://w3id.org/security/data-integrity/v1":   {},
	"https://w3id.org/security/multikey/v1":         {},
	"https://www.w3.org/ns/did/v1":                  {},
	"https://litepub.social/litepub/context.jsonld": {},
	"https://gotosocial.org/ns":                     {},
}

func recognizedContext(c string) bool {
	if _, ok := recognizedContexts[c]; ok {
		return true
	}
	return strings.Contains(c, "/schemas/litepub-") || strings.Contains(c, "/apschema/")
}

// HasValidContext reports whether raw declares a linked-data context made
// only of known vocabularies. Inline context objects are not checked, so an
// array of inline objects alone is accepted. An empty array is not.
func HasValidContext(raw map[string]any) bool {
	switch c := raw["@context"].(type) {
	case string:
		return recognizedContext(c)
	case []any:
		for _, item := range c {
			if s, ok := item.(string); ok && !recognizedContext(s) {
				return false
			}
		}
		return len(c) > 0
	}
	return false
}

// NormalizeAddressing returns a copy of raw where a Follow or Like without a
// "to" is addressed to its object. The second result reports a change.
func NormalizeAddressing(raw map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}

	typ, _ := raw["type"].(string)
	if typ != string(KindFollow) && typ != string(KindLike) {
		return out, false
	}
	if len(idList(raw["to"])) > 0 {
		return out, false
	}
	object := idOf(raw["object"])
	if object == "" {
		return out, false
	}
	out["to"] = []any{object}
	return out, true
}
