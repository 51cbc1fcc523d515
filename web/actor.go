package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/herald/activitypub"
	"github.com/deemkeen/herald/db"
	"github.com/deemkeen/herald/domain"
	"github.com/gin-gonic/gin"
)

const activityContentType = activitypub.ContentType + "; charset=utf-8"

// wantsActivityJSON reports whether the client asked for an ActivityPub
// representation.
func wantsActivityJSON(accept string) bool {
	return strings.Contains(accept, "application/activity+json") ||
		strings.Contains(accept, "application/ld+json")
}

// account loads the account named in the path or writes the error status.
func (s *Server) account(c *gin.Context) (*domain.Account, bool) {
	nickname := c.Param("nick")
	acc, err := s.opts.DB.ReadAccByUsername(nickname)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return nil, false
	}
	if err != nil {
		s.logger.Error("Failed to read account", "nickname", nickname, "err", err)
		c.Status(http.StatusServiceUnavailable)
		return nil, false
	}
	return acc, true
}

// authorizedFetch enforces signed GETs when authenticated fetch is on.
func (s *Server) authorizedFetch(c *gin.Context) bool {
	if !s.opts.AuthenticatedFetch || !wantsActivityJSON(c.GetHeader("Accept")) {
		return true
	}
	headers := c.Request.Header.Clone()
	headers.Set("Host", c.Request.Host)
	if _, err := s.opts.Verifier.VerifyActor(c.Request.Context(), http.MethodGet, c.Request.URL.RequestURI(), headers, nil); err != nil {
		c.Status(http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleActor(c *gin.Context) {
	acc, ok := s.account(c)
	if !ok || !s.authorizedFetch(c) {
		return
	}
	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, s.actorDocument(acc))
}

func (s *Server) actorDocument(acc *domain.Account) map[string]any {
	iris := s.opts.IRIs
	nick := acc.Username
	name := acc.DisplayName
	if name == "" {
		name = nick
	}
	return map[string]any{
		"@context": []any{
			activitypub.ContextActivityStreams,
			"https://w3id.org/security/v1",
		},
		"id":                        iris.Actor(nick),
		"type":                      "Person",
		"preferredUsername":         nick,
		"name":                      name,
		"summary":                   acc.Summary,
		"inbox":                     iris.Inbox(nick),
		"outbox":                    iris.Outbox(nick),
		"followers":                 iris.Followers(nick),
		"following":                 iris.Following(nick),
		"url":                       iris.Actor(nick),
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]any{
			"sharedInbox": iris.SharedInbox(),
		},
		"publicKey": map[string]any{
			"id":           iris.KeyID(nick),
			"owner":        iris.Actor(nick),
			"publicKeyPem": acc.WebPublicKey,
		},
	}
}

func (s *Server) handleFollowers(c *gin.Context) {
	acc, ok := s.account(c)
	if !ok || !s.authorizedFetch(c) {
		return
	}
	total, err := s.opts.DB.CountFollowers(acc.Id)
	if err != nil {
		s.logger.Error("Failed to count followers", "nickname", acc.Username, "err", err)
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, gin.H{
		"@context":   activitypub.ContextActivityStreams,
		"id":         s.opts.IRIs.Followers(acc.Username),
		"type":       "OrderedCollection",
		"totalItems": total,
	})
}
