package web

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/deemkeen/herald/activitypub"
	"github.com/deemkeen/herald/domain"
	"github.com/deemkeen/herald/util"
	"github.com/gin-gonic/gin"
)

// handleOutbox accepts an activity from a local account, applies its
// local side effects and submits it for delivery.
func (s *Server) handleOutbox(c *gin.Context) {
	acc, ok := s.account(c)
	if !ok {
		return
	}
	user, password, hasAuth := c.Request.BasicAuth()
	if !hasAuth || user != acc.Username || !util.CheckPassword(acc.PasswordHash, password) {
		c.Header("WWW-Authenticate", `Basic realm="outbox"`)
		c.Status(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		if isBodyTooLarge(err) {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusBadRequest)
		return
	}
	a, raw, err := activitypub.ParseBytes(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := s.opts.IRIs.Actor(acc.Username)
	switch a.Env().Actor {
	case "":
		raw["actor"] = actor
	case actor:
	default:
		c.JSON(http.StatusForbidden, gin.H{"error": "actor does not match account"})
		return
	}
	id := a.Env().ID
	if id == "" {
		id = s.opts.IRIs.NewActivityID()
		raw["id"] = id
	}
	if _, ok := raw["@context"]; !ok {
		raw["@context"] = activitypub.ContextActivityStreams
	}

	if err := s.applyLocal(acc, a); err != nil {
		s.logger.Error("Failed to apply outbox activity", "nickname", acc.Username, "type", a.Kind(), "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	activity, err := json.Marshal(raw)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	if !s.opts.Outbox.Submit(acc.Username, activity) {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Header("Location", id)
	c.Status(http.StatusAccepted)
}

// applyLocal performs the effects an activity has on this server before
// it is federated.
func (s *Server) applyLocal(acc *domain.Account, a activitypub.Activity) error {
	actor := s.opts.IRIs.Actor(acc.Username)
	switch v := a.(type) {
	case *activitypub.Block:
		if v.Object != "" {
			return s.opts.Blocks.AddBlock(acc.BlockScope(), v.Object)
		}
	case *activitypub.Undo:
		if block, ok := v.Inner.(*activitypub.Block); ok && block.Object != "" {
			return s.opts.Blocks.RemoveBlock(acc.BlockScope(), block.Object)
		}
	case *activitypub.Update:
		if v.ObjectID == actor && s.opts.Keys != nil {
			s.opts.Keys.Invalidate(actor)
		}
	}
	return nil
}
