package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/deemkeen/herald/activitypub"
	"github.com/deemkeen/herald/blocking"
	"github.com/deemkeen/herald/db"
	"github.com/deemkeen/herald/domain"
	"github.com/deemkeen/herald/inbox"
	"github.com/gin-gonic/gin"
)

func (s *Server) handleSharedInbox(c *gin.Context) {
	s.receive(c, activitypub.SharedInboxNickname)
}

func (s *Server) handleInbox(c *gin.Context) {
	nickname := c.Param("nick")
	if _, err := s.opts.DB.ReadAccByUsername(nickname); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to read account", "nickname", nickname, "err", err)
		c.Status(http.StatusServiceUnavailable)
		return
	}
	s.receive(c, nickname)
}

// receive authenticates an inbox POST and hands it to the queue. The
// queue decides between 201, 400 and 503.
func (s *Server) receive(c *gin.Context, nickname string) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		if isBodyTooLarge(err) {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusBadRequest)
		return
	}

	headers := c.Request.Header.Clone()
	headers.Set("Host", c.Request.Host)

	_, err = s.opts.Verifier.VerifyActor(c.Request.Context(), c.Request.Method, c.Request.URL.RequestURI(), headers, body)
	if err != nil {
		if errors.Is(err, activitypub.ErrNotPermitted) {
			c.Status(http.StatusBadRequest)
			return
		}
		s.logger.Debug("Rejected unsigned or badly signed delivery", "path", c.Request.URL.Path, "err", err)
		c.Status(http.StatusForbidden)
		return
	}

	// the actor must live on the host that published the signing key
	params, _ := activitypub.ParseSignatureHeader(headers.Get("Signature"))
	if a, _, err := activitypub.ParseBytes(body); err == nil {
		actor := a.Env().Actor
		if blocking.DomainOf(actor) != activitypub.KeyDomain(params.KeyID) {
			s.logger.Warn("Actor does not match signing key", "actor", actor, "keyId", params.KeyID)
			c.Status(http.StatusBadRequest)
			return
		}
	}

	result := s.opts.Queue.Enqueue(inbox.EnqueueRequest{
		Nickname: nickname,
		Path:     c.Request.URL.Path,
		Body:     body,
		Headers:  domain.CaptureHeaders(c.Request.Header, c.Request.Host),
	})
	if result != inbox.Accepted {
		s.logger.Debug("Delivery not queued", "nickname", nickname, "result", result)
	}
	c.Status(result.StatusCode())
}
