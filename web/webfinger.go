package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/herald/activitypub"
	"github.com/deemkeen/herald/db"
	"github.com/gin-gonic/gin"
)

var webfingerNotFound = gin.H{"detail": "Not Found"}

func (s *Server) handleWebfinger(c *gin.Context) {
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")

	handle, err := activitypub.NormalizeHandle(c.Query("resource"))
	if err != nil {
		c.JSON(http.StatusBadRequest, webfingerNotFound)
		return
	}
	at := strings.LastIndexByte(handle, '@')
	nickname, host := handle[:at], handle[at+1:]
	if !strings.EqualFold(host, s.opts.Domain) {
		c.JSON(http.StatusNotFound, webfingerNotFound)
		return
	}

	acc, err := s.opts.DB.ReadAccByUsername(nickname)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, webfingerNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to read account", "nickname", nickname, "err", err)
		c.Status(http.StatusServiceUnavailable)
		return
	}

	actor := s.opts.IRIs.Actor(acc.Username)
	c.JSON(http.StatusOK, activitypub.WebfingerResponse{
		Subject: "acct:" + acc.Username + "@" + s.opts.Domain,
		Aliases: []string{actor},
		Links: []activitypub.WebfingerLink{
			{Rel: "self", Type: activitypub.ContentType, Href: actor},
		},
	})
}
