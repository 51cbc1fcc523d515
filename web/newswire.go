package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleNewswire(c *gin.Context) {
	if s.opts.Newswire == nil {
		c.Status(http.StatusNotFound)
		return
	}
	rss, err := s.opts.Newswire.RSS(s.opts.Domain+" newswire", s.opts.IRIs.BaseURL+"/newswire.xml")
	if err != nil {
		s.logger.Error("Failed to render newswire", "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}
