// Package web is the HTTP front door: inbox and outbox endpoints, the
// local actor surface, the newswire and metrics.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/activitypub"
	"github.com/deemkeen/herald/db"
	"github.com/deemkeen/herald/domain"
	"github.com/deemkeen/herald/inbox"
	"github.com/deemkeen/herald/metrics"
	"github.com/deemkeen/herald/watchdog"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Verifier authenticates signed requests.
type Verifier interface {
	VerifyActor(ctx context.Context, method, path string, headers http.Header, body []byte) (*domain.CachedActor, error)
}

// Enqueuer accepts inbound activities.
type Enqueuer interface {
	Enqueue(req inbox.EnqueueRequest) inbox.EnqueueResult
}

// Submitter starts outbound delivery.
type Submitter interface {
	Submit(nickname string, activity []byte) bool
}

// Moderator records blocks requested by local accounts.
type Moderator interface {
	AddBlock(scope, target string) error
	RemoveBlock(scope, target string) error
}

// Invalidator drops cached actor documents.
type Invalidator interface {
	Invalidate(actorURL string)
}

// Newswire renders the aggregated newswire.
type Newswire interface {
	RSS(title, link string) (string, error)
}

// HealthReporter lists supervised workers.
type HealthReporter interface {
	Statuses() []watchdog.Status
}

// Options wire the front door to the rest of the server.
type Options struct {
	DB       *db.DB
	IRIs     activitypub.IRIs
	Domain   string
	Verifier Verifier
	Queue    Enqueuer
	Outbox   Submitter
	Blocks   Moderator
	Keys     Invalidator
	Newswire Newswire
	Health   HealthReporter

	AuthenticatedFetch bool
	MaxBodyBytes       int64
}

// Server serves the front door.
type Server struct {
	opts          Options
	engine        *gin.Engine
	globalLimiter *RateLimiter
	inboxLimiter  *RateLimiter
	logger        *log.Logger
}

func NewServer(opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		opts:          opts,
		globalLimiter: NewRateLimiter(rate.Limit(10), 20),
		inboxLimiter:  NewRateLimiter(rate.Limit(5), 10),
		logger:        logger.WithPrefix("web"),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(RequestLogger(s.logger))
	g.Use(RateLimitMiddleware(s.globalLimiter))

	maxBody := MaxBytesMiddleware(s.opts.MaxBodyBytes)
	inboxLimit := RateLimitMiddleware(s.inboxLimiter)

	g.POST("/inbox", inboxLimit, maxBody, s.handleSharedInbox)
	g.POST("/sharedInbox", inboxLimit, maxBody, s.handleSharedInbox)
	g.POST("/users/:nick/inbox", inboxLimit, maxBody, s.handleInbox)
	g.POST("/users/:nick/outbox", maxBody, s.handleOutbox)

	// Inbox responses are tiny and signature digests cover raw bodies,
	// so compression applies to the read-only surface only.
	read := g.Group("/", gzip.Gzip(gzip.DefaultCompression))
	read.GET("/users/:nick", s.handleActor)
	read.GET("/users/:nick/followers", s.handleFollowers)
	read.GET("/.well-known/webfinger", s.handleWebfinger)
	read.GET("/newswire.xml", s.handleNewswire)
	read.GET("/healthz", s.handleHealth)

	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.globalLimiter.RunCleanup(ctx)
	go s.inboxLimiter.RunCleanup(ctx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.opts.Health == nil {
		c.JSON(http.StatusOK, gin.H{"workers": []any{}})
		return
	}
	statuses := s.opts.Health.Statuses()
	code := http.StatusOK
	workers := make([]gin.H, 0, len(statuses))
	for _, st := range statuses {
		if !st.Alive {
			code = http.StatusServiceUnavailable
		}
		workers = append(workers, gin.H{
			"name":     st.Name,
			"alive":    st.Alive,
			"restarts": st.Restarts,
			"since":    st.Since,
		})
	}
	c.JSON(code, gin.H{"workers": workers})
}
