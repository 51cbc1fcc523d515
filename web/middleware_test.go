package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func getFrom(router http.Handler, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.RemoteAddr = ip + ":12345"
	router.ServeHTTP(w, req)
	return w
}

func TestGetLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	limiter1 := rl.getLimiter("192.168.1.1")
	if limiter1 == nil {
		t.Fatal("getLimiter returned nil")
	}
	if limiter2 := rl.getLimiter("192.168.1.1"); limiter1 != limiter2 {
		t.Error("getLimiter should return the same limiter for the same IP")
	}
	if limiter3 := rl.getLimiter("192.168.1.2"); limiter1 == limiter3 {
		t.Error("getLimiter should return different limiters for different IPs")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		requestCount   int
		rateLimit      rate.Limit
		burst          int
		expectedStatus int
	}{
		{"under limit", 5, rate.Limit(10), 10, http.StatusOK},
		{"at burst limit", 10, rate.Limit(1), 10, http.StatusOK},
		{"over limit", 15, rate.Limit(1), 10, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := limitedRouter(NewRateLimiter(tt.rateLimit, tt.burst))

			var last *httptest.ResponseRecorder
			for range tt.requestCount {
				last = getFrom(router, "192.168.1.100")
			}
			if last.Code != tt.expectedStatus {
				t.Errorf("Expected final status %d, got %d", tt.expectedStatus, last.Code)
			}
		})
	}
}

func TestRateLimitMiddlewareErrorResponse(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	if w := getFrom(router, "192.168.1.100"); w.Code != http.StatusOK {
		t.Errorf("First request should succeed, got status %d", w.Code)
	}
	w := getFrom(router, "192.168.1.100")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Second request should be rate limited, got status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Rate limit exceeded") {
		t.Errorf("Expected rate limit error message, got: %s", w.Body.String())
	}
}

func TestRateLimitMiddlewareDifferentIPs(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	if w := getFrom(router, "192.168.1.1"); w.Code != http.StatusOK {
		t.Errorf("First IP should succeed, got status %d", w.Code)
	}
	if w := getFrom(router, "192.168.1.2"); w.Code != http.StatusOK {
		t.Errorf("Second IP should succeed, got status %d", w.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)
	clock := time.Now()
	rl.now = func() time.Time { return clock }

	rl.getLimiter("10.0.0.1")
	clock = clock.Add(20 * time.Minute)
	rl.getLimiter("10.0.0.2")

	if n := rl.Cleanup(10 * time.Minute); n != 1 {
		t.Errorf("Expected 1 idle client removed, got %d", n)
	}
	rl.mu.Lock()
	_, idle := rl.visitors["10.0.0.1"]
	_, active := rl.visitors["10.0.0.2"]
	rl.mu.Unlock()
	if idle || !active {
		t.Errorf("Expected only the idle client to be forgotten")
	}
}

func TestRateLimitMiddlewareRecovery(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	getFrom(router, "192.168.1.1")
	if w := getFrom(router, "192.168.1.1"); w.Code != http.StatusTooManyRequests {
		t.Errorf("Second request should be rate limited, got status %d", w.Code)
	}

	time.Sleep(1100 * time.Millisecond)

	if w := getFrom(router, "192.168.1.1"); w.Code != http.StatusOK {
		t.Errorf("Request after waiting should succeed, got status %d", w.Code)
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		maxBytes       int64
		bodySize       int
		knownLength    bool
		expectedStatus int
	}{
		{"under limit", 1024, 512, true, http.StatusOK},
		{"at limit", 1024, 1024, true, http.StatusOK},
		{"over limit by content-length", 1024, 2048, true, http.StatusRequestEntityTooLarge},
		{"over limit while reading", 1024, 2048, false, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MaxBytesMiddleware(tt.maxBytes))
			router.POST("/test", func(c *gin.Context) {
				if _, err := io.ReadAll(c.Request.Body); err != nil {
					if isBodyTooLarge(err) {
						c.Status(http.StatusRequestEntityTooLarge)
						return
					}
					c.Status(http.StatusBadRequest)
					return
				}
				c.Status(http.StatusOK)
			})

			body := strings.Repeat("x", tt.bodySize)
			req, _ := http.NewRequest("POST", "/test", strings.NewReader(body))
			if !tt.knownLength {
				req.ContentLength = -1
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestMaxBytesMiddlewareErrorMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(MaxBytesMiddleware(100))
	router.POST("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/test", strings.NewReader(strings.Repeat("x", 200)))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Request body too large") {
		t.Errorf("Expected error message about body size, got: %s", w.Body.String())
	}
}

func TestRequestLoggerKeepsStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestLogger(log.Default()))
	router.GET("/teapot", func(c *gin.Context) {
		c.Status(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/teapot", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected 418, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/nowhere", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unmatched route, got %d", w.Code)
	}
}
