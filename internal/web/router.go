package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Registrar is anything that mounts routes on the engine. All handlers in
// this package implement it.
type Registrar interface {
	Register(r *gin.Engine)
}

// RouterOptions configures the shared middleware chain.
type RouterOptions struct {
	CORSOrigins  []string
	RateLimitRPS int
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// NewRouter assembles the engine: recovery, CORS, security headers, body
// limit, per-IP rate limiting, request logging, metrics, health, then the
// given handlers in order.
func NewRouter(opts RouterOptions, handlers ...Registrar) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     opts.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders:    []string{"Content-Length", "Location"},
			AllowCredentials: !containsWildcard(opts.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(securityHeaders())

	maxBody := opts.MaxBodyBytes
	if maxBody == 0 {
		maxBody = 1 << 20
	}
	r.Use(bodyLimit(maxBody))

	if opts.RateLimitRPS > 0 {
		r.Use(RateLimiter(opts.RateLimitRPS, opts.RateLimitRPS*2))
	}
	if opts.Logger != nil {
		r.Use(requestLogger(opts.Logger))
	}
	r.Use(PrometheusMiddleware())

	// Health (public, no auth)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", MetricsHandler())

	for _, h := range handlers {
		h.Register(r)
	}
	return r
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
