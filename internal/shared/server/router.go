package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/documents"
	"compliance-backend/internal/jobs"
	"compliance-backend/internal/shared/config"
	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/server/middleware"
)

// RouterDeps carries handler dependencies for route registration.
type RouterDeps struct {
	Config          config.Config
	DocumentHandler *documents.Handler
	JobsHandler     *jobs.Handler
}

// NewRouter builds the gin engine with middleware and API routes.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logging())
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS(deps.Config.CORSAllowOrigin))
	r.Use(middleware.RateLimit(rateLimitConfig()))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	if deps.DocumentHandler != nil {
		deps.DocumentHandler.RegisterRoutes(api)
	}
	if deps.JobsHandler != nil {
		deps.JobsHandler.RegisterRoutes(api)
	}

	return r
}

const (
	rateGroupUpload = "UPLOAD"
	rateGroupSubmit = "SUBMIT"
	rateGroupPoll   = "POLL"
)

func rateLimitConfig() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		Rules: map[string]middleware.RateLimitRule{
			rateGroupUpload: {Rate: 0.5, Burst: 5},
			rateGroupSubmit: {Rate: 0.5, Burst: 5},
			rateGroupPoll:   {Rate: 10, Burst: 30},
		},
		GroupFor: func(c *gin.Context) string {
			path := c.Request.URL.Path
			switch {
			case c.Request.Method == http.MethodPost && strings.HasSuffix(path, "/documents"):
				return rateGroupUpload
			case c.Request.Method == http.MethodPost && strings.HasSuffix(path, "/jobs"):
				return rateGroupSubmit
			case c.Request.Method == http.MethodGet && strings.Contains(path, "/jobs"):
				return rateGroupPoll
			default:
				return ""
			}
		},
	}
}

// Addr returns the listen address for a configured port.
func Addr(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}
