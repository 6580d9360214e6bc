package handler

import (
	"time"

	"github.com/borrowbot/keeper/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type RouterOptions struct {
	AdminKey string
	DryRun   bool
	// RateLimit is requests per second on /v1; 0 disables.
	RateLimit float64
}

// NewRouter wires the ops API: liveness, Prometheus metrics and the
// admin-only position routes.
func NewRouter(positions *PositionHandler, actions *ActionHandler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "keeper", "dry_run": opts.DryRun})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(1, int(opts.RateLimit)))
	}
	v1 := r.Group("/v1")
	v1.Use(middleware.AuditMiddleware())
	v1.Use(middleware.AdminMiddleware(opts.AdminKey))
	v1.Use(middleware.RateLimitMiddleware(limiter))
	v1.Use(middleware.ReadOnlyMiddleware(opts.DryRun))
	idem := middleware.IdempotencyMiddleware(middleware.NewInMemIdempotencyStore(24 * time.Hour))
	{
		v1.GET("/positions/:agent_id/health", positions.Health)
		v1.POST("/positions/:agent_id/close", idem, positions.Close)
		v1.POST("/positions/:agent_id/withdraw", idem, positions.Withdraw)
		v1.GET("/agents/:agent_id/actions", actions.List)
		v1.GET("/agents/:agent_id/journal", actions.Journal)
	}
	return r
}
