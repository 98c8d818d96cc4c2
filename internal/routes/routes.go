package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/handlers"
	"github.com/operatorkit/backend/internal/middleware"
)

// RouterDeps carries what the HTTP surface needs
type RouterDeps struct {
	Logger         *zap.Logger
	WebhookHandler *handlers.WebhookHandler
	RateLimiter    *middleware.RateLimiter
	Gatherer       prometheus.Gatherer
}

// SetupRouter builds the gin engine with global middleware and all routes
func SetupRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	SetupWebhookRoutes(router, deps.WebhookHandler, deps.RateLimiter)
	return router
}
