package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/operatorkit/backend/internal/handlers"
	"github.com/operatorkit/backend/internal/middleware"
)

// SetupWebhookRoutes configures routes for webhook endpoints
func SetupWebhookRoutes(router *gin.Engine, webhookHandler *handlers.WebhookHandler, rateLimiter *middleware.RateLimiter) {
	// Webhook routes group. Stripe signs every request, so there is no auth middleware.
	webhookGroup := router.Group("/api/v1/webhooks")
	if rateLimiter != nil {
		webhookGroup.Use(rateLimiter.IPRateLimiterMiddleware())
	}
	{
		webhookGroup.POST("/stripe", webhookHandler.StripeWebhook)
	}
}
