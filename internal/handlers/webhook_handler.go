package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/services/webhook"
)

// maxWebhookBodyBytes caps the raw payload read before verification
const maxWebhookBodyBytes = 1 << 20

// WebhookProcessor handles one raw delivery
type WebhookProcessor interface {
	Handle(ctx context.Context, payload []byte, sigHeader string) (*webhook.Result, error)
}

// WebhookHandler handles webhooks from Stripe
type WebhookHandler struct {
	gateway WebhookProcessor
	logger  *zap.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(gateway WebhookProcessor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		gateway: gateway,
		logger:  logger,
	}
}

// StripeWebhook verifies and processes a Stripe event. Any non-2xx response
// makes Stripe redeliver, so only verified and applied events return 200.
func (h *WebhookHandler) StripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	result, err := h.gateway.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, webhook.ErrSignatureInvalid):
		h.logger.Warn("Stripe webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	case errors.Is(err, webhook.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event"})
		return
	case errors.Is(err, webhook.ErrEventInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "Event is already being processed"})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"status":   result.Outcome,
	})
}
