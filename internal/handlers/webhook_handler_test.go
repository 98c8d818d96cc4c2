package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/services/webhook"
)

// MockProcessor is a mock implementation of WebhookProcessor
type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Handle(ctx context.Context, payload []byte, sigHeader string) (*webhook.Result, error) {
	args := m.Called(ctx, payload, sigHeader)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*webhook.Result), args.Error(1)
}

func setupRouter(processor WebhookProcessor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewWebhookHandler(processor, zap.NewNop())
	router.POST("/webhooks/stripe", handler.StripeWebhook)
	return router
}

func post(router *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStripeWebhookProcessed(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	processor := new(MockProcessor)
	processor.On("Handle", mock.Anything, body, "t=1,v1=abc").
		Return(&webhook.Result{EventID: "evt_1", Type: "checkout.session.completed", Outcome: webhook.OutcomeProcessed}, nil)

	w := post(setupRouter(processor), body, "t=1,v1=abc")

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, true, response["received"])
	assert.Equal(t, "processed", response["status"])
	processor.AssertExpectations(t)
}

func TestStripeWebhookErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"bad signature", webhook.ErrSignatureInvalid, http.StatusBadRequest},
		{"undecodable event", webhook.ErrInvalidEvent, http.StatusBadRequest},
		{"in flight", webhook.ErrEventInFlight, http.StatusConflict},
		{"processing failure", errors.New("database unavailable"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := new(MockProcessor)
			processor.On("Handle", mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			w := post(setupRouter(processor), []byte(`{}`), "t=1,v1=abc")

			assert.Equal(t, tt.status, w.Code)
			assert.NotContains(t, w.Body.String(), "received")
		})
	}
}

func TestStripeWebhookRejectsOversizedBody(t *testing.T) {
	processor := new(MockProcessor)

	w := post(setupRouter(processor), bytes.Repeat([]byte("a"), maxWebhookBodyBytes+1), "t=1,v1=abc")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	processor.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything, mock.Anything)
}
