package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"qris-pos/internal/domain"
	"qris-pos/internal/gateway"
	"qris-pos/internal/service"

	"github.com/gin-gonic/gin"
)

type WebhookHandler struct {
	transactions service.TransactionService
	gateways     *gateway.Registry
	logger       *slog.Logger
}

func NewWebhookHandler(transactions service.TransactionService, gateways *gateway.Registry, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{transactions: transactions, gateways: gateways, logger: logger}
}

// Handle receives one provider callback. 401 only on signature failure;
// once the sender is authenticated the answer is always 200, whatever the
// business outcome, so the provider never enters a retry storm.
func (h *WebhookHandler) Handle(c *gin.Context) {
	provider := c.Param("provider")
	gw, ok := h.gateways.Get(provider)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown provider"})
		return
	}

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable body"})
		return
	}

	err = h.transactions.ApplyWebhook(c.Request.Context(), gw, c.Request.Header, rawBody)
	if errors.Is(err, domain.ErrUnauthorizedWebhook) {
		h.logger.Warn("webhook signature rejected", "provider", provider, "ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid signature"})
		return
	}
	if err != nil {
		// Already logged with context by the service; acknowledged so the
		// provider stops redelivering.
		h.logger.Debug("webhook acknowledged with error", "provider", provider, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}
