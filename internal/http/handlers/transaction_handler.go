package handlers

import (
	"net/http"

	"qris-pos/internal/domain"
	"qris-pos/internal/service"

	"github.com/gin-gonic/gin"
)

type TransactionHandler struct {
	transactions service.TransactionService
	sandbox      bool
}

func NewTransactionHandler(transactions service.TransactionService, sandbox bool) *TransactionHandler {
	return &TransactionHandler{transactions: transactions, sandbox: sandbox}
}

type createTransactionRequest struct {
	OrderID  string `json:"orderId"`
	Amount   int64  `json:"amount" binding:"required,gt=0"`
	Customer struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
	} `json:"customer"`
}

func (h *TransactionHandler) Create(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "amount is required and must be positive"})
		return
	}

	result, err := h.transactions.Initiate(c.Request.Context(), service.InitiateRequest{
		OrderID: req.OrderID,
		Amount:  req.Amount,
		Customer: domain.Customer{
			Name:  req.Customer.Name,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"order_id":     result.OrderID,
		"provider":     result.Provider,
		"reference":    result.GatewayRef,
		"snap_token":   result.Token,
		"redirect_url": result.PayURL,
		"qr_string":    result.QRString,
		"amount":       result.Amount,
	})
}

func (h *TransactionHandler) CheckStatus(c *gin.Context) {
	orderID := c.Param("orderId")

	entry, err := h.transactions.CheckStatus(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"success":  true,
		"order_id": orderID,
		"status":   entry.Status,
		"amount":   entry.Amount,
	}
	if entry.ResolvedAt != nil {
		resp["resolved_at"] = entry.ResolvedAt
	}
	c.JSON(http.StatusOK, resp)
}

// Simulate marks a transaction paid without a provider round trip.
// Sandbox only; hidden in production.
func (h *TransactionHandler) Simulate(c *gin.Context) {
	if !h.sandbox {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
		return
	}

	trx, err := h.transactions.SimulatePayment(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"order_id": trx.OrderID,
		"status":   trx.Status,
		"amount":   trx.Amount,
	})
}
