package handlers

import (
	"errors"
	"net/http"

	"qris-pos/internal/domain"

	"github.com/gin-gonic/gin"
)

// respondError maps the domain error taxonomy onto user-meaningful JSON.
// Raw provider error dumps never reach the POS terminal.
func respondError(c *gin.Context, err error) {
	status, message := http.StatusInternalServerError, "internal server error"

	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		status, message = http.StatusBadRequest, "minimum amount not met"
	case errors.Is(err, domain.ErrDuplicateOrderID):
		status, message = http.StatusConflict, "order id already used"
	case errors.Is(err, domain.ErrTransactionNotFound):
		status, message = http.StatusNotFound, "transaction not found"
	case errors.Is(err, domain.ErrGatewayTimeout):
		status, message = http.StatusGatewayTimeout, "payment provider timed out, please retry"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		status, message = http.StatusBadGateway, "payment provider unavailable, please retry"
	case errors.Is(err, domain.ErrGatewayRejected):
		status, message = http.StatusBadGateway, "payment provider rejected the charge"
	case errors.Is(err, domain.ErrOrphanedCharge):
		status, message = http.StatusInternalServerError, "charge could not be recorded, contact support"
	case errors.Is(err, domain.ErrAlreadyTerminal):
		status, message = http.StatusConflict, "transaction already resolved"
	}

	c.JSON(status, gin.H{"success": false, "error": message})
}
