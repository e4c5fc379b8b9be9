package handlers

import (
	"net/http"

	"qris-pos/internal/database"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	db      database.Service
	sandbox bool
}

func NewHealthHandler(db database.Service, sandbox bool) *HealthHandler {
	return &HealthHandler{db: db, sandbox: sandbox}
}

func (h *HealthHandler) Health(c *gin.Context) {
	stats := h.db.Health()

	mode := "PRODUCTION"
	if h.sandbox {
		mode = "SANDBOX"
	}

	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"mode": mode,
		"db":   stats,
	})
}
